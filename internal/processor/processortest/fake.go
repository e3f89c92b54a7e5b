// Package processortest provides an in-memory processor.Client.
package processortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

// Fake serves payments and accounts from maps. Refunds and transfers are idempotent on
// IdempotencyKey the way the real processor is. Set the *Err fields to inject failures.
type Fake struct {
	mu sync.Mutex

	Payments map[string]processor.Payment
	Accounts map[string]processor.Account

	RetrieveErr error
	RefundErr   error
	TransferErr error
	AccountErr  error

	// LostResponses is the number of upcoming refunds or transfers that take effect but
	// answer with a timeout, as when the reply is lost on the way back.
	LostResponses int

	Refunds   []processor.RefundRequest
	Transfers []processor.TransferRequest
	Calls     map[string]int

	refundsByKey   map[string]processor.Refund
	transfersByKey map[string]processor.Transfer
	seq            int
}

func New() *Fake {
	return &Fake{
		Payments:       map[string]processor.Payment{},
		Accounts:       map[string]processor.Account{},
		Calls:          map[string]int{},
		refundsByKey:   map[string]processor.Refund{},
		transfersByKey: map[string]processor.Transfer{},
	}
}

func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) RetrievePayment(_ context.Context, ref string) (processor.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["retrieve_payment"]++
	if f.RetrieveErr != nil {
		return processor.Payment{}, f.RetrieveErr
	}
	p, ok := f.Payments[ref]
	if !ok {
		return processor.Payment{}, &processor.Error{Op: "retrieve_payment", Outcome: processor.OutcomeRejected,
			Code: "resource_missing", Message: "No such payment_intent: " + ref}
	}
	return p, nil
}

func (f *Fake) CreateRefund(_ context.Context, req processor.RefundRequest) (processor.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["create_refund"]++
	if f.RefundErr != nil {
		return processor.Refund{}, f.RefundErr
	}
	if r, ok := f.refundsByKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return r, nil
	}
	f.seq++
	r := processor.Refund{ID: fmt.Sprintf("re_%d", f.seq), Status: "succeeded", Amount: req.Amount}
	f.Refunds = append(f.Refunds, req)
	f.refundsByKey[req.IdempotencyKey] = r
	if f.LostResponses > 0 {
		f.LostResponses--
		return processor.Refund{}, Unknown("create_refund")
	}
	return r, nil
}

func (f *Fake) CreateTransfer(_ context.Context, req processor.TransferRequest) (processor.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["create_transfer"]++
	if f.TransferErr != nil {
		return processor.Transfer{}, f.TransferErr
	}
	if t, ok := f.transfersByKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return t, nil
	}
	f.seq++
	t := processor.Transfer{ID: fmt.Sprintf("tr_%d", f.seq)}
	f.Transfers = append(f.Transfers, req)
	f.transfersByKey[req.IdempotencyKey] = t
	if f.LostResponses > 0 {
		f.LostResponses--
		return processor.Transfer{}, Unknown("create_transfer")
	}
	return t, nil
}

func (f *Fake) GetAccount(_ context.Context, id string) (processor.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["get_account"]++
	if f.AccountErr != nil {
		return processor.Account{}, f.AccountErr
	}
	a, ok := f.Accounts[id]
	if !ok {
		return processor.Account{}, &processor.Error{Op: "get_account", Outcome: processor.OutcomeRejected,
			Code: "account_invalid", Message: "No such account: " + id}
	}
	return a, nil
}

// Rejected builds a definitive processor refusal.
func Rejected(op, msg string) error {
	return &processor.Error{Op: op, Outcome: processor.OutcomeRejected, Message: msg}
}

// Unknown builds an outcome-unknown failure such as a timeout.
func Unknown(op string) error {
	return &processor.Error{Op: op, Outcome: processor.OutcomeUnknown, Code: "timeout", Message: "processor call timed out"}
}
