// Package processor is the boundary to the external payment processor. Every other package
// depends on Client; the Stripe adapter is the only code that knows the processor's API.
package processor

import (
	"context"
	"errors"
	"fmt"
)

// Payment states reported by the processor.
const (
	StateSucceeded             = "succeeded"
	StateProcessing            = "processing"
	StateRequiresPaymentMethod = "requires_payment_method"
	StateCanceled              = "canceled"
)

type Payment struct {
	Reference string
	State     string
	Amount    int64
	Currency  string
}

// Ready reports whether an order may be created against the payment.
func (p Payment) Ready() bool { return p.State == StateSucceeded || p.State == StateProcessing }

type RefundRequest struct {
	PaymentReference string
	Amount           int64
	Reason           string
	Metadata         map[string]string
	IdempotencyKey   string
}

type Refund struct {
	ID     string
	Status string
	Amount int64
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Transfer struct {
	ID string
}

type Requirements struct {
	CurrentlyDue   []string
	DisabledReason string
}

type Account struct {
	ID               string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	Requirements     Requirements
}

type Client interface {
	RetrievePayment(ctx context.Context, ref string) (Payment, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	GetAccount(ctx context.Context, id string) (Account, error)
}

type Outcome int

const (
	// OutcomeUnknown: the request may or may not have taken effect (timeout, network, 5xx).
	OutcomeUnknown Outcome = iota
	// OutcomeRejected: the processor definitively refused the request.
	OutcomeRejected
)

func (o Outcome) String() string {
	if o == OutcomeRejected {
		return "rejected"
	}
	return "unknown"
}

type Error struct {
	Op      string
	Outcome Outcome
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s (%s, %s): %s", e.Op, e.Outcome, e.Code, e.Message)
	}
	return fmt.Sprintf("processor %s (%s): %s", e.Op, e.Outcome, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRejected reports whether err is a definitive processor refusal.
func IsRejected(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Outcome == OutcomeRejected
}
