// Package ledgertest is an in-memory ledger with the same conditional-write semantics as
// the Postgres repos.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
)

type Memory struct {
	mu sync.Mutex

	Orders   map[string]*ledger.Order
	Sellers  map[string]*ledger.Seller
	Products map[string]*ledger.Product
	Payouts  map[string]*ledger.Payout
	Intents  map[string]*ledger.Intent

	// injected failures
	CreateOrderErr  error
	MarkRefundedErr error
	BookPayoutErr   error
	CreateIntentErr error
	UpdateKYCErr    error
}

func New() *Memory {
	return &Memory{
		Orders:   map[string]*ledger.Order{},
		Sellers:  map[string]*ledger.Seller{},
		Products: map[string]*ledger.Product{},
		Payouts:  map[string]*ledger.Payout{},
		Intents:  map[string]*ledger.Intent{},
	}
}

func (m *Memory) PutOrder(o ledger.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders[o.ID] = &o
}

func (m *Memory) PutSeller(s ledger.Seller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sellers[s.ID] = &s
}

func (m *Memory) PutProduct(p ledger.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Products[p.ID] = &p
}

func (m *Memory) CreateOrder(_ context.Context, o *ledger.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateOrderErr != nil {
		return false, m.CreateOrderErr
	}
	for _, ex := range m.Orders {
		if ex.PaymentRef == o.PaymentRef {
			return false, nil
		}
	}
	cp := *o
	cp.UpdatedAt = o.CreatedAt
	m.Orders[o.ID] = &cp
	return true, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) GetOrderByPaymentRef(_ context.Context, ref string) (*ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Orders {
		if o.PaymentRef == ref {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *Memory) MarkRefunded(_ context.Context, orderID, refundID string, amount int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkRefundedErr != nil {
		return m.MarkRefundedErr
	}
	o, ok := m.Orders[orderID]
	if !ok || o.PaymentStatus == ledger.PaymentRefunded {
		return ledger.ErrConflict
	}
	o.PaymentStatus, o.RefundID, o.RefundAmount, o.UpdatedAt = ledger.PaymentRefunded, refundID, amount, at
	return nil
}

func (m *Memory) ListEligibleOrders(_ context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Order
	for _, o := range m.Orders {
		if o.SellerID != f.SellerID || o.PayoutID != "" {
			continue
		}
		if o.PaymentStatus != ledger.PaymentCompleted && o.Status != ledger.OrderDelivered {
			continue
		}
		if f.From != nil && o.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && o.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSellerOrders(_ context.Context, sellerID string, limit int) ([]ledger.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Order
	for _, o := range m.Orders {
		if o.SellerID == sellerID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetProduct(_ context.Context, id string) (*ledger.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Products[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetSeller(_ context.Context, id string) (*ledger.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sellers[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSellerByAccount(_ context.Context, accountID string) (*ledger.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Sellers {
		if s.StripeAccountID != "" && s.StripeAccountID == accountID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *Memory) UpdateKYC(_ context.Context, sellerID string, u ledger.KYCUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateKYCErr != nil {
		return false, m.UpdateKYCErr
	}
	s, ok := m.Sellers[sellerID]
	if !ok {
		return false, nil
	}
	if s.KYCEventAt != nil && s.KYCEventAt.After(u.EventAt) {
		return false, nil
	}
	at := u.EventAt
	s.KYCStatus, s.ChargesEnabled, s.PayoutsEnabled = u.Status, u.ChargesEnabled, u.PayoutsEnabled
	s.OnboardingCompleted, s.KYCEventAt, s.UpdatedAt = u.OnboardingCompleted, &at, time.Now()
	return true, nil
}

func (m *Memory) BookPayout(_ context.Context, b ledger.PayoutBooking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BookPayoutErr != nil {
		return m.BookPayoutErr
	}
	p := b.Payout
	if _, ok := m.Payouts[p.ID]; ok {
		return nil
	}
	s, ok := m.Sellers[p.SellerID]
	if !ok || s.PayoutVersion != b.ExpectedVersion {
		return ledger.ErrConflict
	}
	m.Payouts[p.ID] = &p
	for _, id := range b.OrderIDs {
		if o, ok := m.Orders[id]; ok && o.PayoutID == "" {
			o.PayoutID, o.UpdatedAt = p.ID, p.CreatedAt
		}
	}
	at := p.CreatedAt
	s.LastPayoutID, s.LastPayoutAmount, s.LastPayoutAt = p.ID, p.Amount, &at
	s.TotalPayouts++
	s.PayoutVersion++
	s.UpdatedAt = at
	return nil
}

func (m *Memory) ListPayouts(_ context.Context, sellerID string, limit int) ([]ledger.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []ledger.Payout
	for _, p := range m.Payouts {
		if p.SellerID == sellerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateIntent(_ context.Context, in *ledger.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateIntentErr != nil {
		return m.CreateIntentErr
	}
	for _, ex := range m.Intents {
		if ex.Kind == in.Kind && ex.SubjectID == in.SubjectID && ex.Status.Open() {
			return ledger.ErrConflict
		}
	}
	cp := *in
	cp.Status, cp.Attempts, cp.UpdatedAt = ledger.IntentPending, 0, in.CreatedAt
	m.Intents[in.ID] = &cp
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id string) (*ledger.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Intents[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *Memory) MarkIntent(_ context.Context, id string, status ledger.IntentStatus, result []byte, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Intents[id]
	if !ok || (in.Status != ledger.IntentPending && in.Status != ledger.IntentProcessorSucceeded) {
		return ledger.ErrConflict
	}
	in.Status, in.LastError, in.UpdatedAt = status, lastErr, time.Now()
	if len(result) > 0 {
		in.Result = result
	}
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, id, lastErr string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Intents[id]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	in.Attempts++
	in.LastError, in.UpdatedAt = lastErr, time.Now()
	return in.Attempts, nil
}

func (m *Memory) ListOpenIntents(_ context.Context, olderThan time.Time, limit int) ([]ledger.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Intent
	for _, in := range m.Intents {
		if in.Status == ledger.IntentProcessorSucceeded ||
			(in.Status == ledger.IntentPending && in.UpdatedAt.Before(olderThan)) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IntentsOf returns the intents of kind, oldest first.
func (m *Memory) IntentsOf(kind ledger.IntentKind) []ledger.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Intent
	for _, in := range m.Intents {
		if in.Kind == kind {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
