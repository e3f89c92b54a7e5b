// Package reconcile drives reconciliation intents to a terminal state. An intent left open
// means the processor may hold a side effect the ledger does not yet reflect.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/payments"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

type IntentStore interface {
	GetIntent(ctx context.Context, id string) (*ledger.Intent, error)
	MarkIntent(ctx context.Context, id string, status ledger.IntentStatus, result []byte, lastErr string) error
	RecordAttempt(ctx context.Context, id, lastErr string) (int, error)
	ListOpenIntents(ctx context.Context, olderThan time.Time, limit int) ([]ledger.Intent, error)
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
	CreateOrder(ctx context.Context, o *ledger.Order) (bool, error)
	MarkRefunded(ctx context.Context, orderID, refundID string, amount int64, at time.Time) error
}

type SellerStore interface {
	GetSeller(ctx context.Context, id string) (*ledger.Seller, error)
	BookPayout(ctx context.Context, b ledger.PayoutBooking) error
}

type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

type Sweeper struct {
	Processor   processor.Client
	Orders      OrderStore
	Sellers     SellerStore
	Intents     IntentStore
	Events      events.Publisher
	Dedup       Deduper
	Grace       time.Duration // pending intents younger than this may still be in flight
	Batch       int
	MaxAttempts int
	Producer    string
	Log         *zap.Logger
	Now         func() time.Time
}

type Stats struct {
	Scanned   int
	Confirmed int
	Failed    int
	Retrying  int
	Abandoned int
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.Log.Error("sweep failed", zap.Error(err))
		} else if st.Scanned > 0 {
			s.Log.Info("sweep done", zap.Int("scanned", st.Scanned), zap.Int("confirmed", st.Confirmed),
				zap.Int("failed", st.Failed), zap.Int("retrying", st.Retrying), zap.Int("abandoned", st.Abandoned))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// SweepOnce resolves one batch of open intents, oldest first.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var st Stats
	open, err := s.Intents.ListOpenIntents(ctx, s.now().Add(-s.Grace), s.Batch)
	if err != nil {
		return st, fmt.Errorf("list open intents: %w", err)
	}
	for _, in := range open {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Scanned++
		status, _ := s.Resolve(ctx, in)
		switch status {
		case ledger.IntentConfirmed:
			st.Confirmed++
		case ledger.IntentFailed:
			st.Failed++
		case ledger.IntentAbandoned:
			st.Abandoned++
		default:
			st.Retrying++
		}
	}
	return st, nil
}

// Resolve makes one attempt at closing in and returns the status it ends in. A returned
// error means the attempt failed and was counted against the intent.
func (s *Sweeper) Resolve(ctx context.Context, in ledger.Intent) (ledger.IntentStatus, error) {
	log := s.Log.With(zap.String("intent_id", in.ID), zap.String("kind", string(in.Kind)),
		zap.String("subject_id", in.SubjectID))

	var (
		res resolution
		err error
	)
	switch in.Kind {
	case ledger.IntentOrderConfirmation:
		res, err = s.confirmOrder(ctx, &in)
	case ledger.IntentRefund:
		res, err = s.applyRefund(ctx, &in)
	case ledger.IntentPayout:
		res, err = s.bookPayout(ctx, &in)
	default:
		err = fmt.Errorf("unknown intent kind %q", in.Kind)
	}
	if err == nil {
		if merr := s.mark(ctx, in.ID, res.status, res.result, res.note); merr != nil {
			err = merr
		} else {
			log.Info("intent resolved", zap.String("status", string(res.status)), zap.String("note", res.note))
			return res.status, nil
		}
	}

	n, aerr := s.Intents.RecordAttempt(ctx, in.ID, err.Error())
	if aerr != nil {
		log.Warn("attempt not recorded", zap.Error(aerr))
		return in.Status, err
	}
	if s.MaxAttempts > 0 && n >= s.MaxAttempts {
		if merr := s.mark(ctx, in.ID, ledger.IntentAbandoned, nil, err.Error()); merr != nil {
			log.Warn("abandon failed", zap.Error(merr))
			return in.Status, err
		}
		log.Error("intent abandoned, manual follow-up required", zap.Int("attempts", n), zap.Error(err))
		return ledger.IntentAbandoned, err
	}
	log.Warn("intent still open", zap.Int("attempts", n), zap.Error(err))
	return in.Status, err
}

type resolution struct {
	status ledger.IntentStatus
	result any
	note   string
}

func done(result any, note string) resolution {
	return resolution{status: ledger.IntentConfirmed, result: result, note: note}
}

func failed(note string) resolution {
	return resolution{status: ledger.IntentFailed, note: note}
}

func (s *Sweeper) confirmOrder(ctx context.Context, in *ledger.Intent) (resolution, error) {
	var o ledger.Order
	if err := json.Unmarshal(in.Payload, &o); err != nil {
		return resolution{}, fmt.Errorf("decode order payload: %w", err)
	}
	o.ShippingAddress, o.BillingAddress = orNil(o.ShippingAddress), orNil(o.BillingAddress)

	p, err := s.Processor.RetrievePayment(ctx, in.Reference)
	if err != nil {
		if processor.IsRejected(err) {
			return failed(err.Error()), nil
		}
		return resolution{}, err
	}
	if !p.Ready() {
		return failed("payment is " + p.State), nil
	}
	o.PaymentStatus = payments.PaymentStatusFor(p.State)

	created, err := s.Orders.CreateOrder(ctx, &o)
	if err != nil {
		return resolution{}, fmt.Errorf("create order: %w", err)
	}
	if !created {
		return done(nil, "order already exists"), nil
	}
	s.emit(ctx, events.EventOrderConfirmed, o.ID, payments.OrderConfirmedPayload(&o))
	return done(nil, ""), nil
}

func (s *Sweeper) applyRefund(ctx context.Context, in *ledger.Intent) (resolution, error) {
	var ri ledger.RefundIntent
	if err := json.Unmarshal(in.Payload, &ri); err != nil {
		return resolution{}, fmt.Errorf("decode refund payload: %w", err)
	}

	var rr ledger.RefundResult
	if in.Status == ledger.IntentProcessorSucceeded && len(in.Result) > 0 {
		if err := json.Unmarshal(in.Result, &rr); err != nil {
			return resolution{}, fmt.Errorf("decode refund result: %w", err)
		}
	} else {
		o, err := s.Orders.GetOrder(ctx, ri.OrderID)
		if err != nil {
			return resolution{}, fmt.Errorf("load order %s: %w", ri.OrderID, err)
		}
		if o.RefundID != "" {
			// refunded under another key; replaying this one could refund twice
			return done(nil, "order already refunded by "+o.RefundID), nil
		}
		r, err := s.Processor.CreateRefund(ctx,
			payments.RefundRequestFor(in, ri.OrderID, ri.PaymentRef, ri.Amount, ri.Reason, ri.Notes))
		if err != nil {
			if processor.IsRejected(err) {
				return failed(err.Error()), nil
			}
			return resolution{}, err
		}
		rr = ledger.RefundResult{RefundID: r.ID, Status: r.Status, Amount: r.Amount}
		if rr.Amount == 0 {
			rr.Amount = ri.Amount
		}
		// keep the processor's answer even if the ledger write below fails
		if b, err := json.Marshal(rr); err == nil {
			_ = s.Intents.MarkIntent(ctx, in.ID, ledger.IntentProcessorSucceeded, b, "")
		}
	}

	err := s.Orders.MarkRefunded(ctx, ri.OrderID, rr.RefundID, rr.Amount, s.now())
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return done(rr, "order already refunded"), nil
	case err != nil:
		return resolution{}, fmt.Errorf("mark refunded: %w", err)
	}
	s.emit(ctx, events.EventOrderRefunded, ri.OrderID, events.OrderRefundedPayload{
		OrderID: ri.OrderID, RefundID: rr.RefundID, AmountCents: rr.Amount, Reason: ri.Reason,
	})
	return done(rr, ""), nil
}

func (s *Sweeper) bookPayout(ctx context.Context, in *ledger.Intent) (resolution, error) {
	var pi ledger.PayoutIntent
	if err := json.Unmarshal(in.Payload, &pi); err != nil {
		return resolution{}, fmt.Errorf("decode payout payload: %w", err)
	}

	var tr ledger.TransferResult
	if in.Status == ledger.IntentProcessorSucceeded && len(in.Result) > 0 {
		if err := json.Unmarshal(in.Result, &tr); err != nil {
			return resolution{}, fmt.Errorf("decode transfer result: %w", err)
		}
	} else {
		paidBy, err := s.paidOut(ctx, pi.OrderIDs)
		if err != nil {
			return resolution{}, err
		}
		if paidBy != "" {
			s.Log.Error("payout intent covers orders already paid out, not replayed; manual follow-up required",
				zap.String("intent_id", in.ID), zap.String("seller_id", pi.SellerID), zap.String("payout_id", paidBy))
			return resolution{status: ledger.IntentAbandoned, note: "orders already paid out by " + paidBy}, nil
		}
		t, err := s.Processor.CreateTransfer(ctx, payments.TransferRequestFor(in, pi))
		if err != nil {
			if processor.IsRejected(err) {
				return failed(err.Error()), nil
			}
			return resolution{}, err
		}
		tr = ledger.TransferResult{TransferID: t.ID}
		if b, err := json.Marshal(tr); err == nil {
			_ = s.Intents.MarkIntent(ctx, in.ID, ledger.IntentProcessorSucceeded, b, "")
		}
	}

	seller, err := s.Sellers.GetSeller(ctx, pi.SellerID)
	if err != nil {
		return resolution{}, fmt.Errorf("load seller %s: %w", pi.SellerID, err)
	}
	booking := payments.BookingFor(pi, tr.TransferID, seller.PayoutVersion, s.now())
	if err := s.Sellers.BookPayout(ctx, booking); err != nil {
		return resolution{}, fmt.Errorf("book payout: %w", err)
	}
	s.emit(ctx, events.EventPayoutCreated, pi.SellerID, payments.PayoutCreatedPayload(booking.Payout))
	return done(tr, ""), nil
}

// paidOut returns the payout already stamped on any of orderIDs.
func (s *Sweeper) paidOut(ctx context.Context, orderIDs []string) (string, error) {
	for _, id := range orderIDs {
		o, err := s.Orders.GetOrder(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("load order %s: %w", id, err)
		}
		if o.PayoutID != "" {
			return o.PayoutID, nil
		}
	}
	return "", nil
}

func (s *Sweeper) mark(ctx context.Context, id string, status ledger.IntentStatus, result any, note string) error {
	var b []byte
	if result != nil {
		var err error
		if b, err = json.Marshal(result); err != nil {
			return err
		}
	}
	if err := s.Intents.MarkIntent(ctx, id, status, b, note); err != nil {
		return fmt.Errorf("mark intent %s: %w", status, err)
	}
	return nil
}

func (s *Sweeper) emit(ctx context.Context, eventType, key string, payload any) {
	if err := events.Emit(ctx, s.Events, s.Producer, eventType, key, payload); err != nil {
		s.Log.Warn("publish failed", zap.String("event_type", eventType), zap.String("key", key), zap.Error(err))
	}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func orNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
