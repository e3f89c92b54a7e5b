package payments

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

// Refund reasons accepted by the processor.
const (
	ReasonDuplicate           = "duplicate"
	ReasonFraudulent          = "fraudulent"
	ReasonRequestedByCustomer = "requested_by_customer"
	ReasonAbandoned           = "abandoned"
)

// ReconciliationPending marks a success whose ledger write is still owed by the reconciler.
const ReconciliationPending = "pending"

type RefundRequest struct {
	OrderID          string `json:"orderId"`
	PaymentReference string `json:"paymentReference"`
	Amount           *int64 `json:"amount,omitempty"`
	Reason           string `json:"reason"`
	Notes            string `json:"notes,omitempty"`
}

type RefundResult struct {
	RefundID       string `json:"refundId"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Reconciliation string `json:"reconciliation,omitempty"`
}

type RefundService struct {
	Processor processor.Client
	Orders    OrderStore
	Intents   IntentStore
	Events    events.Publisher
	Producer  string
	Log       *zap.Logger
	Now       func() time.Time
}

func (s *RefundService) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	switch {
	case req.OrderID == "":
		return RefundResult{}, validation("orderId is required")
	case req.PaymentReference == "":
		return RefundResult{}, validation("paymentReference is required")
	case req.Reason == "":
		return RefundResult{}, validation("reason is required")
	}
	log := s.Log.With(zap.String("order_id", req.OrderID), zap.String("payment_reference", req.PaymentReference))

	o, err := s.Orders.GetOrder(ctx, req.OrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return RefundResult{}, newError(ErrOrderNotFound, "order not found", nil)
	}
	if err != nil {
		return RefundResult{}, newError(ErrInternal, "order lookup failed", err)
	}
	if o.PaymentStatus == ledger.PaymentRefunded {
		return RefundResult{}, newError(ErrAlreadyRefunded, "order has already been refunded", nil)
	}
	if o.PaymentRef != req.PaymentReference {
		return RefundResult{}, newError(ErrReferenceMismatch, "payment reference does not match order", nil)
	}
	amount := o.TotalAmount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 || amount > o.TotalAmount {
		return RefundResult{}, newError(ErrInvalidAmount, "invalid refund amount", nil)
	}
	reason := MapRefundReason(req.Reason)

	ob := s.outbox()
	now := s.now()
	in, err := ob.open(ctx, ledger.IntentRefund, o.ID, o.PaymentRef, amount, ledger.RefundIntent{
		OrderID: o.ID, PaymentRef: o.PaymentRef, Amount: amount, Reason: reason, Notes: req.Notes,
	}, now)
	if errors.Is(err, ledger.ErrConflict) {
		// the earlier attempt has not settled; a new idempotency key could refund twice
		return RefundResult{}, newError(ErrRefundInProgress, "a previous refund of this order is awaiting reconciliation", nil)
	}
	if err != nil {
		return RefundResult{}, newError(ErrIntentPersistence, "failed to record refund intent", err)
	}
	log = log.With(zap.String("intent_id", in.ID))

	r, err := s.Processor.CreateRefund(ctx, RefundRequestFor(in, o.ID, o.PaymentRef, amount, reason, req.Notes))
	if err != nil {
		if processor.IsRejected(err) {
			ob.close(ctx, in.ID, ledger.IntentFailed, nil, err.Error())
		}
		log.Warn("refund rejected or unconfirmed", zap.Error(err))
		return RefundResult{}, newError(ErrProcessorRefund, processorMessage(err), err)
	}

	res := RefundResult{RefundID: r.ID, Status: r.Status, Amount: r.Amount}
	if res.Amount == 0 {
		res.Amount = amount
	}
	stored := ledger.RefundResult{RefundID: r.ID, Status: r.Status, Amount: res.Amount}

	err = s.Orders.MarkRefunded(ctx, o.ID, r.ID, res.Amount, s.now())
	switch {
	case err == nil:
		ob.close(ctx, in.ID, ledger.IntentConfirmed, stored, "")
	case errors.Is(err, ledger.ErrConflict):
		log.Warn("order already marked refunded", zap.String("refund_id", r.ID))
		ob.close(ctx, in.ID, ledger.IntentConfirmed, stored, "order already refunded")
	default:
		ob.flag(ctx, in, stored, err)
		res.Reconciliation = ReconciliationPending
		return res, nil
	}

	ob.emit(ctx, events.EventOrderRefunded, o.ID, events.OrderRefundedPayload{
		OrderID: o.ID, RefundID: r.ID, AmountCents: res.Amount, Reason: reason,
	})
	log.Info("order refunded", zap.String("refund_id", r.ID), zap.Int64("amount", res.Amount))
	return res, nil
}

func (s *RefundService) outbox() outbox {
	return outbox{intents: s.Intents, events: s.Events, producer: s.Producer, log: s.Log}
}

func (s *RefundService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// MapRefundReason normalises a free-form reason; anything unknown is a customer request.
func MapRefundReason(reason string) string {
	switch reason {
	case ReasonDuplicate, ReasonFraudulent, ReasonRequestedByCustomer, ReasonAbandoned:
		return reason
	}
	return ReasonRequestedByCustomer
}

// RefundRequestFor builds the processor request of a refund intent. Replays carry the same
// idempotency key, so the processor refunds at most once.
func RefundRequestFor(in *ledger.Intent, orderID, ref string, amount int64, reason, notes string) processor.RefundRequest {
	return processor.RefundRequest{
		PaymentReference: ref,
		Amount:           amount,
		Reason:           reason,
		Metadata:         map[string]string{"orderId": orderID, "notes": notes, "intentId": in.ID},
		IdempotencyKey:   in.ID,
	}
}

func processorMessage(err error) string {
	var pe *processor.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return "payment processor request failed"
}
