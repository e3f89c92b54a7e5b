package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	EventOrderConfirmed       = "OrderConfirmed"
	EventOrderRefunded        = "OrderRefunded"
	EventPayoutCreated        = "PayoutCreated"
	EventSellerKYCUpdated     = "SellerKYCUpdated"
	EventReconciliationNeeded = "ReconciliationNeeded"
)

const Version = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order, seller or intent id
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers an envelope to topic, partitioned by key.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, env Envelope) error
}

// New wraps payload in a v1 envelope. The request id on ctx, if any, becomes the trace id.
func New(ctx context.Context, eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  Version,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       middleware.GetReqID(ctx),
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// Emit builds the envelope for eventType and publishes it on the matching topic, keyed by
// correlationID.
func Emit(ctx context.Context, p Publisher, producer, eventType, correlationID string, payload any) error {
	env, err := New(ctx, eventType, producer, correlationID, payload)
	if err != nil {
		return err
	}
	topic, ok := TopicFor(eventType)
	if !ok {
		return fmt.Errorf("no topic for event type %q", eventType)
	}
	return p.Publish(ctx, topic, PartitionKey(correlationID), env)
}

func Unwrap[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return t, nil
}

// ---- payloads ----

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	SellerID   string `json:"seller_id,omitempty"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderConfirmedPayload struct {
	OrderID       string      `json:"order_id"`
	PaymentRef    string      `json:"payment_ref"`
	UserID        string      `json:"user_id"`
	SellerID      string      `json:"seller_id,omitempty"`
	PaymentStatus string      `json:"payment_status"`
	Items         []ItemPrice `json:"items"`
	TotalCents    int64       `json:"total_cents"`
	Currency      string      `json:"currency"`
}

type OrderRefundedPayload struct {
	OrderID     string `json:"order_id"`
	RefundID    string `json:"refund_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type PayoutCreatedPayload struct {
	PayoutID    string `json:"payout_id"`
	SellerID    string `json:"seller_id"`
	AmountCents int64  `json:"amount_cents"`
	GrossCents  int64  `json:"gross_cents"`
	FeeCents    int64  `json:"fee_cents"`
	Currency    string `json:"currency"`
	OrdersCount int    `json:"orders_count"`
}

type SellerKYCUpdatedPayload struct {
	SellerID       string `json:"seller_id"`
	AccountID      string `json:"account_id"`
	KYCStatus      string `json:"kyc_status"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	SourceEventID  string `json:"source_event_id,omitempty"`
}

type ReconciliationNeededPayload struct {
	IntentID  string `json:"intent_id"`
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason"` // e.g. LEDGER_WRITE_FAILED
}
