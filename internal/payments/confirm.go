package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

const PaymentMethodCard = "stripe_card"

type ItemInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
}

type ConfirmRequest struct {
	PaymentReference string          `json:"paymentReference"`
	UserID           string          `json:"userId"`
	CustomerEmail    string          `json:"customerEmail"`
	Items            []ItemInput     `json:"items"`
	ShippingAddress  json.RawMessage `json:"shippingAddress,omitempty"`
	BillingAddress   json.RawMessage `json:"billingAddress,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	Notes            string          `json:"notes,omitempty"`
}

type ConfirmResult struct {
	OrderID       string               `json:"orderId"`
	Status        ledger.OrderStatus   `json:"status"`
	PaymentStatus ledger.PaymentStatus `json:"paymentStatus"`
	Total         int64                `json:"total"`
	Idempotent    bool                 `json:"idempotent"`
}

type ConfirmService struct {
	Processor processor.Client
	Orders    OrderStore
	Intents   IntentStore
	Products  ProductSource
	Idem      IdempotencyCache
	Events    events.Publisher
	Pricing   Pricing
	Producer  string
	Log       *zap.Logger
	Now       func() time.Time
}

// Confirm turns a processor payment into exactly one order. Repeating a confirmation for the
// same payment reference returns the order created the first time.
func (s *ConfirmService) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if err := req.validate(); err != nil {
		return ConfirmResult{}, err
	}
	log := s.Log.With(zap.String("payment_reference", req.PaymentReference))

	if res, ok := s.existing(ctx, log, req.PaymentReference); ok {
		return res, nil
	}

	pay, err := s.Processor.RetrievePayment(ctx, req.PaymentReference)
	if err != nil {
		log.Warn("payment verification failed", zap.Error(err))
		return ConfirmResult{}, newError(ErrPaymentVerification, "could not verify payment", err)
	}
	if !pay.Ready() {
		e := newError(ErrPaymentNotReady, fmt.Sprintf("payment not completed (status: %s)", pay.State), nil)
		e.State = pay.State
		return ConfirmResult{}, e
	}

	items, err := s.lineItems(ctx, log, req.Items)
	if err != nil {
		return ConfirmResult{}, err
	}

	now := s.now()
	q := s.Pricing.Quote(items)
	if pay.Amount != 0 && pay.Amount != q.Total {
		log.Warn("payment amount differs from order total", zap.Int64("paid", pay.Amount), zap.Int64("total", q.Total))
	}

	o := &ledger.Order{
		ID:              NewOrderID(now),
		UserID:          req.UserID,
		SellerID:        commonSeller(items),
		Status:          ledger.OrderProcessing,
		Items:           items,
		Subtotal:        q.Subtotal,
		ShippingCost:    q.Shipping,
		TaxAmount:       q.Tax,
		DiscountAmount:  q.Discount,
		TotalAmount:     q.Total,
		Currency:        s.Pricing.Currency,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   PaymentMethodCard,
		PaymentStatus:   PaymentStatusFor(pay.State),
		PaymentRef:      req.PaymentReference,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.Phone,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.OrderNumber = o.ID
	log = log.With(zap.String("order_id", o.ID))

	ob := s.outbox()
	in, err := ob.open(ctx, ledger.IntentOrderConfirmation, o.ID, o.PaymentRef, o.TotalAmount, o, now)
	if err != nil {
		log.Error("order intent write failed", zap.Error(err))
		return ConfirmResult{}, newError(ErrOrderPersistence, "failed to create order", err)
	}

	created, err := s.Orders.CreateOrder(ctx, o)
	if err != nil {
		// payment is captured but no order exists; the sweeper retries from the pending intent
		log.Error("order insert failed", zap.String("intent_id", in.ID), zap.Error(err))
		return ConfirmResult{}, newError(ErrOrderPersistence, "failed to create order", err)
	}
	if !created {
		ob.close(ctx, in.ID, ledger.IntentConfirmed, nil, "duplicate payment reference")
		prev, err := s.Orders.GetOrderByPaymentRef(ctx, o.PaymentRef)
		if err != nil {
			return ConfirmResult{}, newError(ErrInternal, "failed to load existing order", err)
		}
		return resultOf(prev, true), nil
	}

	ob.close(ctx, in.ID, ledger.IntentConfirmed, nil, "")
	if err := s.Idem.Remember(ctx, o.PaymentRef, o.ID); err != nil {
		log.Warn("idempotency key set failed", zap.Error(err))
	}
	ob.emit(ctx, events.EventOrderConfirmed, o.ID, OrderConfirmedPayload(o))
	log.Info("order confirmed", zap.Int64("total", o.TotalAmount), zap.String("payment_status", string(o.PaymentStatus)))
	return resultOf(o, false), nil
}

// existing finds an order already created for ref, first through the cache then the ledger.
// Lookup failures fall through to the normal path; the unique reference still holds.
func (s *ConfirmService) existing(ctx context.Context, log *zap.Logger, ref string) (ConfirmResult, bool) {
	if id, err := s.Idem.Lookup(ctx, ref); err != nil {
		log.Warn("idempotency lookup failed", zap.Error(err))
	} else if id != "" {
		if o, err := s.Orders.GetOrder(ctx, id); err == nil && o.PaymentRef == ref {
			return resultOf(o, true), true
		}
	}
	o, err := s.Orders.GetOrderByPaymentRef(ctx, ref)
	if err == nil {
		return resultOf(o, true), true
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		log.Warn("existing order lookup failed", zap.Error(err))
	}
	return ConfirmResult{}, false
}

func (s *ConfirmService) lineItems(ctx context.Context, log *zap.Logger, in []ItemInput) ([]ledger.LineItem, error) {
	out := make([]ledger.LineItem, 0, len(in))
	for _, it := range in {
		p, err := s.Products.GetProduct(ctx, it.ProductID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, newError(ErrProductNotFound, "product not found: "+it.ProductID, nil)
		}
		if err != nil {
			return nil, newError(ErrInternal, "product lookup failed", err)
		}
		if deviates(it.Price, p.Price) && (p.DiscountPrice == nil || deviates(it.Price, *p.DiscountPrice)) {
			log.Warn("price mismatch", zap.String("product_id", p.ID),
				zap.Int64("submitted", it.Price), zap.Int64("catalog", p.Price))
		}
		out = append(out, ledger.LineItem{
			ProductID: it.ProductID,
			SellerID:  p.SellerID,
			Quantity:  it.Quantity,
			Price:     it.Price,
		})
	}
	return out, nil
}

func (s *ConfirmService) outbox() outbox {
	return outbox{intents: s.Intents, events: s.Events, producer: s.Producer, log: s.Log}
}

func (s *ConfirmService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (r ConfirmRequest) validate() error {
	if r.PaymentReference == "" {
		return validation("paymentReference is required")
	}
	if r.UserID == "" {
		return validation("userId is required")
	}
	if len(r.Items) == 0 {
		return validation("items must not be empty")
	}
	for i, it := range r.Items {
		if it.ProductID == "" {
			return validation("items[%d].productId is required", i)
		}
		if it.Quantity <= 0 {
			return validation("items[%d].quantity must be positive", i)
		}
		if it.Price < 0 {
			return validation("items[%d].price must not be negative", i)
		}
	}
	return nil
}

// NewOrderID returns ORD-<unix millis>-<8 upper-case hex chars>.
func NewOrderID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), suffix)
}

// PaymentStatusFor maps a ready processor state to the order's payment status.
func PaymentStatusFor(state string) ledger.PaymentStatus {
	if state == processor.StateSucceeded {
		return ledger.PaymentCompleted
	}
	return ledger.PaymentPending
}

// commonSeller is the seller shared by every item, or "" for a multi-seller order.
func commonSeller(items []ledger.LineItem) string {
	if len(items) == 0 {
		return ""
	}
	id := items[0].SellerID
	for _, it := range items[1:] {
		if it.SellerID != id {
			return ""
		}
	}
	return id
}

func resultOf(o *ledger.Order, idempotent bool) ConfirmResult {
	return ConfirmResult{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Total:         o.TotalAmount,
		Idempotent:    idempotent,
	}
}

// OrderConfirmedPayload is the event body published once o is durable.
func OrderConfirmedPayload(o *ledger.Order) events.OrderConfirmedPayload {
	items := make([]events.ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.ItemPrice{ProductID: it.ProductID, SellerID: it.SellerID, Qty: it.Quantity, PriceCents: it.Price})
	}
	return events.OrderConfirmedPayload{
		OrderID:       o.ID,
		PaymentRef:    o.PaymentRef,
		UserID:        o.UserID,
		SellerID:      o.SellerID,
		PaymentStatus: string(o.PaymentStatus),
		Items:         items,
		TotalCents:    o.TotalAmount,
		Currency:      o.Currency,
	}
}
