package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
)

type PayoutRequest struct {
	SellerID    string     `json:"sellerId"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	ForceAmount *int64     `json:"forceAmount,omitempty"`
}

type PayoutResult struct {
	PayoutID        string `json:"payoutId"`
	Amount          int64  `json:"amount"`
	GrossEarnings   int64  `json:"grossEarnings"`
	PlatformFee     int64  `json:"platformFee"`
	NetPayout       int64  `json:"netPayout"`
	OrdersProcessed int    `json:"ordersProcessed"`
	Reconciliation  string `json:"reconciliation,omitempty"`
}

type PayoutService struct {
	Processor processor.Client
	Orders    OrderStore
	Sellers   SellerStore
	Intents   IntentStore
	Locker    PayoutLocker
	Events    events.Publisher
	FeePct    decimal.Decimal
	MinPayout int64
	Currency  string
	Producer  string
	Log       *zap.Logger
	Now       func() time.Time
}

// Payout transfers a seller's unpaid earnings, less the platform fee, to their connected
// account. Only one payout per seller runs at a time.
func (s *PayoutService) Payout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	if req.SellerID == "" {
		return PayoutResult{}, validation("sellerId is required")
	}
	if req.StartDate != nil && req.EndDate != nil && req.StartDate.After(*req.EndDate) {
		return PayoutResult{}, validation("startDate must not be after endDate")
	}
	log := s.Log.With(zap.String("seller_id", req.SellerID))

	if _, err := s.payableSeller(ctx, req.SellerID); err != nil {
		return PayoutResult{}, err
	}

	release, err := s.Locker.LockPayout(ctx, req.SellerID)
	if errors.Is(err, redisx.ErrLockHeld) {
		return PayoutResult{}, newError(ErrPayoutInProgress, "a payout for this seller is already in progress", nil)
	}
	if err != nil {
		return PayoutResult{}, newError(ErrInternal, "payout lock unavailable", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("payout lock release failed", zap.Error(err))
		}
	}()

	// re-read under the lock: the payout version may have moved since the first read
	seller, err := s.payableSeller(ctx, req.SellerID)
	if err != nil {
		return PayoutResult{}, err
	}

	var (
		gross    int64
		orderIDs []string
	)
	if req.ForceAmount != nil {
		if *req.ForceAmount <= 0 {
			return PayoutResult{}, newError(ErrInvalidAmount, "payout amount must be greater than 0", nil)
		}
		gross = *req.ForceAmount
	} else {
		orders, err := s.Orders.ListEligibleOrders(ctx, ledger.OrderFilter{
			SellerID: seller.ID, From: req.StartDate, To: req.EndDate,
		})
		if err != nil {
			return PayoutResult{}, newError(ErrInternal, "order scan failed", err)
		}
		if len(orders) == 0 {
			return PayoutResult{}, newError(ErrNoEligibleEarnings, "no completed orders found for this seller in the specified period", nil)
		}
		for _, o := range orders {
			gross += o.TotalAmount
			orderIDs = append(orderIDs, o.ID)
		}
		if gross <= 0 {
			return PayoutResult{}, newError(ErrNoEligibleEarnings, "no earnings to pay out", nil)
		}
	}

	fee, net := SplitFee(gross, s.FeePct)
	if req.ForceAmount == nil && net < s.MinPayout {
		return PayoutResult{}, newError(ErrBelowMinimumPayout,
			fmt.Sprintf("payout amount %d is below the minimum %d", net, s.MinPayout), nil)
	}

	pi := ledger.PayoutIntent{
		SellerID:    seller.ID,
		Destination: seller.StripeAccountID,
		Amount:      net,
		Gross:       gross,
		Fee:         fee,
		Currency:    s.Currency,
		Description: "Platform payout for seller " + seller.ID,
		OrderIDs:    orderIDs,
		Metadata: map[string]string{
			"sellerId":    seller.ID,
			"grossAmount": strconv.FormatInt(gross, 10),
			"platformFee": strconv.FormatInt(fee, 10),
			"ordersCount": strconv.Itoa(len(orderIDs)),
		},
	}
	ob := s.outbox()
	in, err := ob.open(ctx, ledger.IntentPayout, seller.ID, seller.StripeAccountID, net, pi, s.now())
	if errors.Is(err, ledger.ErrConflict) {
		return PayoutResult{}, newError(ErrPayoutInProgress, "a previous payout for this seller is awaiting reconciliation", nil)
	}
	if err != nil {
		return PayoutResult{}, newError(ErrIntentPersistence, "failed to record payout intent", err)
	}
	log = log.With(zap.String("intent_id", in.ID))

	tr, err := s.Processor.CreateTransfer(ctx, TransferRequestFor(in, pi))
	if err != nil {
		if processor.IsRejected(err) {
			ob.close(ctx, in.ID, ledger.IntentFailed, nil, err.Error())
		}
		log.Warn("transfer failed", zap.Error(err))
		return PayoutResult{}, newError(ErrProcessor, processorMessage(err), err)
	}

	res := PayoutResult{
		PayoutID:        tr.ID,
		Amount:          net,
		GrossEarnings:   gross,
		PlatformFee:     fee,
		NetPayout:       net,
		OrdersProcessed: len(orderIDs),
	}
	booking := BookingFor(pi, tr.ID, seller.PayoutVersion, s.now())
	if err := s.Sellers.BookPayout(ctx, booking); err != nil {
		ob.flag(ctx, in, ledger.TransferResult{TransferID: tr.ID}, err)
		res.Reconciliation = ReconciliationPending
		return res, nil
	}
	ob.close(ctx, in.ID, ledger.IntentConfirmed, ledger.TransferResult{TransferID: tr.ID}, "")
	ob.emit(ctx, events.EventPayoutCreated, seller.ID, PayoutCreatedPayload(booking.Payout))
	log.Info("payout created", zap.String("payout_id", tr.ID), zap.Int64("net", net), zap.Int("orders", len(orderIDs)))
	return res, nil
}

// ListPayouts returns the seller's payout history, newest first.
func (s *PayoutService) ListPayouts(ctx context.Context, sellerID string, limit int) ([]ledger.Payout, error) {
	if sellerID == "" {
		return nil, validation("sellerId is required")
	}
	if _, err := s.Sellers.GetSeller(ctx, sellerID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, newError(ErrSellerNotFound, "seller not found", nil)
		}
		return nil, newError(ErrInternal, "seller lookup failed", err)
	}
	ps, err := s.Sellers.ListPayouts(ctx, sellerID, limit)
	if err != nil {
		return nil, newError(ErrInternal, "payout history lookup failed", err)
	}
	return ps, nil
}

// payableSeller loads sellerID and checks it can receive a transfer.
func (s *PayoutService) payableSeller(ctx context.Context, sellerID string) (*ledger.Seller, error) {
	seller, err := s.Sellers.GetSeller(ctx, sellerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, newError(ErrSellerNotFound, "seller not found", nil)
	}
	if err != nil {
		return nil, newError(ErrInternal, "seller lookup failed", err)
	}
	if seller.StripeAccountID == "" {
		return nil, newError(ErrNoPayoutAccount, "seller has no connected payout account", nil)
	}
	if !seller.PayoutsEnabled {
		return nil, newError(ErrPayoutsDisabled, "seller account is not enabled for payouts", nil)
	}
	return seller, nil
}

func (s *PayoutService) outbox() outbox {
	return outbox{intents: s.Intents, events: s.Events, producer: s.Producer, log: s.Log}
}

func (s *PayoutService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// TransferRequestFor builds the processor request of a payout intent, keyed by the intent id.
func TransferRequestFor(in *ledger.Intent, pi ledger.PayoutIntent) processor.TransferRequest {
	md := make(map[string]string, len(pi.Metadata)+1)
	for k, v := range pi.Metadata {
		md[k] = v
	}
	md["intentId"] = in.ID
	return processor.TransferRequest{
		Amount:         pi.Amount,
		Currency:       pi.Currency,
		Destination:    pi.Destination,
		Description:    pi.Description,
		Metadata:       md,
		IdempotencyKey: in.ID,
	}
}

// BookingFor is the ledger write that follows transfer transferID.
func BookingFor(pi ledger.PayoutIntent, transferID string, version int64, at time.Time) ledger.PayoutBooking {
	return ledger.PayoutBooking{
		Payout: ledger.Payout{
			ID:          transferID,
			SellerID:    pi.SellerID,
			Amount:      pi.Amount,
			GrossAmount: pi.Gross,
			PlatformFee: pi.Fee,
			Currency:    pi.Currency,
			OrdersCount: len(pi.OrderIDs),
			CreatedAt:   at,
		},
		OrderIDs:        pi.OrderIDs,
		ExpectedVersion: version,
	}
}

func PayoutCreatedPayload(p ledger.Payout) events.PayoutCreatedPayload {
	return events.PayoutCreatedPayload{
		PayoutID:    p.ID,
		SellerID:    p.SellerID,
		AmountCents: p.Amount,
		GrossCents:  p.GrossAmount,
		FeeCents:    p.PlatformFee,
		Currency:    p.Currency,
		OrdersCount: p.OrdersCount,
	}
}
