package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/events/eventstest"
	kafkax "github.com/ariefcatur/go-payment-reconciliation/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger/ledgertest"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor/processortest"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memDedup) Mark(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[id] = true
	return nil
}

type fixture struct {
	sw   *Sweeper
	mem  *ledgertest.Memory
	proc *processortest.Fake
	rec  *eventstest.Recorder
}

func newFixture() *fixture {
	mem := ledgertest.New()
	proc := processortest.New()
	rec := &eventstest.Recorder{}
	return &fixture{
		sw: &Sweeper{
			Processor:   proc,
			Orders:      mem,
			Sellers:     mem,
			Intents:     mem,
			Events:      rec,
			Dedup:       &memDedup{},
			Grace:       5 * time.Minute,
			Batch:       10,
			MaxAttempts: 3,
			Producer:    "reconciler",
			Log:         zap.NewNop(),
			Now:         func() time.Time { return fixedNow },
		},
		mem: mem, proc: proc, rec: rec,
	}
}

// intent stores an intent opened ten minutes ago and moves it to status.
func (f *fixture) intent(t *testing.T, id string, kind ledger.IntentKind, subject, ref string, payload any,
	status ledger.IntentStatus, result any) {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	at := fixedNow.Add(-10 * time.Minute)
	require.NoError(t, f.mem.CreateIntent(context.Background(), &ledger.Intent{
		ID: id, Kind: kind, SubjectID: subject, Reference: ref, Payload: b, CreatedAt: at, UpdatedAt: at,
	}))
	if status != ledger.IntentPending {
		var rb []byte
		if result != nil {
			rb, err = json.Marshal(result)
			require.NoError(t, err)
		}
		require.NoError(t, f.mem.MarkIntent(context.Background(), id, status, rb, "ledger write failed"))
	}
}

func (f *fixture) status(id string) ledger.IntentStatus {
	in, _ := f.mem.GetIntent(context.Background(), id)
	return in.Status
}

func pendingOrder() ledger.Order {
	return ledger.Order{
		ID:            "ORD-1",
		OrderNumber:   "ORD-1",
		UserID:        "user-1",
		SellerID:      "seller-1",
		Status:        ledger.OrderProcessing,
		Items:         []ledger.LineItem{{ProductID: "p1", SellerID: "seller-1", Quantity: 1, Price: 10000}},
		Subtotal:      10000,
		ShippingCost:  1000,
		TaxAmount:     1980,
		TotalAmount:   12980,
		Currency:      "usd",
		PaymentMethod: "stripe_card",
		PaymentStatus: ledger.PaymentCompleted,
		PaymentRef:    "pi_1",
		CreatedAt:     fixedNow.Add(-10 * time.Minute),
	}
}

func TestSweepCreatesMissingOrder(t *testing.T) {
	f := newFixture()
	f.proc.Payments["pi_1"] = processor.Payment{Reference: "pi_1", State: processor.StateSucceeded, Amount: 12980}
	f.intent(t, "in-1", ledger.IntentOrderConfirmation, "ORD-1", "pi_1", pendingOrder(), ledger.IntentPending, nil)

	st, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Scanned: 1, Confirmed: 1}, st)

	o, err := f.mem.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12980), o.TotalAmount)
	assert.Nil(t, o.ShippingAddress)
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-1"))
	assert.Len(t, f.rec.OfType(events.EventOrderConfirmed), 1)
}

func TestSweepOrderAlreadyCreated(t *testing.T) {
	f := newFixture()
	f.proc.Payments["pi_1"] = processor.Payment{Reference: "pi_1", State: processor.StateSucceeded}
	f.mem.PutOrder(pendingOrder())
	f.intent(t, "in-1", ledger.IntentOrderConfirmation, "ORD-1", "pi_1", pendingOrder(), ledger.IntentPending, nil)

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-1"))
	assert.Empty(t, f.rec.All())
}

func TestSweepOrderPaymentNoLongerReady(t *testing.T) {
	f := newFixture()
	f.proc.Payments["pi_1"] = processor.Payment{Reference: "pi_1", State: processor.StateCanceled}
	f.intent(t, "in-1", ledger.IntentOrderConfirmation, "ORD-1", "pi_1", pendingOrder(), ledger.IntentPending, nil)

	st, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, ledger.IntentFailed, f.status("in-1"))
	assert.Empty(t, f.mem.Orders)
}

func TestSweepSkipsYoungPendingIntents(t *testing.T) {
	f := newFixture()
	f.sw.Grace = 15 * time.Minute
	f.intent(t, "in-1", ledger.IntentOrderConfirmation, "ORD-1", "pi_1", pendingOrder(), ledger.IntentPending, nil)

	st, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Scanned)
	assert.Zero(t, f.proc.CallCount("retrieve_payment"))
}

func refundIntent() ledger.RefundIntent {
	return ledger.RefundIntent{OrderID: "ORD-1", PaymentRef: "pi_1", Amount: 12980, Reason: "duplicate"}
}

func TestSweepAppliesStoredRefund(t *testing.T) {
	f := newFixture()
	f.mem.PutOrder(pendingOrder())
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentProcessorSucceeded,
		ledger.RefundResult{RefundID: "re_9", Status: "succeeded", Amount: 12980})

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)

	o, _ := f.mem.GetOrder(context.Background(), "ORD-1")
	assert.Equal(t, ledger.PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, "re_9", o.RefundID)
	assert.Zero(t, f.proc.CallCount("create_refund"))
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-r"))
	assert.Len(t, f.rec.OfType(events.EventOrderRefunded), 1)
}

func TestSweepReplaysPendingRefundWithSameKey(t *testing.T) {
	f := newFixture()
	f.mem.PutOrder(pendingOrder())
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentPending, nil)

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, f.proc.Refunds, 1)
	assert.Equal(t, "in-r", f.proc.Refunds[0].IdempotencyKey)
	assert.Equal(t, int64(12980), f.proc.Refunds[0].Amount)
	o, _ := f.mem.GetOrder(context.Background(), "ORD-1")
	assert.Equal(t, ledger.PaymentRefunded, o.PaymentStatus)
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-r"))
}

func TestSweepRefundOnAlreadyRefundedOrder(t *testing.T) {
	f := newFixture()
	o := pendingOrder()
	o.PaymentStatus, o.RefundID = ledger.PaymentRefunded, "re_9"
	f.mem.PutOrder(o)
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentProcessorSucceeded,
		ledger.RefundResult{RefundID: "re_9", Amount: 12980})

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-r"))
	assert.Empty(t, f.rec.All())
}

func TestSweepRejectedRefundFails(t *testing.T) {
	f := newFixture()
	f.mem.PutOrder(pendingOrder())
	f.proc.RefundErr = processortest.Rejected("create_refund", "Charge has been disputed.")
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentPending, nil)

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.IntentFailed, f.status("in-r"))
	o, _ := f.mem.GetOrder(context.Background(), "ORD-1")
	assert.Equal(t, ledger.PaymentCompleted, o.PaymentStatus)
}

func TestSweepBooksStoredPayout(t *testing.T) {
	f := newFixture()
	f.mem.PutSeller(ledger.Seller{ID: "seller-1", StripeAccountID: "acct_1", PayoutsEnabled: true, PayoutVersion: 4})
	f.mem.PutOrder(pendingOrder())
	pi := ledger.PayoutIntent{SellerID: "seller-1", Destination: "acct_1", Amount: 11682, Gross: 12980, Fee: 1298,
		Currency: "usd", OrderIDs: []string{"ORD-1"}}
	f.intent(t, "in-p", ledger.IntentPayout, "seller-1", "acct_1", pi, ledger.IntentProcessorSucceeded,
		ledger.TransferResult{TransferID: "tr_7"})

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)

	s, _ := f.mem.GetSeller(context.Background(), "seller-1")
	assert.Equal(t, "tr_7", s.LastPayoutID)
	assert.Equal(t, int64(5), s.PayoutVersion)
	o, _ := f.mem.GetOrder(context.Background(), "ORD-1")
	assert.Equal(t, "tr_7", o.PayoutID)
	assert.Zero(t, f.proc.CallCount("create_transfer"))
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-p"))
	assert.Len(t, f.rec.OfType(events.EventPayoutCreated), 1)
}

func TestSweepReplaysPendingPayout(t *testing.T) {
	f := newFixture()
	f.mem.PutSeller(ledger.Seller{ID: "seller-1", StripeAccountID: "acct_1", PayoutsEnabled: true})
	pi := ledger.PayoutIntent{SellerID: "seller-1", Destination: "acct_1", Amount: 900, Gross: 1000, Fee: 100, Currency: "usd"}
	f.intent(t, "in-p", ledger.IntentPayout, "seller-1", "acct_1", pi, ledger.IntentPending, nil)

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.proc.Transfers, 1)
	assert.Equal(t, "in-p", f.proc.Transfers[0].IdempotencyKey)
	assert.Equal(t, "acct_1", f.proc.Transfers[0].Destination)
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-p"))
	assert.Len(t, f.mem.Payouts, 1)
}

func TestSweepPendingPayoutNotReplayedOverPaidOrders(t *testing.T) {
	f := newFixture()
	f.mem.PutSeller(ledger.Seller{ID: "seller-1", StripeAccountID: "acct_1", PayoutsEnabled: true, PayoutVersion: 2})
	o := pendingOrder()
	o.PayoutID = "tr_3"
	f.mem.PutOrder(o)
	pi := ledger.PayoutIntent{SellerID: "seller-1", Destination: "acct_1", Amount: 11682, Gross: 12980, Fee: 1298,
		Currency: "usd", OrderIDs: []string{"ORD-1"}}
	f.intent(t, "in-p", ledger.IntentPayout, "seller-1", "acct_1", pi, ledger.IntentPending, nil)

	st, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Abandoned)
	assert.Zero(t, f.proc.CallCount("create_transfer"))
	assert.Equal(t, ledger.IntentAbandoned, f.status("in-p"))
	in, _ := f.mem.GetIntent(context.Background(), "in-p")
	assert.Contains(t, in.LastError, "tr_3")

	s, _ := f.mem.GetSeller(context.Background(), "seller-1")
	assert.Equal(t, int64(2), s.PayoutVersion)
	assert.Empty(t, f.rec.All())
}

func TestSweepPendingRefundNotReplayedOverRefundedOrder(t *testing.T) {
	f := newFixture()
	o := pendingOrder()
	o.PaymentStatus, o.RefundID, o.RefundAmount = ledger.PaymentRefunded, "re_4", 12980
	f.mem.PutOrder(o)
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentPending, nil)

	_, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.proc.CallCount("create_refund"))
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-r"))
	assert.Empty(t, f.rec.All())
}

func TestSweepAbandonsAfterMaxAttempts(t *testing.T) {
	f := newFixture()
	f.sw.MaxAttempts = 2
	f.mem.PutOrder(pendingOrder())
	f.mem.MarkRefundedErr = errors.New("relation \"orders\" is locked")
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentProcessorSucceeded,
		ledger.RefundResult{RefundID: "re_9", Amount: 12980})

	st, err := f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Retrying)
	in, _ := f.mem.GetIntent(context.Background(), "in-r")
	assert.Equal(t, 1, in.Attempts)
	assert.Equal(t, ledger.IntentProcessorSucceeded, in.Status)

	st, err = f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Abandoned)
	assert.Equal(t, ledger.IntentAbandoned, f.status("in-r"))

	st, err = f.sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Scanned)
}

func reconciliationMessage(t *testing.T, intentID string) kafkago.Message {
	t.Helper()
	env, err := events.New(context.Background(), events.EventReconciliationNeeded, "payments-api", intentID,
		events.ReconciliationNeededPayload{IntentID: intentID, Kind: "refund", Reason: "LEDGER_WRITE_FAILED"})
	require.NoError(t, err)
	m, err := kafkax.Encode(events.TopicReconciliationNeeded, events.PartitionKey(intentID), env)
	require.NoError(t, err)
	return m
}

func TestHandleMessageResolvesIntent(t *testing.T) {
	f := newFixture()
	f.mem.PutOrder(pendingOrder())
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentProcessorSucceeded,
		ledger.RefundResult{RefundID: "re_9", Amount: 12980})
	m := reconciliationMessage(t, "in-r")

	require.NoError(t, f.sw.HandleMessage(context.Background(), m))
	assert.Equal(t, ledger.IntentConfirmed, f.status("in-r"))

	// a redelivery is a no-op
	require.NoError(t, f.sw.HandleMessage(context.Background(), m))
	assert.Len(t, f.rec.OfType(events.EventOrderRefunded), 1)
}

func TestHandleMessageFailureLeftForSweeper(t *testing.T) {
	f := newFixture()
	f.mem.PutOrder(pendingOrder())
	f.mem.MarkRefundedErr = errors.New("timeout")
	f.intent(t, "in-r", ledger.IntentRefund, "ORD-1", "pi_1", refundIntent(), ledger.IntentProcessorSucceeded,
		ledger.RefundResult{RefundID: "re_9", Amount: 12980})

	require.NoError(t, f.sw.HandleMessage(context.Background(), reconciliationMessage(t, "in-r")))
	assert.Equal(t, ledger.IntentProcessorSucceeded, f.status("in-r"))
}

func TestHandleMessageUnknownIntent(t *testing.T) {
	f := newFixture()
	assert.NoError(t, f.sw.HandleMessage(context.Background(), reconciliationMessage(t, "missing")))
}

func TestHandleMessageIgnoresOtherEvents(t *testing.T) {
	f := newFixture()
	env, err := events.New(context.Background(), events.EventOrderConfirmed, "payments-api", "ORD-1", map[string]string{})
	require.NoError(t, err)
	m, err := kafkax.Encode(events.TopicOrderConfirmed, nil, env)
	require.NoError(t, err)
	assert.NoError(t, f.sw.HandleMessage(context.Background(), m))
}

func TestHandleMessageBadEnvelope(t *testing.T) {
	f := newFixture()
	assert.Error(t, f.sw.HandleMessage(context.Background(), kafkago.Message{Value: []byte("{")}))
}
