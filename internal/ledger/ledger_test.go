package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func sql(s string) string { return regexp.QuoteMeta(s) }

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func strp(s string) *string { return &s }

func TestCreateOrderConflictOnPaymentReference(t *testing.T) {
	mock := newMock(t)
	repo := &OrderRepo{DB: mock}
	o := &Order{ID: "ORD-1", OrderNumber: "ORD-1", PaymentRef: "pi_1", Status: OrderProcessing,
		PaymentStatus: PaymentCompleted, Items: []LineItem{{ProductID: "p1", Quantity: 1, Price: 100}}, CreatedAt: at}

	mock.ExpectExec(sql("INSERT INTO orders")).WithArgs(anyArgs(21)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	created, err := repo.CreateOrder(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, created)

	mock.ExpectExec(sql("ON CONFLICT (payment_reference) DO NOTHING")).WithArgs(anyArgs(21)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	created, err = repo.CreateOrder(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestGetOrderScansRow(t *testing.T) {
	mock := newMock(t)
	repo := &OrderRepo{DB: mock}

	cols := []string{"id", "order_number", "user_id", "seller_id", "status", "items", "subtotal_cents",
		"shipping_cents", "tax_cents", "discount_cents", "total_cents", "currency", "shipping_address",
		"billing_address", "payment_method", "payment_status", "payment_reference", "customer_email",
		"customer_phone", "notes", "refund_id", "refund_amount_cents", "payout_id", "created_at", "updated_at"}
	mock.ExpectQuery(sql("FROM orders WHERE id=$1")).WithArgs("ORD-1").
		WillReturnRows(mock.NewRows(cols).AddRow("ORD-1", "ORD-1", "user-1", strp("seller-1"), "processing",
			[]byte(`[{"productId":"p1","sellerId":"seller-1","quantity":2,"price":3000}]`),
			int64(6000), int64(1000), int64(1260), int64(0), int64(8260), "usd", []byte(`{"line1":"x"}`), nil,
			"stripe_card", "completed", "pi_1", "a@example.com", nil, nil, nil, nil, nil, at, at))

	o, err := repo.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "seller-1", o.SellerID)
	assert.Equal(t, OrderProcessing, o.Status)
	assert.Equal(t, PaymentCompleted, o.PaymentStatus)
	assert.Equal(t, int64(8260), o.TotalAmount)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 2, o.Items[0].Quantity)
	assert.Empty(t, o.RefundID)
	assert.Nil(t, o.BillingAddress)
}

func TestGetOrderNotFound(t *testing.T) {
	mock := newMock(t)
	repo := &OrderRepo{DB: mock}

	mock.ExpectQuery(sql("FROM orders WHERE id=$1")).WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	_, err := repo.GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkRefundedOnlyOnce(t *testing.T) {
	mock := newMock(t)
	repo := &OrderRepo{DB: mock}

	mock.ExpectExec(sql("WHERE id=$1 AND payment_status <> 'refunded'")).
		WithArgs("ORD-1", "re_1", int64(500), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := repo.MarkRefunded(context.Background(), "ORD-1", "re_1", 500, at)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestListEligibleOrdersBindsWindow(t *testing.T) {
	mock := newMock(t)
	repo := &OrderRepo{DB: mock}
	from, to := at.Add(-48*time.Hour), at

	mock.ExpectQuery(sql("payout_id IS NULL") + ".*" + sql("created_at >= $2 AND created_at <= $3 ORDER BY created_at")).
		WithArgs("seller-1", from, to).
		WillReturnRows(mock.NewRows([]string{"id"}))
	out, err := repo.ListEligibleOrders(context.Background(), OrderFilter{SellerID: "seller-1", From: &from, To: &to})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestListSellerOrdersNewestFirst(t *testing.T) {
	mock := newMock(t)
	repo := &OrderRepo{DB: mock}

	mock.ExpectQuery(sql("WHERE seller_id=$1 ORDER BY created_at DESC LIMIT $2")).
		WithArgs("seller-1", 50).
		WillReturnRows(mock.NewRows([]string{"id"}))
	out, err := repo.ListSellerOrders(context.Background(), "seller-1", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUpdateKYCSkipsStaleEvent(t *testing.T) {
	mock := newMock(t)
	repo := &SellerRepo{DB: mock}
	u := KYCUpdate{Status: KYCRestricted, EventAt: at}

	mock.ExpectExec(sql("(kyc_event_at IS NULL OR kyc_event_at <= $6)")).
		WithArgs("seller-1", "restricted", false, false, false, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	applied, err := repo.UpdateKYC(context.Background(), "seller-1", u)
	require.NoError(t, err)
	assert.False(t, applied)
}

func booking() PayoutBooking {
	return PayoutBooking{
		Payout: Payout{ID: "tr_1", SellerID: "seller-1", Amount: 9000, GrossAmount: 10000, PlatformFee: 1000,
			Currency: "usd", OrdersCount: 2, CreatedAt: at},
		OrderIDs:        []string{"ORD-A", "ORD-B"},
		ExpectedVersion: 3,
	}
}

func TestBookPayoutCommits(t *testing.T) {
	mock := newMock(t)
	repo := &SellerRepo{DB: mock}
	b := booking()

	mock.ExpectBegin()
	mock.ExpectExec(sql("INSERT INTO payouts")).
		WithArgs("tr_1", "seller-1", int64(9000), int64(10000), int64(1000), "usd", 2, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(sql("UPDATE orders SET payout_id=$1")).
		WithArgs("tr_1", []string{"ORD-A", "ORD-B"}, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(sql("payout_version=payout_version+1")).
		WithArgs("seller-1", "tr_1", int64(9000), at, int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.BookPayout(context.Background(), b))
}

func TestBookPayoutVersionConflictRollsBack(t *testing.T) {
	mock := newMock(t)
	repo := &SellerRepo{DB: mock}

	mock.ExpectBegin()
	mock.ExpectExec(sql("INSERT INTO payouts")).WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(sql("UPDATE orders SET payout_id=$1")).WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(sql("UPDATE sellers")).WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	assert.ErrorIs(t, repo.BookPayout(context.Background(), booking()), ErrConflict)
}

func TestBookPayoutAlreadyBooked(t *testing.T) {
	mock := newMock(t)
	repo := &SellerRepo{DB: mock}

	mock.ExpectBegin()
	mock.ExpectExec(sql("INSERT INTO payouts")).WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	assert.NoError(t, repo.BookPayout(context.Background(), booking()))
}

func TestCreateIntentOpenForSubjectIsConflict(t *testing.T) {
	mock := newMock(t)
	repo := &IntentRepo{DB: mock}
	in := &Intent{ID: "in-2", Kind: IntentPayout, SubjectID: "seller-1", Reference: "acct_1", Amount: 900, CreatedAt: at}

	mock.ExpectExec(sql("INSERT INTO reconciliation_intents")).WithArgs(anyArgs(8)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: openIntentIndex})
	assert.ErrorIs(t, repo.CreateIntent(context.Background(), in), ErrConflict)

	other := &pgconn.PgError{Code: "23505", ConstraintName: "reconciliation_intents_pkey"}
	mock.ExpectExec(sql("INSERT INTO reconciliation_intents")).WithArgs(anyArgs(8)...).
		WillReturnError(other)
	err := repo.CreateIntent(context.Background(), in)
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestMarkIntentClosedIsConflict(t *testing.T) {
	mock := newMock(t)
	repo := &IntentRepo{DB: mock}

	mock.ExpectExec(sql("WHERE id=$1 AND status IN ('pending','processor_succeeded')")).
		WithArgs("in-1", "confirmed", nil, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := repo.MarkIntent(context.Background(), "in-1", IntentConfirmed, nil, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRecordAttemptReturnsCount(t *testing.T) {
	mock := newMock(t)
	repo := &IntentRepo{DB: mock}

	mock.ExpectQuery(sql("SET attempts=attempts+1")).WithArgs("in-1", "boom").
		WillReturnRows(mock.NewRows([]string{"attempts"}).AddRow(4))
	n, err := repo.RecordAttempt(context.Background(), "in-1", "boom")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestListOpenIntents(t *testing.T) {
	mock := newMock(t)
	repo := &IntentRepo{DB: mock}
	cutoff := at.Add(-5 * time.Minute)

	cols := []string{"id", "kind", "subject_id", "reference", "amount_cents", "status", "attempts", "payload",
		"result", "last_error", "created_at", "updated_at"}
	mock.ExpectQuery(sql("WHERE status='processor_succeeded' OR (status='pending' AND updated_at < $1)")).
		WithArgs(cutoff, 50).
		WillReturnRows(mock.NewRows(cols).
			AddRow("in-1", "refund", "ORD-1", "pi_1", int64(500), "processor_succeeded", 1,
				[]byte(`{"orderId":"ORD-1"}`), []byte(`{"refundId":"re_1"}`), strp("deadlock"), at, at).
			AddRow("in-2", "payout", "seller-1", "acct_1", int64(900), "pending", 0,
				[]byte(`{}`), nil, nil, at, at))

	out, err := repo.ListOpenIntents(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, IntentRefund, out[0].Kind)
	assert.Equal(t, IntentProcessorSucceeded, out[0].Status)
	assert.Equal(t, "deadlock", out[0].LastError)
	assert.JSONEq(t, `{"refundId":"re_1"}`, string(out[0].Result))
	assert.Equal(t, IntentPending, out[1].Status)
	assert.Empty(t, out[1].LastError)
}
