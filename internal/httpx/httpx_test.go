package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/kyc"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/payments"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
)

type fakeServices struct {
	confirmRes payments.ConfirmResult
	refundRes  payments.RefundResult
	payoutRes  payments.PayoutResult
	payouts    []ledger.Payout
	txs        payments.SellerTransactions
	err        error

	gotConfirm payments.ConfirmRequest
	gotLimit   int
	gotSeller  string
}

func (f *fakeServices) Confirm(_ context.Context, req payments.ConfirmRequest) (payments.ConfirmResult, error) {
	f.gotConfirm = req
	return f.confirmRes, f.err
}

func (f *fakeServices) Refund(_ context.Context, _ payments.RefundRequest) (payments.RefundResult, error) {
	return f.refundRes, f.err
}

func (f *fakeServices) Payout(_ context.Context, _ payments.PayoutRequest) (payments.PayoutResult, error) {
	return f.payoutRes, f.err
}

func (f *fakeServices) ListPayouts(_ context.Context, sellerID string, limit int) ([]ledger.Payout, error) {
	f.gotSeller, f.gotLimit = sellerID, limit
	return f.payouts, f.err
}

func (f *fakeServices) ListTransactions(_ context.Context, sellerID string, limit int) (payments.SellerTransactions, error) {
	f.gotSeller, f.gotLimit = sellerID, limit
	return f.txs, f.err
}

func newPaymentsServer(t *testing.T, svc *fakeServices) (*httptest.Server, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	r := NewRouter(5 * time.Second)
	(&PaymentsHandler{Confirm: svc, Refunds: svc, Payouts: svc, Redis: rdb, Log: zap.NewNop()}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mock
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestConfirmEndpoint(t *testing.T) {
	svc := &fakeServices{confirmRes: payments.ConfirmResult{OrderID: "ORD-1", Status: ledger.OrderProcessing,
		PaymentStatus: ledger.PaymentCompleted, Total: 12980}}
	srv, _ := newPaymentsServer(t, svc)

	code, body := post(t, srv.URL+"/v1/payments/confirm",
		`{"paymentReference":"pi_1","userId":"u1","customerEmail":"a@example.com","items":[{"productId":"p1","quantity":1,"price":100}]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ORD-1", body["orderId"])
	assert.Equal(t, float64(12980), body["total"])
	assert.Equal(t, "pi_1", svc.gotConfirm.PaymentReference)
}

func TestConfirmRejectsUnknownFields(t *testing.T) {
	srv, _ := newPaymentsServer(t, &fakeServices{})

	code, body := post(t, srv.URL+"/v1/payments/confirm", `{"paymentReference":"pi_1","amount":5}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestConfirmNotReadyCarriesState(t *testing.T) {
	svc := &fakeServices{err: &payments.Error{Kind: payments.KindConflict, Code: payments.ErrPaymentNotReady.Code,
		Message: "payment not completed", State: processor.StateRequiresPaymentMethod}}
	srv, _ := newPaymentsServer(t, svc)

	code, body := post(t, srv.URL+"/v1/payments/confirm", `{"paymentReference":"pi_1"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "PAYMENT_NOT_READY", body["code"])
	assert.Equal(t, "requires_payment_method", body["paymentStatus"])
}

func TestStatusFor(t *testing.T) {
	cases := map[*payments.Error]int{
		payments.ErrValidation:          http.StatusBadRequest,
		payments.ErrReferenceMismatch:   http.StatusBadRequest,
		payments.ErrOrderNotFound:       http.StatusNotFound,
		payments.ErrSellerNotFound:      http.StatusNotFound,
		payments.ErrAlreadyRefunded:     http.StatusConflict,
		payments.ErrPayoutInProgress:    http.StatusConflict,
		payments.ErrRefundInProgress:    http.StatusConflict,
		payments.ErrPaymentVerification: http.StatusBadGateway,
		payments.ErrProcessorRefund:     http.StatusBadGateway,
		payments.ErrOrderPersistence:    http.StatusInternalServerError,
		payments.ErrInternal:            http.StatusInternalServerError,
	}
	for e, want := range cases {
		assert.Equal(t, want, statusFor(e), e.Code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestInternalCauseIsNotEchoed(t *testing.T) {
	svc := &fakeServices{err: errors.New("pq: password authentication failed")}
	srv, _ := newPaymentsServer(t, svc)

	code, body := post(t, srv.URL+"/v1/payouts", `{"sellerId":"s1"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal error", body["error"])
}

func TestRefundDropsCachedStatus(t *testing.T) {
	svc := &fakeServices{refundRes: payments.RefundResult{RefundID: "re_1", Status: "succeeded", Amount: 12980}}
	srv, mock := newPaymentsServer(t, svc)
	mock.ExpectDel(fmt.Sprintf(redisx.KeyOrderStatus, "ORD-1")).SetVal(1)

	code, body := post(t, srv.URL+"/v1/refunds", `{"orderId":"ORD-1","paymentReference":"pi_1","reason":"duplicate"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "re_1", body["refundId"])
	assert.NotContains(t, body, "reconciliation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutProcessorFailureIs502(t *testing.T) {
	svc := &fakeServices{err: &payments.Error{Kind: payments.KindProcessor, Code: payments.ErrProcessor.Code,
		Message: "Insufficient funds in Stripe account."}}
	srv, _ := newPaymentsServer(t, svc)

	code, body := post(t, srv.URL+"/v1/payouts", `{"sellerId":"s1"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "Insufficient funds in Stripe account.", body["error"])
}

func TestListPayoutsLimit(t *testing.T) {
	svc := &fakeServices{}
	srv, _ := newPaymentsServer(t, svc)

	resp, err := http.Get(srv.URL + "/v1/sellers/seller-1/payouts?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, svc.gotLimit)
	assert.Equal(t, "seller-1", svc.gotSeller)
	var body payoutListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.Payouts)

	bad, err := http.Get(srv.URL + "/v1/sellers/seller-1/payouts?limit=abc")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestListTransactionsDefaultsLimit(t *testing.T) {
	svc := &fakeServices{txs: payments.SellerTransactions{
		Transactions:      []payments.Transaction{{ID: "ORD-1-credit", Type: payments.TransactionCredit, Amount: 900, Balance: 900}},
		TotalTransactions: 1,
		CurrentBalance:    900,
	}}
	srv, _ := newPaymentsServer(t, svc)

	resp, err := http.Get(srv.URL + "/v1/sellers/seller-1/transactions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 50, svc.gotLimit)
	var body transactionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(900), body.CurrentBalance)
	require.Len(t, body.Transactions, 1)
	assert.Equal(t, "ORD-1-credit", body.Transactions[0].ID)
}

func TestListTransactionsUnknownSeller(t *testing.T) {
	srv, _ := newPaymentsServer(t, &fakeServices{err: payments.ErrSellerNotFound})

	resp, err := http.Get(srv.URL + "/v1/sellers/ghost/transactions?limit=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/sellers/ghost/transactions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type fakeRefresher struct {
	res kyc.Refresh
	err error
	got string
}

func (f *fakeRefresher) Refresh(_ context.Context, sellerID string) (kyc.Refresh, error) {
	f.got = sellerID
	return f.res, f.err
}

func TestRefreshKYC(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"unknown seller", kyc.ErrUnknownSeller, http.StatusNotFound},
		{"no account", kyc.ErrNoAccount, http.StatusConflict},
		{"processor down", fmt.Errorf("fetch account acct_1: %w",
			&processor.Error{Op: "get_account", Outcome: processor.OutcomeUnknown, Message: "timeout"}), http.StatusBadGateway},
		{"ledger down", errors.New("update kyc: conn refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref := &fakeRefresher{err: tc.err, res: kyc.Refresh{SellerID: "seller-1", AccountID: "acct_1",
				KYCStatus: ledger.KYCVerified, Result: kyc.ResultApplied}}
			r := chi.NewRouter()
			(&SellersHandler{KYC: ref, Log: zap.NewNop()}).Register(r)
			srv := httptest.NewServer(r)
			defer srv.Close()

			code, body := post(t, srv.URL+"/v1/sellers/seller-1/kyc/refresh", "")
			assert.Equal(t, tc.code, code)
			assert.Equal(t, "seller-1", ref.got)
			if tc.err == nil {
				assert.Equal(t, true, body["success"])
				assert.Equal(t, "verified", body["kycStatus"])
			} else {
				assert.Equal(t, false, body["success"])
				assert.NotContains(t, body["error"], "conn refused")
			}
		})
	}
}

type fakeOrders map[string]*ledger.Order

func (f fakeOrders) GetOrder(_ context.Context, id string) (*ledger.Order, error) {
	if o, ok := f[id]; ok {
		return o, nil
	}
	return nil, ledger.ErrNotFound
}

func TestGetOrderReadsThroughCache(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	orders := fakeOrders{"ORD-1": {ID: "ORD-1", Status: ledger.OrderProcessing, PaymentStatus: ledger.PaymentCompleted,
		TotalAmount: 12980, Currency: "usd", CreatedAt: created}}
	rdb, mock := redismock.NewClientMock()
	r := chi.NewRouter()
	(&OrdersHandler{Orders: orders, Redis: rdb, Log: zap.NewNop()}).Register(r)

	key := fmt.Sprintf(redisx.KeyOrderStatus, "ORD-1")
	want, err := json.Marshal(OrderSummary{OrderID: "ORD-1", Status: ledger.OrderProcessing,
		PaymentStatus: ledger.PaymentCompleted, Total: 12980, Currency: "usd", CreatedAt: created})
	require.NoError(t, err)

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, want, redisx.TTLStatusCache).SetVal("OK")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/ORD-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, string(want), rec.Body.String())

	mock.ExpectGet(key).SetVal(`{"orderId":"ORD-1","status":"shipped"}`)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/ORD-1", nil))
	assert.JSONEq(t, `{"orderId":"ORD-1","status":"shipped"}`, rec.Body.String())

	mock.ExpectGet(fmt.Sprintf(redisx.KeyOrderStatus, "ORD-9")).RedisNil()
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/ORD-9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeIngestor struct {
	res    kyc.Result
	err    error
	gotSig string
}

func (f *fakeIngestor) Handle(_ context.Context, _ []byte, sig string) (kyc.Result, error) {
	f.gotSig = sig
	return f.res, f.err
}

func TestStripeWebhook(t *testing.T) {
	cases := []struct {
		name string
		ing  *fakeIngestor
		code int
	}{
		{"applied", &fakeIngestor{res: kyc.ResultApplied}, http.StatusOK},
		{"bad signature", &fakeIngestor{err: fmt.Errorf("%w: %w", kyc.ErrInvalidPayload, processor.ErrInvalidSignature)}, http.StatusBadRequest},
		{"ledger down", &fakeIngestor{err: errors.New("connection refused")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			(&WebhookHandler{Ingestor: tc.ing, Log: zap.NewNop()}).Register(r)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "t=1,v1=abc", tc.ing.gotSig)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tc.code == http.StatusOK {
				assert.Equal(t, true, body["received"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	r := NewRouter(time.Second)
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
