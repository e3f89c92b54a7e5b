package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/payments"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
)

type Confirmer interface {
	Confirm(ctx context.Context, req payments.ConfirmRequest) (payments.ConfirmResult, error)
}

type Refunder interface {
	Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
}

type Payouts interface {
	Payout(ctx context.Context, req payments.PayoutRequest) (payments.PayoutResult, error)
	ListPayouts(ctx context.Context, sellerID string, limit int) ([]ledger.Payout, error)
	ListTransactions(ctx context.Context, sellerID string, limit int) (payments.SellerTransactions, error)
}

type PaymentsHandler struct {
	Confirm Confirmer
	Refunds Refunder
	Payouts Payouts
	Redis   redis.Cmdable // order status cache, dropped after a refund
	Log     *zap.Logger
}

type confirmResponse struct {
	Success bool `json:"success"`
	payments.ConfirmResult
}

type refundResponse struct {
	Success bool `json:"success"`
	payments.RefundResult
}

type payoutResponse struct {
	Success bool `json:"success"`
	payments.PayoutResult
}

type payoutListResponse struct {
	Success bool            `json:"success"`
	Payouts []ledger.Payout `json:"payouts"`
}

type transactionsResponse struct {
	Success bool `json:"success"`
	payments.SellerTransactions
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/v1/payments/confirm", h.confirm)
	r.Post("/v1/refunds", h.refund)
	r.Post("/v1/payouts", h.payout)
	r.Get("/v1/sellers/{id}/payouts", h.listPayouts)
	r.Get("/v1/sellers/{id}/transactions", h.listTransactions)
}

func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req payments.ConfirmRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	res, err := h.Confirm.Confirm(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{Success: true, ConfirmResult: res})
}

func (h *PaymentsHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req payments.RefundRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	res, err := h.Refunds.Refund(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Redis != nil {
		if err := h.Redis.Del(r.Context(), fmt.Sprintf(redisx.KeyOrderStatus, req.OrderID)).Err(); err != nil {
			h.Log.Warn("order status cache invalidation failed", zap.String("order_id", req.OrderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, refundResponse{Success: true, RefundResult: res})
}

func (h *PaymentsHandler) payout(w http.ResponseWriter, r *http.Request) {
	var req payments.PayoutRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	res, err := h.Payouts.Payout(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{Success: true, PayoutResult: res})
}

func (h *PaymentsHandler) listPayouts(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 20)
	if !ok {
		return
	}
	ps, err := h.Payouts.ListPayouts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ps == nil {
		ps = []ledger.Payout{}
	}
	writeJSON(w, http.StatusOK, payoutListResponse{Success: true, Payouts: ps})
}

func (h *PaymentsHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 50)
	if !ok {
		return
	}
	res, err := h.Payouts.ListTransactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Transactions == nil {
		res.Transactions = []payments.Transaction{}
	}
	writeJSON(w, http.StatusOK, transactionsResponse{Success: true, SellerTransactions: res})
}

// limitParam reads ?limit=, writing a 400 and returning false when it is not a positive integer.
func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		badRequest(w, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}
