package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
)

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
}

type OrdersHandler struct {
	Orders OrderReader
	Redis  redis.Cmdable
	Log    *zap.Logger
}

// OrderSummary is the cached read model of an order.
type OrderSummary struct {
	OrderID       string               `json:"orderId"`
	Status        ledger.OrderStatus   `json:"status"`
	PaymentStatus ledger.PaymentStatus `json:"paymentStatus"`
	Total         int64                `json:"total"`
	Currency      string               `json:"currency"`
	RefundID      string               `json:"refundId,omitempty"`
	RefundAmount  int64                `json:"refundAmount,omitempty"`
	PayoutID      string               `json:"payoutId,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/v1/orders/{id}", h.getOrder)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx := r.Context()

	// 1) cache
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s))
		return
	} else if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Warn("order status cache read failed", zap.String("order_id", orderID), zap.Error(err))
	}

	// 2) ledger
	o, err := h.Orders.GetOrder(ctx, orderID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "order not found", Code: "ORDER_NOT_FOUND"})
		return
	}
	if err != nil {
		h.Log.Error("order lookup failed", zap.String("order_id", orderID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "INTERNAL_ERROR"})
		return
	}
	b, err := json.Marshal(OrderSummary{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Total:         o.TotalAmount,
		Currency:      o.Currency,
		RefundID:      o.RefundID,
		RefundAmount:  o.RefundAmount,
		PayoutID:      o.PayoutID,
		CreatedAt:     o.CreatedAt,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "INTERNAL_ERROR"})
		return
	}
	if err := h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err(); err != nil {
		h.Log.Warn("order status cache write failed", zap.String("order_id", orderID), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
