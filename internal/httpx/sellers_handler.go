package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/kyc"
	"github.com/ariefcatur/go-payment-reconciliation/internal/payments"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
)

type KYCRefresher interface {
	Refresh(ctx context.Context, sellerID string) (kyc.Refresh, error)
}

// SellersHandler serves seller account operations that are not money movements.
type SellersHandler struct {
	KYC KYCRefresher
	Log *zap.Logger
}

type refreshResponse struct {
	Success bool `json:"success"`
	kyc.Refresh
}

func (h *SellersHandler) Register(r chi.Router) {
	r.Post("/v1/sellers/{id}/kyc/refresh", h.refresh)
}

func (h *SellersHandler) refresh(w http.ResponseWriter, r *http.Request) {
	sellerID := chi.URLParam(r, "id")
	res, err := h.KYC.Refresh(r.Context(), sellerID)
	var pe *processor.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, refreshResponse{Success: true, Refresh: res})
	case errors.Is(err, kyc.ErrUnknownSeller):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "seller not found", Code: payments.ErrSellerNotFound.Code})
	case errors.Is(err, kyc.ErrNoAccount):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "seller has no connected account", Code: payments.ErrNoPayoutAccount.Code})
	case errors.As(err, &pe):
		h.Log.Warn("account refresh failed", zap.String("seller_id", sellerID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "processor account lookup failed", Code: payments.ErrProcessor.Code})
	default:
		h.Log.Error("account refresh failed", zap.String("seller_id", sellerID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: payments.ErrInternal.Code})
	}
}
