package httpx

import (
	"errors"
	"net/http"

	"github.com/ariefcatur/go-payment-reconciliation/internal/payments"
)

type errorResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
}

func statusFor(err error) int {
	switch payments.KindOf(err) {
	case payments.KindValidation:
		return http.StatusBadRequest
	case payments.KindNotFound:
		return http.StatusNotFound
	case payments.KindConflict:
		return http.StatusConflict
	case payments.KindProcessor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the failure envelope. Internal causes are never echoed.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: "internal error", Code: payments.ErrInternal.Code}
	var pe *payments.Error
	if errors.As(err, &pe) {
		resp.Code, resp.PaymentStatus = pe.Code, pe.State
		if pe.Message != "" {
			resp.Error = pe.Message
		} else {
			resp.Error = pe.Code
		}
	}
	writeJSON(w, statusFor(err), resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: payments.ErrValidation.Code})
}
