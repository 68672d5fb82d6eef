package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kasapahq/kasapa/internal/gateway"
	"github.com/kasapahq/kasapa/internal/services"
)

// VerifyPayment handles GET /api/payments/verify?reference=. The response data
// is the raw gateway transaction payload with the materialized order merged in,
// so storefront clients see both the gateway's view and ours.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	reference := strings.TrimSpace(r.URL.Query().Get("reference"))

	verified, err := h.verification.Verify(ctx, reference)
	if err != nil {
		var verificationErr *gateway.VerificationError
		switch {
		case errors.Is(err, services.ErrMissingReference):
			writeError(w, http.StatusBadRequest, "Transaction reference is required", logger)
		case errors.Is(err, gateway.ErrNotConfigured):
			logger.Error("payment gateway not configured")
			writeError(w, http.StatusInternalServerError, "Payment gateway not configured", logger)
		case errors.As(err, &verificationErr):
			logger.Warn("gateway rejected verification", "reference", reference, "error", verificationErr.Message)
			writeError(w, http.StatusBadRequest, verificationErr.Message, logger)
		case errors.Is(err, services.ErrInvalidPickupSelection):
			writeError(w, http.StatusBadRequest, "Invalid pickup selection", logger)
		default:
			logger.Error("payment verification failed", "reference", reference, "error", err)
			writeError(w, http.StatusInternalServerError, "Verification failed", logger)
		}
		return
	}

	data := make(map[string]any, len(verified.Transaction.Raw)+1)
	for key, value := range verified.Transaction.Raw {
		data[key] = value
	}
	data["order"] = verified.Order

	writeJSON(w, http.StatusOK, map[string]any{"data": data}, logger)
}
