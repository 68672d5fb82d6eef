package handlers

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReleaseStock handles POST /api/cron/release-stock, the scheduled reaper
// trigger. Production deliveries carry an Upstash-Signature JWT signed over
// the request URL and body; non-production deployments use a shared secret
// header instead. The GET variant is a development-only manual trigger.
func (h *Handlers) ReleaseStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if r.Method == http.MethodGet && h.config.IsProduction() {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCronBodyBytes))
	if err != nil {
		logger.Error("failed to read cron request body", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body", logger)
		return
	}

	if !h.authorizeCronRequest(r, body) {
		logger.Warn("rejected unauthorized cron trigger", "method", r.Method, "remote_ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "Unauthorized", logger)
		return
	}

	result, err := h.reaper.ReleaseExpiredReservations(ctx)
	if err != nil {
		logger.Error("reservation sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Release job failed", logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"result":    result,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, logger)
}

func (h *Handlers) authorizeCronRequest(r *http.Request, body []byte) bool {
	if h.config.IsProduction() {
		signature := strings.TrimSpace(r.Header.Get("Upstash-Signature"))
		return h.schedulerVerifier.Verify(signature, requestURL(r), body) == nil
	}

	secret := strings.TrimSpace(r.Header.Get("X-Cron-Secret"))
	expected := strings.TrimSpace(h.config.CronSecret)
	if secret == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) == 1
}

// requestURL reconstructs the absolute URL the scheduler signed. The service
// runs behind a TLS-terminating proxy, so the scheme comes from the forwarded
// header when present.
func requestURL(r *http.Request) string {
	scheme := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
