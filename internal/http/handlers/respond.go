package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/logging"
)

// errorResponse is the body of every error reply
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	TxRef     string `json:"tx_ref,omitempty"`
	AnchorRef string `json:"anchor_ref,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	respondWithJSON(w, statusCode, errorResponse{Error: message, Code: code})
}

// writeError maps a domain error onto a status and machine code. Server-side
// failures are logged and never echoed back.
func writeError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	var recErr *common.ReconciliationError
	if errors.As(err, &recErr) {
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{
			Error:     "transaction confirmed on ledger but not recorded; do not retry",
			Code:      "reconciliation_required",
			TxRef:     recErr.TxRef,
			AnchorRef: recErr.AnchorRef,
		})
		return
	}

	switch {
	case errors.Is(err, common.ErrValidation):
		respondWithError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, common.ErrConflict):
		respondWithError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, common.ErrIdentityMismatch):
		respondWithError(w, http.StatusUnauthorized, "identity_mismatch", "token does not match account")
	case errors.Is(err, common.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	case errors.Is(err, common.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not_found", "account not found")
	case errors.Is(err, common.ErrSubmissionFailed):
		log.Warn(r.Context(), "ledger submission failed", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusBadGateway, "submission_failed", "ledger submission failed; safe to retry")
	case errors.Is(err, common.ErrKeyRecovery), errors.Is(err, common.ErrIntegrity), errors.Is(err, common.ErrFormat):
		respondWithError(w, http.StatusInternalServerError, "key_recovery_failed", "key recovery failed")
	default:
		log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decodeJSON reads exactly one JSON object with no unknown fields
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return common.Validationf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return common.Validationf("request body is empty")
		default:
			return common.Validationf("invalid request body: %s", err.Error())
		}
	}
	if dec.More() {
		return common.Validationf("request body must contain a single JSON object")
	}
	return nil
}

// getClientIP extracts the client IP from the request. RemoteAddr already
// reflects X-Forwarded-For via chi's RealIP middleware.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// maskPhone masks a phone number for logging (e.g., +49******89)
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}

	// Keep first 2 and last 2 characters, mask the rest
	prefix := phone[:2]
	suffix := phone[len(phone)-2:]
	masked := strings.Repeat("*", len(phone)-4)
	return prefix + masked + suffix
}

func requiredField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return common.Validationf("%s is required", name)
	}
	return nil
}
