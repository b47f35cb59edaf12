package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dharsanguruparan/OnceDrop/internal/blobstore"
	"github.com/dharsanguruparan/OnceDrop/internal/lifecycle"
	"github.com/dharsanguruparan/OnceDrop/internal/registry"
)

// Error codes carried in {"error": {"code": ..., "message": ...}}.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeInvalidCode     = "INVALID_CODE"
	CodeExpired         = "EXPIRED"
	CodeAlreadyUsed     = "ALREADY_USED"
	CodeNotYetViewed    = "NOT_YET_VIEWED"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnreadable      = "UNREADABLE"
	CodeWatermark       = "WATERMARK_FAILED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the JSON error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}

// writeLifecycleError maps lifecycle and registry sentinels to responses.
// Invalid, expired and used codes share a status so probing learns nothing
// from it; the message tells a legitimate recipient what happened.
func writeLifecycleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidCode):
		WriteError(w, http.StatusNotFound, CodeInvalidCode, "invalid code")
	case errors.Is(err, registry.ErrExpired):
		WriteError(w, http.StatusNotFound, CodeExpired, "expired")
	case errors.Is(err, registry.ErrAlreadyConsumed):
		WriteError(w, http.StatusNotFound, CodeAlreadyUsed, "already used")
	case errors.Is(err, registry.ErrNotYetConsumed):
		WriteError(w, http.StatusConflict, CodeNotYetViewed, "document has not been viewed yet")
	case errors.Is(err, lifecycle.ErrUnreadable):
		WriteError(w, http.StatusInternalServerError, CodeUnreadable, "document could not be opened and has been destroyed")
	case errors.Is(err, registry.ErrCodeSpaceExhausted), errors.Is(err, blobstore.ErrStoreUnavailable):
		logger.Error("dependency unavailable", slog.String("error", err.Error()))
		WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "service temporarily unavailable")
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
