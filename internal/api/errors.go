// Package api provides HTTP API utilities including standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/presence/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeMissingImage indicates the primary capture was not supplied.
	ErrCodeMissingImage = "missing_image"

	// ErrCodePayloadTooLarge indicates the upload exceeded the size limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodeCapabilityUnavailable indicates an inference service failed.
	ErrCodeCapabilityUnavailable = "capability_unavailable"

	// ErrCodeCancelled indicates the client went away before a decision.
	ErrCodeCancelled = "verification_cancelled"

	// ErrCodeEvidenceUnavailable indicates no evidence is stored for an attempt.
	ErrCodeEvidenceUnavailable = "evidence_unavailable"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// AttemptID identifies the verification attempt the error belongs to.
	AttemptID string `json:"attempt_id,omitempty"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The logging middleware records error_code for 4xx and 5xx responses when
// the code is set on the context passed in:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "Attempt not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{Error: detail}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeCodedError tags the request context with code and writes the envelope.
func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ctx := middleware.SetErrorCode(r.Context(), code)
	WriteError(w, ctx, status, code, message)
}

// writeAttemptError is writeCodedError for failures of a recorded attempt.
func writeAttemptError(w http.ResponseWriter, r *http.Request, status int, code, message, attemptID string) {
	ctx := middleware.SetErrorCode(r.Context(), code)
	writeErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message, AttemptID: attemptID})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// StatusClientClosedRequest is the non-standard status recorded when the
// client disconnects before the response is written.
const StatusClientClosedRequest = 499
