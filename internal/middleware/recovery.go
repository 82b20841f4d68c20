package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// ErrCodeInternal is written when a handler panics.
const ErrCodeInternal = "internal_error"

// Recovery converts panics into a 500 response and logs the error with its
// stack. http.ErrAbortHandler is re-raised so the server aborts the
// connection as intended.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic",
					"path", r.URL.Path,
					"error", rec,
					"stack", string(debug.Stack()))
				writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes the {"error":{"code","message"}} envelope used by the API
// and records code for the access log.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	SetErrorCode(r.Context(), code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
