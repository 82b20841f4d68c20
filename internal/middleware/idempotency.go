package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/presence/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader is set on responses served from a stored record.
const IdempotentReplayHeader = "Idempotent-Replayed"

// Error codes written by Idempotency.
const (
	ErrCodeInvalidIdempotencyKey = "invalid_idempotency_key"
	ErrCodeIdempotencyKeyTooLong = "idempotency_key_too_long"
	ErrCodeIdempotencyKeyReused  = "idempotency_key_reused"
)

// idempotencyResponseWriter passes the response through and keeps a copy.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency replays the stored response when a POST repeats an
// Idempotency-Key already used by the same identity. Requests without the
// header pass through. Only 2xx responses are stored, so a failed attempt
// can be retried with the same key.
//
// Keys are scoped to the authenticated identity (the client address when
// unauthenticated); install it after RequireAuth.
func Idempotency(repo idempotency.Repository, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					writeError(w, r, http.StatusBadRequest, ErrCodeIdempotencyKeyTooLong, "Idempotency-Key exceeds maximum length of 64 characters")
					return
				}
				writeError(w, r, http.StatusBadRequest, ErrCodeInvalidIdempotencyKey, "Invalid Idempotency-Key format")
				return
			}

			ctx := r.Context()
			scope := GetIdentityID(ctx)
			if scope == "" {
				scope = "ip:" + ClientAddress(r)
			}

			existing, err := repo.Get(ctx, scope, key)
			switch {
			case err == nil:
				if existing.Method != r.Method || existing.Route != r.URL.Path {
					writeError(w, r, http.StatusUnprocessableEntity, ErrCodeIdempotencyKeyReused,
						"Idempotency-Key was already used for a different request")
					return
				}
				if !existing.Intact() {
					logger.ErrorContext(ctx, "stored idempotent response failed integrity check", "key", key)
					next.ServeHTTP(w, r)
					return
				}
				logger.InfoContext(ctx, "idempotency key found, returning cached response",
					"key", key,
					"status", existing.ResponseStatusCode)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Storage trouble degrades to running the request.
				logger.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			body := capture.body.String()
			record := &idempotency.Record{
				Scope:              scope,
				Key:                key,
				Method:             r.Method,
				Route:              r.URL.Path,
				ResponseHash:       idempotency.ComputeResponseHash(body),
				Status:             idempotency.StatusCompleted,
				ResponseBody:       body,
				ResponseStatusCode: capture.statusCode,
			}
			if err := repo.Store(ctx, record); err != nil {
				// The response is already sent.
				logger.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			logger.DebugContext(ctx, "stored idempotency key", "key", key, "status", capture.statusCode)
		})
	}
}
