// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// identityKey is the context key for the authenticated identity.
type identityKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// errorCodeHolderKey is the context key for the per-request error code slot
// installed by Logging, so handlers deeper in the chain can report a code.
type errorCodeHolderKey struct{}

type errorCodeHolder struct {
	mu   sync.Mutex
	code string
}

// SetIdentityID stores the authenticated identity in the context.
// RequireAuth calls this after validating the bearer token.
func SetIdentityID(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityKey{}, identityID)
}

// GetIdentityID retrieves the identity from context. Returns empty string if not present.
func GetIdentityID(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok {
		return id
	}
	return ""
}

// SetErrorCode stores an error code in the context and, when the request is
// wrapped by Logging, records it for the access log.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if h, ok := ctx.Value(errorCodeHolderKey{}).(*errorCodeHolder); ok {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
	}
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	if h, ok := ctx.Value(errorCodeHolderKey{}).(*errorCodeHolder); ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.code
	}
	return ""
}

// UpdateResponseContext copies the error code carried by ctx into the access
// log slot for the request. It is a no-op outside the Logging middleware.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	code, ok := ctx.Value(errorCodeKey{}).(string)
	if !ok || code == "" {
		return
	}
	SetErrorCode(ctx, code)
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
// Only the first call sets the status code; subsequent calls are ignored
// to match http.ResponseWriter behavior where only the first status is sent.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging is a middleware that logs HTTP requests with structured fields.
// It captures: method, path, status, latency (ms), request ID, identity (if present),
// response size, and error_code (for error responses).
//
// Note: If a handler panics, the log entry will not be written. To ensure logging
// even on panics, place a recovery middleware outside of the logging middleware.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			holder := &errorCodeHolder{}
			ctx := context.WithValue(r.Context(), errorCodeHolderKey{}, holder)
			identity := &identitySlot{}
			ctx = context.WithValue(ctx, identitySlotKey{}, identity)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			latency := time.Since(start).Milliseconds()

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", latency),
				slog.Int("size", rw.size),
			}

			if requestID := GetRequestID(ctx); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}

			if id := identity.get(); id != "" {
				attrs = append(attrs, slog.String("identity_id", id))
			}

			// Add error code for error responses (4xx and 5xx)
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(ctx); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			// Log at appropriate level based on status code using LogAttrs
			if rw.statusCode >= 500 {
				logger.LogAttrs(ctx, slog.LevelError, "request completed", attrs...)
			} else if rw.statusCode >= 400 {
				logger.LogAttrs(ctx, slog.LevelWarn, "request completed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}

// identitySlotKey carries the slot RequireAuth fills so the access log,
// which runs outside the auth middleware, can report the caller.
type identitySlotKey struct{}

type identitySlot struct {
	mu sync.Mutex
	id string
}

func (s *identitySlot) set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *identitySlot) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// recordIdentity fills the access-log slot when one is present.
func recordIdentity(ctx context.Context, identityID string) {
	if s, ok := ctx.Value(identitySlotKey{}).(*identitySlot); ok {
		s.set(identityID)
	}
}
