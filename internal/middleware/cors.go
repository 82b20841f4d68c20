package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// DefaultCORSMaxAge is the preflight cache duration used by DefaultCORSConfig.
const DefaultCORSMaxAge = 600

// CORSConfig holds the configuration for CORS middleware.
type CORSConfig struct {
	AllowedOrigins   []string // Exact origins, no wildcards
	AllowedMethods   []string
	AllowedHeaders   []string // Request headers a preflight may ask for
	ExposedHeaders   []string // Response headers readable by the browser
	AllowCredentials bool
	MaxAge           int // Preflight cache duration in seconds
}

// DefaultCORSConfig allows the capture client at origins to submit
// verification requests with a bearer token and retry them with an
// Idempotency-Key.
func DefaultCORSConfig(origins []string) CORSConfig {
	return CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", RequestIDHeader, IdempotencyKeyHeader},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining", RequestIDHeader, IdempotentReplayHeader},
		MaxAge:         DefaultCORSMaxAge,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// Only origins listed in cfg are accepted; requests from any other origin
// get a 403. Requests without an Origin header pass through untouched.
// Preflight requests are answered here and never reach next.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowed[origin] = true
		}
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed[origin] {
				writeError(w, r, http.StatusForbidden, "origin_not_allowed", "Origin not allowed")
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if exposed != "" {
				w.Header().Set("Access-Control-Expose-Headers", exposed)
			}
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				if cfg.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
