package main

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/presence/internal/api"
	"github.com/onnwee/presence/internal/auth"
	"github.com/onnwee/presence/internal/idempotency"
	"github.com/onnwee/presence/internal/middleware"
)

// serviceName labels spans and the root endpoint.
const serviceName = "presence-api"

// routerConfig carries everything newRouter wires into the mux.
type routerConfig struct {
	Health     *api.HealthHandlers
	Attendance *api.AttendanceHandlers
	Network    *api.NetworkHandlers
	Reports    *api.ReportHandlers

	Auth        middleware.TokenValidator
	Limits      middleware.RateLimitStore
	VerifyLimit middleware.RateLimitConfig
	GlobalLimit middleware.RateLimitConfig
	Idempotency idempotency.Repository

	Metrics  *middleware.Metrics
	Gatherer prometheus.Gatherer

	CORSOrigins []string
	Proxies     []netip.Prefix
	Logger      *slog.Logger
}

// newRouter builds the HTTP handler.
// Outer chain: RequestID -> RealIP -> Logging -> Recovery -> Tracing -> HTTPMetrics -> CORS -> global limit.
// Attendance routes add RequireAuth; admin routes also require the admin
// role. Verify then replays Idempotency-Key
// retries before the per-identity limit, so replays cost no quota.
func newRouter(cfg routerConfig) http.Handler {
	mux := http.NewServeMux()

	authed := middleware.RequireAuth(cfg.Auth)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireRole(auth.RoleAdmin)(h))
	}
	replayable := middleware.Idempotency(cfg.Idempotency, cfg.Logger)
	verifyLimited := middleware.RateLimiter(cfg.Limits, cfg.VerifyLimit, middleware.IdentityKeyFunc(), "verify", cfg.Metrics)

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	mux.Handle("POST /v1/attendance/verify", authed(replayable(verifyLimited(http.HandlerFunc(cfg.Attendance.Verify)))))
	mux.Handle("GET /v1/attendance/history", authed(http.HandlerFunc(cfg.Attendance.History)))
	mux.Handle("GET /v1/attendance/summary", authed(http.HandlerFunc(cfg.Attendance.Summary)))
	mux.Handle("GET /v1/attendance/attempts/{id}", authed(http.HandlerFunc(cfg.Attendance.GetAttempt)))
	mux.Handle("GET /v1/attendance/attempts/{id}/evidence", authed(http.HandlerFunc(cfg.Attendance.GetEvidence)))

	mux.Handle("GET /v1/admin/attendance/report", admin(cfg.Reports.PeriodReport))

	mux.HandleFunc("GET /v1/network/requirements", cfg.Network.Requirements)
	mux.HandleFunc("POST /v1/network/check", cfg.Network.Check)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"` + serviceName + `","version":"0.1.0"}`)); err != nil {
			cfg.Logger.Error("failed to write response", "error", err)
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, r.Context(), http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	handler = middleware.RateLimiter(cfg.Limits, cfg.GlobalLimit, middleware.IPKeyFunc(), "global", cfg.Metrics)(handler)
	if len(cfg.CORSOrigins) > 0 {
		handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))(handler)
	}
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.Recovery(cfg.Logger)(handler)
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.RealIP(cfg.Proxies)(handler)
	return middleware.RequestID(handler)
}
