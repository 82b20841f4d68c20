package middleware

import (
	"net/http"
	"strings"
	"time"
)

// staticRoutes are recorded under their own path.
var staticRoutes = map[string]bool{
	"/":                           true,
	"/v1/attendance/verify":       true,
	"/v1/attendance/history":      true,
	"/v1/attendance/summary":      true,
	"/v1/admin/attendance/report": true,
	"/v1/network/requirements":    true,
	"/v1/network/check":           true,
	"/metrics":                    true,
}

// unmatchedRoute labels any path that is not a known route, so scanners
// requesting random URLs cannot grow the label set.
const unmatchedRoute = "{unmatched}"

const (
	attemptRoute         = "/v1/attendance/attempts/{id}"
	attemptEvidenceRoute = "/v1/attendance/attempts/{id}/evidence"
)

// normalizePath maps request paths onto route patterns, e.g.
// /v1/attendance/attempts/<uuid>/evidence becomes
// /v1/attendance/attempts/{id}/evidence.
func normalizePath(path string) string {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if staticRoutes[path] {
		return path
	}

	if rest, ok := strings.CutPrefix(path, "/v1/attendance/attempts/"); ok {
		if id, tail, hasTail := strings.Cut(rest, "/"); id != "" {
			if !hasTail {
				return attemptRoute
			}
			if tail == "evidence" {
				return attemptEvidenceRoute
			}
		}
	}

	return unmatchedRoute
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// HTTPMetrics records request counts, latency and upload sizes per route,
// and counts responses replayed by Idempotency. Liveness and readiness
// checks are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := normalizePath(r.URL.Path)
			metrics.ObserveRequest(r.Method, route, rec.status, time.Since(start).Seconds(), r.ContentLength)
			if rec.Header().Get(IdempotentReplayHeader) == "true" {
				metrics.IncReplay(route)
			}
		})
	}
}
