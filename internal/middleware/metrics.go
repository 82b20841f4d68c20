package middleware

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPUploadSizeBytes   = "http_upload_size_bytes"
	MetricHTTPIdempotentReplays = "http_idempotent_replays_total"
	MetricRateLimitDecisions    = "rate_limit_decisions_total"
	MetricRateLimitStoreErrors  = "rate_limit_store_errors_total"
)

// Rate limit decision labels.
const (
	decisionAllowed = "allowed"
	decisionBlocked = "blocked"
)

// Metrics holds the HTTP-layer collectors. Routes are labelled by pattern,
// never by raw path, so attempt IDs do not reach the label set.
type Metrics struct {
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	uploadSize        *prometheus.HistogramVec
	replays           *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	rateLimitErrors   prometheus.Counter
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		// Verification answers wait on two inference calls, so the upper
		// buckets matter more than the sub-10ms ones.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request duration in seconds by route",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"method", "route"}),
		uploadSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPUploadSizeBytes,
			Help:    "Declared request body size of uploads by route",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 12), // 16 KiB to 32 MiB
		}, []string{"route"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPIdempotentReplays,
			Help: "Responses served from a stored Idempotency-Key record",
		}, []string{"route"}),
		rateLimitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitDecisions,
			Help: "Rate limit decisions by scope, key type and decision",
		}, []string{"scope", "key_type", "decision"}),
		rateLimitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitStoreErrors,
			Help: "Shared rate limit store failures; each one let a request through",
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRequest records one finished request. uploadBytes is observed only
// when positive.
func (m *Metrics) ObserveRequest(method, route string, status int, seconds float64, uploadBytes int64) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(seconds)
	if uploadBytes > 0 {
		m.uploadSize.WithLabelValues(route).Observe(float64(uploadBytes))
	}
}

// IncReplay counts a response replayed for an Idempotency-Key retry.
func (m *Metrics) IncReplay(route string) {
	m.replays.WithLabelValues(route).Inc()
}

// ObserveRateLimit counts one limiter decision.
func (m *Metrics) ObserveRateLimit(scope, keyType string, allowed bool) {
	decision := decisionAllowed
	if !allowed {
		decision = decisionBlocked
	}
	m.rateLimitDecision.WithLabelValues(scope, keyType, decision).Inc()
}

// IncRateLimitStoreErrors counts a fail-open event of the shared store.
func (m *Metrics) IncRateLimitStoreErrors() {
	m.rateLimitErrors.Inc()
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.duration,
		m.uploadSize,
		m.replays,
		m.rateLimitDecision,
		m.rateLimitErrors,
	}
}
