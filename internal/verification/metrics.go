package verification

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricVerificationAttemptsTotal      = "verification_attempts_total"
	MetricVerificationStageDuration      = "verification_stage_duration_seconds"
	MetricVerificationMatchSimilarity    = "verification_match_similarity"
	MetricVerificationLivenessConfidence = "verification_liveness_confidence"
	MetricVerificationRiskFlagsTotal     = "verification_risk_flags_total"
)

// Stage labels.
const (
	StageEnrollment = "enrollment"
	StageNetwork    = "network"
	StageLiveness   = "liveness"
	StageMatch      = "match"
	StageFinalize   = "finalize"
)

// outcomeAbandoned labels cancelled attempts.
const outcomeAbandoned = "Abandoned"

// Metrics contains Prometheus metrics for verification attempts.
// All operations are thread-safe.
type Metrics struct {
	attemptsTotal      *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	matchSimilarity    prometheus.Histogram
	livenessConfidence prometheus.Histogram
	riskFlags          *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationAttemptsTotal,
				Help: "Total number of verification attempts by outcome and rejection reason",
			},
			[]string{"outcome", "reason"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricVerificationStageDuration,
				Help:    "Histogram of verification stage duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage"},
		),
		matchSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricVerificationMatchSimilarity,
			Help:    "Distribution of best cosine similarity per attempt",
			Buckets: prometheus.LinearBuckets(-1, 0.1, 21),
		}),
		livenessConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricVerificationLivenessConfidence,
			Help:    "Distribution of liveness confidence per scored attempt",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		riskFlags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationRiskFlagsTotal,
				Help: "Total number of risk flags raised on matched attempts",
			},
			[]string{"flag"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncAttempts counts one finished attempt.
func (m *Metrics) IncAttempts(outcome, reason string) {
	m.attemptsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveStageDuration records how long a stage took.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveSimilarity records a best-match similarity.
func (m *Metrics) ObserveSimilarity(similarity float64) {
	m.matchSimilarity.Observe(similarity)
}

// ObserveLivenessConfidence records a scored liveness confidence.
func (m *Metrics) ObserveLivenessConfidence(confidence float64) {
	m.livenessConfidence.Observe(confidence)
}

// IncRiskFlag counts one raised risk flag.
func (m *Metrics) IncRiskFlag(flag string) {
	m.riskFlags.WithLabelValues(flag).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.attemptsTotal,
		m.stageDuration,
		m.matchSimilarity,
		m.livenessConfidence,
		m.riskFlags,
	}
}
