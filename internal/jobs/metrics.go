// Package jobs instruments the service's background jobs.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricJobRunsTotal  = "presence_job_runs_total"
	MetricJobDuration   = "presence_job_duration_seconds"
	MetricJobItemsTotal = "presence_job_items_total"
)

// JobAttemptSweep abandons verification attempts left pending.
const JobAttemptSweep = "attempt_sweep"

// Run results.
const (
	ResultOK           = "ok"
	ResultTimeout      = "timeout"
	ResultStorageError = "storage_error"
)

// Metrics records background job runs.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobRunsTotal,
			Help: "Background job runs by job and result",
		}, []string{"job", "result"}),
		// Sweeps are bounded by a 30s timeout.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobDuration,
			Help:    "Background job run duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"job"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobItemsTotal,
			Help: "Records changed by background jobs, e.g. attempts abandoned by the sweep",
		}, []string{"job"}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.runs, m.duration, m.items} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRun records one run of job that changed items records.
func (m *Metrics) ObserveRun(job, result string, seconds float64, items int64) {
	m.runs.WithLabelValues(job, result).Inc()
	m.duration.WithLabelValues(job).Observe(seconds)
	if items > 0 {
		m.items.WithLabelValues(job).Add(float64(items))
	}
}
