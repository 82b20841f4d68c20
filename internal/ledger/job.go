package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/presence/internal/jobs"
)

// Defaults for SweepJob.
const (
	DefaultSweepInterval = time.Minute
	DefaultAbandonAfter  = 5 * time.Minute
	DefaultSweepTimeout  = 30 * time.Second
)

// JobMetrics receives background job metrics.
type JobMetrics interface {
	ObserveRun(job, result string, seconds float64, items int64)
}

// SweepJobConfig configures SweepJob.
type SweepJobConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// AbandonAfter is how long an attempt may stay pending.
	AbandonAfter time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
	Logger  *slog.Logger
	// JobMetrics is optional.
	JobMetrics JobMetrics
}

// SweepJob periodically marks attempts stuck in pending as abandoned, e.g.
// when the process died between recording and finalizing an attempt.
type SweepJob struct {
	config SweepJobConfig
	ledger *Ledger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweepJob creates a sweep job over l.
func NewSweepJob(config SweepJobConfig, l *Ledger) *SweepJob {
	if config.Interval == 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.AbandonAfter == 0 {
		config.AbandonAfter = DefaultAbandonAfter
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultSweepTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SweepJob{
		config: config,
		ledger: l,
	}
}

// Start launches the job in a background goroutine. Calling Start on a
// running job is a no-op.
func (j *SweepJob) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop signals the job to stop and waits for it to finish.
func (j *SweepJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning reports whether the job is running.
func (j *SweepJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *SweepJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("attempt sweep job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("attempt sweep job stopping due to stop signal")
			return
		case <-ticker.C:
			j.SweepNow(ctx)
		}
	}
}

// SweepNow runs one sweep immediately and returns the number of attempts abandoned.
func (j *SweepJob) SweepNow(parent context.Context) int64 {
	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()

	start := time.Now()
	n, err := j.ledger.AbandonStale(ctx, j.config.AbandonAfter)
	duration := time.Since(start).Seconds()

	result := jobs.ResultOK
	if err != nil {
		result = jobs.ResultStorageError
		if ctx.Err() != nil {
			result = jobs.ResultTimeout
		}
		j.config.Logger.Error("attempt sweep failed", "result", result, "error", err)
	} else if n > 0 {
		j.config.Logger.Info("abandoned stale verification attempts",
			"abandoned", n,
			"older_than", j.config.AbandonAfter)
	}

	if j.config.JobMetrics != nil {
		j.config.JobMetrics.ObserveRun(jobs.JobAttemptSweep, result, duration, n)
	}
	return n
}
