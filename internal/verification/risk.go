package verification

import (
	"context"
	"time"

	"github.com/onnwee/presence/internal/ledger"
)

// Risk flags.
const (
	RiskFlagRapidAttempts        = "rapid_attempts"
	RiskFlagSimilarityVariance   = "similarity_variance"
	RiskFlagSuccessAfterFailures = "success_after_failures"
)

// AttemptHistory supplies an identity's latest attempts, newest first.
type AttemptHistory interface {
	RecentAttempts(ctx context.Context, identityID string, limit int) ([]ledger.Attempt, error)
}

// RiskConfig tunes the temporal risk rules applied to matched attempts.
type RiskConfig struct {
	// Lookback is the number of recent attempts inspected.
	Lookback int

	// More than RapidAttempts within RapidWindow flags rapid_attempts.
	RapidWindow   time.Duration
	RapidAttempts int

	// At least VarianceMinAttempts scored attempts within Window whose
	// similarity variance exceeds MaxVariance flag similarity_variance when
	// the current similarity is below VarianceCeiling.
	Window              time.Duration
	VarianceMinAttempts int
	MaxVariance         float64
	VarianceCeiling     float64

	// At least FailureCount rejections within Window, the latest no older
	// than FailureRecency, flag success_after_failures when the current
	// similarity exceeds FailureSimilarity.
	FailureCount      int
	FailureRecency    time.Duration
	FailureSimilarity float64
}

// DefaultRiskConfig returns the default risk rules.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Lookback:            20,
		RapidWindow:         time.Hour,
		RapidAttempts:       10,
		Window:              24 * time.Hour,
		VarianceMinAttempts: 3,
		MaxVariance:         0.1,
		VarianceCeiling:     0.6,
		FailureCount:        3,
		FailureRecency:      10 * time.Minute,
		FailureSimilarity:   0.5,
	}
}

// AssessRisk grades the attempt pattern in recent for a match that scored
// similarity at now. The attempt currentID is excluded from recent.
func AssessRisk(now time.Time, recent []ledger.Attempt, currentID string, similarity float64, cfg RiskConfig) *ledger.Risk {
	var (
		rapid      int
		scores     []float64
		failures   int
		lastFailed time.Time
	)
	for _, a := range recent {
		if a.ID == currentID {
			continue
		}
		age := now.Sub(a.SubmittedAt)
		if age < 0 || age > cfg.Window {
			continue
		}
		if age <= cfg.RapidWindow {
			rapid++
		}
		if a.Scores.MatchSimilarity != nil {
			scores = append(scores, *a.Scores.MatchSimilarity)
		}
		if a.Status == ledger.StatusRejected {
			failures++
			if a.SubmittedAt.After(lastFailed) {
				lastFailed = a.SubmittedAt
			}
		}
	}

	risk := &ledger.Risk{Level: ledger.RiskLow}
	raise := func(level ledger.RiskLevel, flag string) {
		risk.Flags = append(risk.Flags, flag)
		if level == ledger.RiskHigh || risk.Level == ledger.RiskLow {
			risk.Level = level
		}
	}

	if rapid > cfg.RapidAttempts {
		raise(ledger.RiskHigh, RiskFlagRapidAttempts)
	}
	if len(scores) >= cfg.VarianceMinAttempts && variance(scores) > cfg.MaxVariance && similarity < cfg.VarianceCeiling {
		raise(ledger.RiskMedium, RiskFlagSimilarityVariance)
	}
	if failures >= cfg.FailureCount && similarity > cfg.FailureSimilarity && now.Sub(lastFailed) < cfg.FailureRecency {
		raise(ledger.RiskHigh, RiskFlagSuccessAfterFailures)
	}
	return risk
}

// variance is the population variance of xs.
func variance(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sum float64
	for _, x := range xs {
		sum += (x - mean) * (x - mean)
	}
	return sum / float64(len(xs))
}

// assessRisk annotates a matched attempt. Failures are logged and skipped.
func (o *Orchestrator) assessRisk(ctx context.Context, a *attempt) {
	if o.history == nil || a.result.Scores.Match == nil {
		return
	}
	recent, err := o.history.RecentAttempts(ctx, a.in.IdentityID, o.risk.Lookback)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to load attempts for risk analysis",
			"attempt_id", a.result.AttemptID,
			"error", err)
		return
	}

	risk := AssessRisk(a.in.SubmittedAt, recent, a.result.AttemptID, a.result.Scores.Match.Similarity, o.risk)
	a.result.Risk = risk
	if !risk.Flagged() {
		return
	}
	if o.metrics != nil {
		for _, flag := range risk.Flags {
			o.metrics.IncRiskFlag(flag)
		}
	}
	o.logger.WarnContext(ctx, "verification risk flagged",
		"attempt_id", a.result.AttemptID,
		"identity_id", a.in.IdentityID,
		"risk_level", string(risk.Level),
		"flags", risk.Flags)
}
