package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ReasonAbandoned marks attempts that were cancelled or never finished.
const ReasonAbandoned = "Abandoned"

// Paging bounds for History.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Ledger is the durable record of verification attempts and attendance events.
type Ledger struct {
	repo   Repository
	period Period
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over repo using period to bucket events.
func New(repo Repository, period Period, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		period: period,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PeriodKey returns the period containing t.
func (l *Ledger) PeriodKey(t time.Time) string {
	return l.period.Key(t)
}

// RecordAttempt writes a pending audit record and returns its ID.
// ID, SubmittedAt and PeriodKey are filled in when unset.
func (l *Ledger) RecordAttempt(ctx context.Context, a *Attempt) (string, error) {
	if a.IdentityID == "" {
		return "", ErrMissingIdentity
	}

	now := l.now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.SubmittedAt.IsZero() {
		a.SubmittedAt = now
	}
	if a.PeriodKey == "" {
		a.PeriodKey = l.period.Key(a.SubmittedAt)
	}
	a.Status = StatusPending
	a.CreatedAt = now
	a.FinalizedAt = nil

	if err := l.repo.CreateAttempt(ctx, a); err != nil {
		return "", fmt.Errorf("failed to record attempt: %w", err)
	}
	return a.ID, nil
}

// Finalize moves a pending attempt to its terminal state.
//
// Accepted outcomes insert an AttendanceEvent unless the identity already has
// one for the attempt's period, in which case the status is
// FinalizeAlreadySatisfied. A cancelled ctx is reported before anything is
// written, so a cancelled invocation never produces an event.
func (l *Ledger) Finalize(ctx context.Context, attemptID, identityID string, outcome Outcome) (*FinalizeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attempt, err := l.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IdentityID != identityID {
		return nil, ErrIdentityMismatch
	}
	if attempt.Status.Terminal() {
		return nil, ErrAttemptFinalized
	}

	completion := Completion{
		AttemptID:   attemptID,
		Reason:      outcome.Reason,
		Detail:      outcome.Detail,
		Scores:      outcome.Scores,
		Risk:        outcome.Risk,
		EvidenceKey: outcome.EvidenceKey,
		FinalizedAt: l.now(),
	}

	if !outcome.Accepted {
		completion.Status = StatusRejected
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.repo.CompleteAttempt(ctx, completion); err != nil {
			return nil, fmt.Errorf("failed to finalize rejected attempt: %w", err)
		}
		return &FinalizeResult{Status: FinalizeRejected}, nil
	}

	ev := Event{
		ID:                 uuid.New().String(),
		IdentityID:         identityID,
		PeriodKey:          attempt.PeriodKey,
		AttemptID:          attemptID,
		RecordedAt:         completion.FinalizedAt,
		MatchSimilarity:    deref(outcome.Scores.MatchSimilarity),
		LivenessConfidence: deref(outcome.Scores.LivenessConfidence),
		NetworkScore:       deref(outcome.Scores.NetworkScore),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, created, err := l.repo.RecordEvent(ctx, completion, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to record attendance event: %w", err)
	}

	if !created {
		l.logger.InfoContext(ctx, "attendance already satisfied for period",
			"attempt_id", attemptID,
			"identity_id", identityID,
			"period_key", attempt.PeriodKey,
			"event_id", stored.ID)
		return &FinalizeResult{Status: FinalizeAlreadySatisfied, Event: stored}, nil
	}

	l.logger.InfoContext(ctx, "attendance recorded",
		"attempt_id", attemptID,
		"identity_id", identityID,
		"period_key", attempt.PeriodKey,
		"event_id", stored.ID)
	return &FinalizeResult{Status: FinalizeRecorded, Event: stored}, nil
}

// Abandon marks a pending attempt as abandoned. Callers on a cancelled
// request should pass a context detached from the request.
// Attempts already terminal are left untouched.
func (l *Ledger) Abandon(ctx context.Context, attemptID string, scores StageScores, detail string) error {
	err := l.repo.CompleteAttempt(ctx, Completion{
		AttemptID:   attemptID,
		Status:      StatusAbandoned,
		Reason:      ReasonAbandoned,
		Detail:      detail,
		Scores:      scores,
		FinalizedAt: l.now(),
	})
	if errors.Is(err, ErrAttemptFinalized) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to abandon attempt: %w", err)
	}
	return nil
}

// Attempt returns a single attempt.
func (l *Ledger) Attempt(ctx context.Context, id string) (*Attempt, error) {
	return l.repo.GetAttempt(ctx, id)
}

// History pages an identity's events and attempts, newest first.
func (l *Ledger) History(ctx context.Context, identityID string, limit, offset int) (*History, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	events, err := l.repo.ListEvents(ctx, identityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance events: %w", err)
	}
	attempts, err := l.repo.ListAttempts(ctx, identityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification attempts: %w", err)
	}

	return &History{
		IdentityID: identityID,
		Events:     events,
		Attempts:   attempts,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// Summary aggregates an identity's activity in one period. An empty
// periodKey selects the current period.
func (l *Ledger) Summary(ctx context.Context, identityID, periodKey string) (*PeriodSummary, error) {
	if periodKey == "" {
		periodKey = l.period.Key(l.now())
	}

	ev, err := l.repo.GetEventByPeriod(ctx, identityID, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance event: %w", err)
	}
	attempts, err := l.repo.ListAttemptsByPeriod(ctx, identityID, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification attempts: %w", err)
	}

	summary := &PeriodSummary{
		IdentityID: identityID,
		PeriodKey:  periodKey,
		Satisfied:  ev != nil,
		Event:      ev,
		Attempts:   len(attempts),
		Rejections: map[string]int{},
	}

	var simSum float64
	var simCount int
	for i := range attempts {
		a := attempts[i]
		if summary.FirstAttemptAt == nil || a.SubmittedAt.Before(*summary.FirstAttemptAt) {
			t := a.SubmittedAt
			summary.FirstAttemptAt = &t
		}
		if summary.LastAttemptAt == nil || a.SubmittedAt.After(*summary.LastAttemptAt) {
			t := a.SubmittedAt
			summary.LastAttemptAt = &t
		}
		if a.Status == StatusRejected {
			summary.Rejections[a.Reason]++
		}
		if a.Scores.MatchSimilarity != nil {
			simSum += *a.Scores.MatchSimilarity
			simCount++
		}
		if a.Scores.LivenessPassed != nil && *a.Scores.LivenessPassed {
			summary.LivenessPasses++
		}
	}
	if simCount > 0 {
		avg := simSum / float64(simCount)
		summary.AverageSimilarity = &avg
	}

	return summary, nil
}

// RecentAttempts returns up to limit of an identity's latest attempts,
// newest first.
func (l *Ledger) RecentAttempts(ctx context.Context, identityID string, limit int) ([]Attempt, error) {
	attempts, err := l.repo.ListAttempts(ctx, identityID, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent attempts: %w", err)
	}
	return attempts, nil
}

// PeriodReport aggregates all identities' attempts in one period and pages
// through the attempt log. An empty periodKey selects the current period.
func (l *Ledger) PeriodReport(ctx context.Context, periodKey string, limit, offset int) (*PeriodReport, error) {
	if periodKey == "" {
		periodKey = l.period.Key(l.now())
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	totals, err := l.repo.PeriodTotals(ctx, periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate period: %w", err)
	}
	log, err := l.repo.ListPeriodAttempts(ctx, periodKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list period attempts: %w", err)
	}

	report := &PeriodReport{
		PeriodKey:  periodKey,
		Attempts:   totals.Attempts,
		Identities: totals.Identities,
		Events:     totals.Accepted,
		Outcomes: map[string]int{
			string(StatusPending):          totals.Pending,
			string(StatusAccepted):         totals.Accepted,
			string(StatusAlreadySatisfied): totals.AlreadySatisfied,
			string(StatusRejected):         totals.Rejected,
			string(StatusAbandoned):        totals.Abandoned,
		},
		FlaggedAttempts: totals.Flagged,
		Log:             log,
		Limit:           limit,
		Offset:          offset,
	}
	// Success is measured over decided attempts; pending and abandoned
	// attempts never reached a verdict.
	if decided := totals.Accepted + totals.AlreadySatisfied + totals.Rejected; decided > 0 {
		report.VerificationSuccessRate = float64(totals.Accepted+totals.AlreadySatisfied) / float64(decided)
	}
	if totals.NetworkChecked > 0 {
		report.NetworkPassRate = float64(totals.NetworkPassed) / float64(totals.NetworkChecked)
	}
	if totals.Matched > 0 {
		avg := totals.SimilaritySum / float64(totals.Matched)
		report.AverageSimilarity = &avg
	}
	return report, nil
}

// AbandonStale marks attempts still pending after maxAge as abandoned.
func (l *Ledger) AbandonStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := l.now()
	n, err := l.repo.AbandonStale(ctx, now.Add(-maxAge), now)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale attempts: %w", err)
	}
	return n, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
