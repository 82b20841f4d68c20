package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fptr(f float64) *float64 { return &f }

func bptr(b bool) *bool { return &b }

func acceptedOutcome() Outcome {
	return Outcome{
		Accepted: true,
		Scores: StageScores{
			NetworkAllowed:     bptr(true),
			NetworkScore:       fptr(0.4),
			LivenessPassed:     bptr(true),
			LivenessConfidence: fptr(0.9),
			MatchSimilarity:    fptr(0.75),
		},
	}
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger() (*Ledger, *InMemoryRepository, *fixedClock) {
	clock := &fixedClock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	repo := NewInMemoryRepository()
	return New(repo, DailyPeriod(time.UTC), WithClock(clock.Now)), repo, clock
}

func record(t *testing.T, l *Ledger, identityID string) string {
	t.Helper()
	id, err := l.RecordAttempt(context.Background(), &Attempt{IdentityID: identityID, NetworkName: "Office"})
	if err != nil {
		t.Fatalf("RecordAttempt() error: %v", err)
	}
	return id
}

func TestRecordAttempt(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	a := &Attempt{IdentityID: "u1"}
	id, err := l.RecordAttempt(ctx, a)
	if err != nil {
		t.Fatalf("RecordAttempt() error: %v", err)
	}
	if id == "" || a.ID != id {
		t.Errorf("RecordAttempt() id = %q, attempt.ID = %q", id, a.ID)
	}

	got, err := l.Attempt(ctx, id)
	if err != nil {
		t.Fatalf("Attempt() error: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.PeriodKey != "2026-10-17" {
		t.Errorf("PeriodKey = %q, want 2026-10-17", got.PeriodKey)
	}

	if _, err := l.RecordAttempt(ctx, &Attempt{}); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("RecordAttempt(no identity) = %v, want ErrMissingIdentity", err)
	}
}

func TestFinalize_AcceptedThenAlreadySatisfied(t *testing.T) {
	l, _, clock := newTestLedger()
	ctx := context.Background()

	first := record(t, l, "u1")
	res, err := l.Finalize(ctx, first, "u1", acceptedOutcome())
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res.Status != FinalizeRecorded || res.Event == nil {
		t.Fatalf("Finalize() = %+v, want recorded event", res)
	}
	if res.Event.MatchSimilarity != 0.75 || res.Event.AttemptID != first {
		t.Errorf("event = %+v, want similarity 0.75 linked to %s", res.Event, first)
	}

	clock.Advance(3 * time.Hour)
	second := record(t, l, "u1")
	res2, err := l.Finalize(ctx, second, "u1", acceptedOutcome())
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res2.Status != FinalizeAlreadySatisfied {
		t.Errorf("second Finalize().Status = %q, want already_satisfied", res2.Status)
	}
	if res2.Event == nil || res2.Event.ID != res.Event.ID {
		t.Errorf("second Finalize().Event = %+v, want existing event %s", res2.Event, res.Event.ID)
	}

	a, _ := l.Attempt(ctx, second)
	if a.Status != StatusAlreadySatisfied || a.EventID != res.Event.ID {
		t.Errorf("second attempt = %q/%q, want already_satisfied linked to %s", a.Status, a.EventID, res.Event.ID)
	}

	// Next day is a new period.
	clock.Advance(24 * time.Hour)
	third := record(t, l, "u1")
	res3, err := l.Finalize(ctx, third, "u1", acceptedOutcome())
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res3.Status != FinalizeRecorded {
		t.Errorf("next-day Finalize().Status = %q, want recorded", res3.Status)
	}
}

func TestFinalize_Rejected(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	id := record(t, l, "u1")
	res, err := l.Finalize(ctx, id, "u1", Outcome{Reason: "NetworkDenied", Detail: "network not on allow-list"})
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res.Status != FinalizeRejected || res.Event != nil {
		t.Errorf("Finalize() = %+v, want rejected without event", res)
	}

	a, _ := l.Attempt(ctx, id)
	if a.Status != StatusRejected || a.Reason != "NetworkDenied" || a.FinalizedAt == nil {
		t.Errorf("attempt = %+v, want finalized rejection", a)
	}

	sum, err := l.Summary(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if sum.Satisfied {
		t.Error("rejected attempt must not satisfy the period")
	}
}

func TestFinalize_Guards(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	id := record(t, l, "u1")

	if _, err := l.Finalize(ctx, id, "u2", acceptedOutcome()); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("Finalize(other identity) = %v, want ErrIdentityMismatch", err)
	}
	if _, err := l.Finalize(ctx, "missing", "u1", acceptedOutcome()); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("Finalize(missing) = %v, want ErrAttemptNotFound", err)
	}

	if _, err := l.Finalize(ctx, id, "u1", acceptedOutcome()); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if _, err := l.Finalize(ctx, id, "u1", acceptedOutcome()); !errors.Is(err, ErrAttemptFinalized) {
		t.Errorf("Finalize(twice) = %v, want ErrAttemptFinalized", err)
	}
}

func TestFinalize_CancelledContextWritesNothing(t *testing.T) {
	l, _, _ := newTestLedger()
	id := record(t, l, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Finalize(ctx, id, "u1", acceptedOutcome()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Finalize(cancelled) = %v, want context.Canceled", err)
	}

	bg := context.Background()
	if err := l.Abandon(bg, id, StageScores{}, "client cancelled"); err != nil {
		t.Fatalf("Abandon() error: %v", err)
	}
	a, _ := l.Attempt(bg, id)
	if a.Status != StatusAbandoned {
		t.Errorf("Status = %q, want abandoned", a.Status)
	}

	// Abandoned attempts are never promoted.
	if _, err := l.Finalize(bg, id, "u1", acceptedOutcome()); !errors.Is(err, ErrAttemptFinalized) {
		t.Errorf("Finalize(abandoned) = %v, want ErrAttemptFinalized", err)
	}
	sum, _ := l.Summary(bg, "u1", "")
	if sum.Satisfied {
		t.Error("abandoned attempt produced an event")
	}

	// Abandoning a terminal attempt is a no-op.
	if err := l.Abandon(bg, id, StageScores{}, "again"); err != nil {
		t.Errorf("Abandon(terminal) = %v, want nil", err)
	}
}

func TestFinalize_ConcurrentAcceptsYieldOneEvent(t *testing.T) {
	l, repo, _ := newTestLedger()
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	for i := range ids {
		ids[i] = record(t, l, "u1")
	}

	statuses := make([]FinalizeStatus, n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Finalize(ctx, ids[i], "u1", acceptedOutcome())
			if err != nil {
				t.Errorf("Finalize() error: %v", err)
				return
			}
			statuses[i] = res.Status
		}(i)
	}
	wg.Wait()

	recorded := 0
	for _, s := range statuses {
		switch s {
		case FinalizeRecorded:
			recorded++
		case FinalizeAlreadySatisfied:
		default:
			t.Errorf("unexpected status %q", s)
		}
	}
	if recorded != 1 {
		t.Errorf("recorded = %d, want exactly 1", recorded)
	}

	events, _ := repo.ListEvents(ctx, "u1", 0, 0)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestHistoryAndSummary(t *testing.T) {
	l, _, clock := newTestLedger()
	ctx := context.Background()

	rejected := record(t, l, "u1")
	if _, err := l.Finalize(ctx, rejected, "u1", Outcome{
		Reason: "IdentityMismatch",
		Scores: StageScores{LivenessPassed: bptr(true), MatchSimilarity: fptr(0.2)},
	}); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	clock.Advance(10 * time.Minute)
	accepted := record(t, l, "u1")
	if _, err := l.Finalize(ctx, accepted, "u1", acceptedOutcome()); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	record(t, l, "u2")

	hist, err := l.History(ctx, "u1", 0, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if hist.Limit != DefaultHistoryLimit {
		t.Errorf("Limit = %d, want %d", hist.Limit, DefaultHistoryLimit)
	}
	if len(hist.Events) != 1 || len(hist.Attempts) != 2 {
		t.Fatalf("History() = %d events/%d attempts, want 1/2", len(hist.Events), len(hist.Attempts))
	}
	if hist.Attempts[0].ID != accepted {
		t.Errorf("History() newest attempt = %s, want %s", hist.Attempts[0].ID, accepted)
	}

	capped, _ := l.History(ctx, "u1", 10_000, 0)
	if capped.Limit != MaxHistoryLimit {
		t.Errorf("Limit = %d, want capped %d", capped.Limit, MaxHistoryLimit)
	}
	paged, _ := l.History(ctx, "u1", 1, 1)
	if len(paged.Attempts) != 1 || paged.Attempts[0].ID != rejected {
		t.Errorf("History(limit=1, offset=1) attempts = %+v, want [%s]", paged.Attempts, rejected)
	}

	sum, err := l.Summary(ctx, "u1", "2026-10-17")
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if !sum.Satisfied || sum.Event == nil {
		t.Error("Summary().Satisfied = false, want true")
	}
	if sum.Attempts != 2 {
		t.Errorf("Summary().Attempts = %d, want 2", sum.Attempts)
	}
	if sum.Rejections["IdentityMismatch"] != 1 {
		t.Errorf("Summary().Rejections = %v, want IdentityMismatch:1", sum.Rejections)
	}
	if sum.LivenessPasses != 2 {
		t.Errorf("Summary().LivenessPasses = %d, want 2", sum.LivenessPasses)
	}
	if sum.AverageSimilarity == nil || *sum.AverageSimilarity < 0.474 || *sum.AverageSimilarity > 0.476 {
		t.Errorf("Summary().AverageSimilarity = %v, want 0.475", sum.AverageSimilarity)
	}
	if sum.FirstAttemptAt == nil || sum.LastAttemptAt == nil || !sum.LastAttemptAt.After(*sum.FirstAttemptAt) {
		t.Errorf("Summary() first/last = %v/%v", sum.FirstAttemptAt, sum.LastAttemptAt)
	}

	empty, err := l.Summary(ctx, "u1", "2026-01-01")
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if empty.Satisfied || empty.Attempts != 0 || empty.AverageSimilarity != nil {
		t.Errorf("Summary(empty period) = %+v", empty)
	}
}
