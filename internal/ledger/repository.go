package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists attempts and events.
//
// RecordEvent is the only operation with a uniqueness guarantee: it must be a
// single conditional write keyed by (identity, period).
type Repository interface {
	// CreateAttempt stores a new pending attempt.
	CreateAttempt(ctx context.Context, a *Attempt) error

	// GetAttempt returns one attempt.
	GetAttempt(ctx context.Context, id string) (*Attempt, error)

	// CompleteAttempt applies a non-accepting terminal transition.
	// Returns ErrAttemptFinalized if the attempt is no longer pending.
	CompleteAttempt(ctx context.Context, c Completion) error

	// RecordEvent inserts ev unless the identity already has an event in
	// ev.PeriodKey, and finalizes the attempt as accepted or already
	// satisfied in the same unit of work. It returns the stored event and
	// whether it was newly created.
	RecordEvent(ctx context.Context, c Completion, ev Event) (*Event, bool, error)

	// GetEventByPeriod returns the identity's event for a period, or nil.
	GetEventByPeriod(ctx context.Context, identityID, periodKey string) (*Event, error)

	// ListEvents pages an identity's events, newest first.
	ListEvents(ctx context.Context, identityID string, limit, offset int) ([]Event, error)

	// ListAttempts pages an identity's attempts, newest first.
	ListAttempts(ctx context.Context, identityID string, limit, offset int) ([]Attempt, error)

	// ListAttemptsByPeriod returns all of an identity's attempts in a period, oldest first.
	ListAttemptsByPeriod(ctx context.Context, identityID, periodKey string) ([]Attempt, error)

	// ListPeriodAttempts pages every identity's attempts in a period, newest first.
	ListPeriodAttempts(ctx context.Context, periodKey string, limit, offset int) ([]Attempt, error)

	// PeriodTotals counts every identity's attempts in a period.
	PeriodTotals(ctx context.Context, periodKey string) (*PeriodTotals, error)

	// AbandonStale marks pending attempts created before cutoff as abandoned,
	// stamping them finalized at now.
	AbandonStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type periodKey struct {
	identityID string
	period     string
}

// InMemoryRepository implements Repository in memory.
// A single mutex serializes writes, which makes RecordEvent's
// check-and-insert atomic.
type InMemoryRepository struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
	events   map[periodKey]*Event
	order    []string // attempt IDs in creation order
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		attempts: make(map[string]*Attempt),
		events:   make(map[periodKey]*Event),
	}
}

// CreateAttempt stores a copy of a.
func (r *InMemoryRepository) CreateAttempt(ctx context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *a
	r.attempts[a.ID] = &stored
	r.order = append(r.order, a.ID)
	return nil
}

// GetAttempt returns a copy of the attempt.
func (r *InMemoryRepository) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	out := copyAttempt(a)
	return &out, nil
}

// CompleteAttempt finalizes a pending attempt.
func (r *InMemoryRepository) CompleteAttempt(ctx context.Context, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.pendingLocked(c.AttemptID)
	if err != nil {
		return err
	}
	applyCompletion(a, c)
	return nil
}

// RecordEvent inserts the event if the period is free and finalizes the attempt.
func (r *InMemoryRepository) RecordEvent(ctx context.Context, c Completion, ev Event) (*Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.pendingLocked(c.AttemptID)
	if err != nil {
		return nil, false, err
	}

	key := periodKey{identityID: ev.IdentityID, period: ev.PeriodKey}
	if existing, ok := r.events[key]; ok {
		c.Status = StatusAlreadySatisfied
		applyCompletion(a, c)
		a.EventID = existing.ID
		out := *existing
		return &out, false, nil
	}

	stored := ev
	r.events[key] = &stored
	c.Status = StatusAccepted
	applyCompletion(a, c)
	a.EventID = ev.ID
	return &ev, true, nil
}

// GetEventByPeriod returns the identity's event for the period, or nil.
func (r *InMemoryRepository) GetEventByPeriod(ctx context.Context, identityID, period string) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev, ok := r.events[periodKey{identityID: identityID, period: period}]
	if !ok {
		return nil, nil
	}
	out := *ev
	return &out, nil
}

// ListEvents pages the identity's events, newest first.
func (r *InMemoryRepository) ListEvents(ctx context.Context, identityID string, limit, offset int) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := []Event{}
	for k, ev := range r.events {
		if k.identityID == identityID {
			events = append(events, *ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].RecordedAt.After(events[j].RecordedAt) })
	return page(events, limit, offset), nil
}

// ListAttempts pages the identity's attempts, newest first.
func (r *InMemoryRepository) ListAttempts(ctx context.Context, identityID string, limit, offset int) ([]Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempts := []Attempt{}
	for i := len(r.order) - 1; i >= 0; i-- {
		a := r.attempts[r.order[i]]
		if a.IdentityID == identityID {
			attempts = append(attempts, copyAttempt(a))
		}
	}
	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].SubmittedAt.After(attempts[j].SubmittedAt) })
	return page(attempts, limit, offset), nil
}

// ListAttemptsByPeriod returns the identity's attempts in the period, oldest first.
func (r *InMemoryRepository) ListAttemptsByPeriod(ctx context.Context, identityID, period string) ([]Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempts := []Attempt{}
	for _, id := range r.order {
		a := r.attempts[id]
		if a.IdentityID == identityID && a.PeriodKey == period {
			attempts = append(attempts, copyAttempt(a))
		}
	}
	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].SubmittedAt.Before(attempts[j].SubmittedAt) })
	return attempts, nil
}

// ListPeriodAttempts pages all attempts in the period, newest first.
func (r *InMemoryRepository) ListPeriodAttempts(ctx context.Context, period string, limit, offset int) ([]Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempts := []Attempt{}
	for i := len(r.order) - 1; i >= 0; i-- {
		a := r.attempts[r.order[i]]
		if a.PeriodKey == period {
			attempts = append(attempts, copyAttempt(a))
		}
	}
	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].SubmittedAt.After(attempts[j].SubmittedAt) })
	return page(attempts, limit, offset), nil
}

// PeriodTotals counts all attempts in the period.
func (r *InMemoryRepository) PeriodTotals(ctx context.Context, period string) (*PeriodTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := &PeriodTotals{}
	identities := make(map[string]struct{})
	for _, a := range r.attempts {
		if a.PeriodKey != period {
			continue
		}
		totals.Attempts++
		identities[a.IdentityID] = struct{}{}
		switch a.Status {
		case StatusPending:
			totals.Pending++
		case StatusAccepted:
			totals.Accepted++
		case StatusAlreadySatisfied:
			totals.AlreadySatisfied++
		case StatusRejected:
			totals.Rejected++
		case StatusAbandoned:
			totals.Abandoned++
		}
		if a.Scores.NetworkAllowed != nil {
			totals.NetworkChecked++
			if *a.Scores.NetworkAllowed {
				totals.NetworkPassed++
			}
		}
		if a.Scores.MatchSimilarity != nil {
			totals.Matched++
			totals.SimilaritySum += *a.Scores.MatchSimilarity
		}
		if a.Risk.Flagged() {
			totals.Flagged++
		}
	}
	totals.Identities = len(identities)
	return totals, nil
}

// AbandonStale marks old pending attempts as abandoned.
func (r *InMemoryRepository) AbandonStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, a := range r.attempts {
		if a.Status == StatusPending && a.CreatedAt.Before(cutoff) {
			applyCompletion(a, Completion{
				Status:      StatusAbandoned,
				Reason:      ReasonAbandoned,
				Detail:      "attempt never reached a terminal state",
				FinalizedAt: now,
			})
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) pendingLocked(id string) (*Attempt, error) {
	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	if a.Status.Terminal() {
		return nil, ErrAttemptFinalized
	}
	return a, nil
}

func copyAttempt(a *Attempt) Attempt {
	out := *a
	out.Risk = a.Risk.clone()
	return out
}

func applyCompletion(a *Attempt, c Completion) {
	a.Status = c.Status
	a.Reason = c.Reason
	a.Detail = c.Detail
	a.Scores = c.Scores
	a.Risk = c.Risk.clone()
	if c.EvidenceKey != "" {
		a.EvidenceKey = c.EvidenceKey
	}
	finalized := c.FinalizedAt
	a.FinalizedAt = &finalized
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
