package network

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrPolicyNotFound is returned when a policy does not exist.
var ErrPolicyNotFound = errors.New("network policy not found")

// PolicyRepository stores network policies.
// Writes come from administrative tooling; the verification path only reads.
type PolicyRepository interface {
	PolicySource

	// Save creates or replaces a policy by ID.
	Save(ctx context.Context, policy Policy) error

	// Get returns a single policy by ID.
	Get(ctx context.Context, id string) (*Policy, error)
}

// InMemoryPolicyRepository implements PolicyRepository in memory.
// Thread-safe for concurrent access.
type InMemoryPolicyRepository struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewInMemoryPolicyRepository creates an empty in-memory repository.
func NewInMemoryPolicyRepository() *InMemoryPolicyRepository {
	return &InMemoryPolicyRepository{
		policies: make(map[string]Policy),
	}
}

// Save validates and stores the policy.
func (r *InMemoryPolicyRepository) Save(ctx context.Context, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.policies[policy.ID]; ok {
		policy.CreatedAt = existing.CreatedAt
	} else if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now
	r.policies[policy.ID] = policy
	return nil
}

// Get returns a copy of the policy with the given ID.
func (r *InMemoryPolicyRepository) Get(ctx context.Context, id string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return &p, nil
}

// ListActive returns copies of all active policies ordered by ID.
func (r *InMemoryPolicyRepository) ListActive(ctx context.Context) ([]Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
