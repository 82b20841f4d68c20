package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
// Suitable for a single replica.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
	now     func() time.Time
}

type recordKey struct {
	scope string
	key   string
}

// NewInMemoryRepository creates a new in-memory idempotency repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[recordKey]*Record),
		now:     time.Now,
	}
}

// Get retrieves the record stored for key in scope.
func (r *InMemoryRepository) Get(ctx context.Context, scope, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[recordKey{scope, key}]
	if !ok {
		return nil, ErrKeyNotFound
	}

	// Return a copy to prevent external mutation
	copied := *record
	return &copied, nil
}

// Store saves a new record.
func (r *InMemoryRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := recordKey{record.Scope, record.Key}
	if _, exists := r.records[k]; exists {
		return ErrKeyExists
	}

	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.records[k] = &stored
	return nil
}

// DeleteOlderThan removes records created more than age ago.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-age)
	var deleted int64
	for k, record := range r.records {
		if record.CreatedAt.Before(cutoff) {
			delete(r.records, k)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored records.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
