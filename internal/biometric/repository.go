package biometric

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EmbeddingRepository reads enrolled embeddings.
// Add exists for enrollment tooling and tests; verification only reads.
type EmbeddingRepository interface {
	// ListByIdentity returns every usable embedding of one identity, oldest first.
	ListByIdentity(ctx context.Context, identityID string) ([]Embedding, error)

	// CountByIdentity returns how many embeddings the identity has enrolled.
	CountByIdentity(ctx context.Context, identityID string) (int, error)

	// Add stores a new embedding, assigning ID and CreatedAt when unset.
	Add(ctx context.Context, e *Embedding) error
}

// InMemoryEmbeddingRepository implements EmbeddingRepository in memory.
// Thread-safe for concurrent access.
type InMemoryEmbeddingRepository struct {
	mu         sync.RWMutex
	byIdentity map[string][]Embedding
}

// NewInMemoryEmbeddingRepository creates an empty repository.
func NewInMemoryEmbeddingRepository() *InMemoryEmbeddingRepository {
	return &InMemoryEmbeddingRepository{
		byIdentity: make(map[string][]Embedding),
	}
}

// Add validates and stores a copy of e.
func (r *InMemoryEmbeddingRepository) Add(ctx context.Context, e *Embedding) error {
	if err := ValidateVector(e.Vector); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	stored := *e
	stored.Vector = append([]float32(nil), e.Vector...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIdentity[e.IdentityID] = append(r.byIdentity[e.IdentityID], stored)
	return nil
}

// ListByIdentity returns deep copies of the identity's embeddings.
func (r *InMemoryEmbeddingRepository) ListByIdentity(ctx context.Context, identityID string) ([]Embedding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.byIdentity[identityID]
	out := make([]Embedding, len(src))
	for i, e := range src {
		out[i] = e
		out[i].Vector = append([]float32(nil), e.Vector...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountByIdentity returns the number of stored embeddings for the identity.
func (r *InMemoryEmbeddingRepository) CountByIdentity(ctx context.Context, identityID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]), nil
}
