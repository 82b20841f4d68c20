package biometric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Matcher verifies a live capture against one identity's enrolled embeddings.
// It never searches other identities.
type Matcher struct {
	extractor Extractor
	repo      EmbeddingRepository
	logger    *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(extractor Extractor, repo EmbeddingRepository, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		extractor: extractor,
		repo:      repo,
		logger:    logger,
	}
}

// HasEnrollment reports whether the identity has at least one enrolled embedding.
// It only reads storage.
func (m *Matcher) HasEnrollment(ctx context.Context, identityID string) (bool, error) {
	n, err := m.repo.CountByIdentity(ctx, identityID)
	if err != nil {
		return false, fmt.Errorf("failed to count enrolled embeddings: %w", err)
	}
	return n > 0, nil
}

// Match extracts one vector from image and returns the highest cosine
// similarity against the identity's embeddings.
//
// Errors:
//   - ErrNoEnrolledEmbeddings before any extraction is attempted
//   - ErrNoFace when the extractor finds no face
//   - ErrExtractorFailed when the extractor errors or returns an unusable vector
//   - ErrDimensionMismatch when no stored vector is comparable
func (m *Matcher) Match(ctx context.Context, image []byte, identityID string) (*MatchResult, error) {
	embeddings, err := m.repo.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrolled embeddings: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, ErrNoEnrolledEmbeddings
	}

	live, err := m.extractor.Extract(ctx, image)
	if err != nil {
		if errors.Is(err, ErrNoFace) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrExtractorFailed, err)
	}
	if err := ValidateVector(live); err != nil {
		return nil, fmt.Errorf("%w: unusable vector: %w", ErrExtractorFailed, err)
	}

	result := &MatchResult{BestSimilarity: -1}
	for _, e := range embeddings {
		if len(e.Vector) != len(live) {
			result.Skipped++
			m.logger.WarnContext(ctx, "skipping enrolled embedding with mismatched dimension",
				"embedding_id", e.ID,
				"identity_id", identityID,
				"stored_dim", len(e.Vector),
				"live_dim", len(live))
			continue
		}

		sim := CosineSimilarity(live, e.Vector)
		if result.Compared == 0 || sim > result.BestSimilarity {
			result.BestSimilarity = sim
			result.MatchedEmbeddingID = e.ID
		}
		result.Compared++
	}

	if result.Compared == 0 {
		return nil, ErrDimensionMismatch
	}

	m.logger.DebugContext(ctx, "embedding match computed",
		"identity_id", identityID,
		"best_similarity", result.BestSimilarity,
		"compared", result.Compared)

	return result, nil
}
