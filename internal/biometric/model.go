// Package biometric performs 1:1 face verification of a live capture against
// the claimed identity's enrolled embeddings.
package biometric

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoFace is returned when the extractor finds no usable face region.
	// It is distinct from a face that was found but does not match.
	ErrNoFace = errors.New("no usable face region found")

	// ErrNoEnrolledEmbeddings is returned when the identity has nothing to compare against.
	ErrNoEnrolledEmbeddings = errors.New("identity has no enrolled embeddings")

	// ErrDimensionMismatch is returned when no enrolled embedding shares the live vector's dimension.
	ErrDimensionMismatch = errors.New("no enrolled embedding is comparable with the live vector")

	// ErrInvalidVector is returned for empty, non-finite or zero-norm vectors.
	ErrInvalidVector = errors.New("invalid embedding vector")

	// ErrExtractorFailed wraps failures of the extraction capability itself.
	ErrExtractorFailed = errors.New("embedding extractor failed")
)

// Embedding is one enrolled biometric reference vector. Immutable once created.
type Embedding struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Vector     []float32 `json:"-"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MatchResult is the raw outcome of comparing a live capture with one identity.
// Interpreting the similarity is left to the caller.
type MatchResult struct {
	BestSimilarity     float64 `json:"best_similarity"`
	MatchedEmbeddingID string  `json:"matched_embedding_id"`
	Compared           int     `json:"compared"`
	Skipped            int     `json:"skipped,omitempty"`
}

// Extractor turns one face image into one fixed-dimension vector.
// It returns ErrNoFace (possibly wrapped) when no face is present.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}
