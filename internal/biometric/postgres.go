package biometric

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/onnwee/presence/internal/tracing"
)

// PostgresEmbeddingRepository implements EmbeddingRepository on the
// enrolled_embeddings table. Vectors are stored CBOR-encoded in a bytea column.
type PostgresEmbeddingRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresEmbeddingRepository creates a new PostgresEmbeddingRepository.
func NewPostgresEmbeddingRepository(db *sql.DB, logger *slog.Logger) *PostgresEmbeddingRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEmbeddingRepository{
		db:     db,
		logger: logger,
	}
}

// ListByIdentity returns the identity's embeddings. Rows whose vector cannot
// be decoded are skipped and logged.
func (r *PostgresEmbeddingRepository) ListByIdentity(ctx context.Context, identityID string) (embeddings []Embedding, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "enrolled_embeddings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, identity_id, vector, COALESCE(model, ''), created_at
		FROM enrolled_embeddings
		WHERE identity_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrolled embeddings: %w", err)
	}
	defer rows.Close()

	embeddings = []Embedding{}
	for rows.Next() {
		var (
			e   Embedding
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.IdentityID, &raw, &e.Model, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan enrolled embedding: %w", err)
		}
		vector, decodeErr := DecodeVector(raw)
		if decodeErr != nil {
			r.logger.WarnContext(ctx, "skipping unreadable enrolled embedding",
				"embedding_id", e.ID,
				"identity_id", e.IdentityID,
				"error", decodeErr)
			continue
		}
		e.Vector = vector
		embeddings = append(embeddings, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate enrolled embeddings: %w", err)
	}
	return embeddings, nil
}

// CountByIdentity counts the identity's enrolled embeddings.
func (r *PostgresEmbeddingRepository) CountByIdentity(ctx context.Context, identityID string) (count int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "enrolled_embeddings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT COUNT(*) FROM enrolled_embeddings WHERE identity_id = $1`
	if err = r.db.QueryRowContext(ctx, query, identityID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count enrolled embeddings: %w", err)
	}
	return count, nil
}

// Add inserts a new embedding.
func (r *PostgresEmbeddingRepository) Add(ctx context.Context, e *Embedding) (err error) {
	raw, err := EncodeVector(e.Vector)
	if err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "enrolled_embeddings", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO enrolled_embeddings (identity_id, vector, dimension, model)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	if err = r.db.QueryRowContext(ctx, query, e.IdentityID, raw, len(e.Vector), e.Model).Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert enrolled embedding: %w", err)
	}
	return nil
}
