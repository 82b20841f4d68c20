package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/presence/internal/tracing"
)

// PostgresRepository implements Repository on the verification_attempts and
// attendance_events tables. The (identity_id, period_key) unique constraint
// on attendance_events backs RecordEvent.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const attemptColumns = `
	id, identity_id, submitted_at, period_key,
	COALESCE(network_name, ''), COALESCE(client_address, ''),
	status, COALESCE(reason, ''), COALESCE(detail, ''),
	network_allowed, network_score, liveness_passed, liveness_confidence,
	match_similarity, COALESCE(matched_embedding_id::text, ''),
	COALESCE(evidence_key, ''), COALESCE(event_id::text, ''),
	created_at, finalized_at,
	COALESCE(risk_level, ''), risk_flags
`

const eventColumns = `
	id, identity_id, period_key, attempt_id, recorded_at,
	match_similarity, liveness_confidence, network_score
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	a := &Attempt{}
	var (
		status    string
		riskLevel string
		riskFlags pq.StringArray
	)
	err := row.Scan(
		&a.ID, &a.IdentityID, &a.SubmittedAt, &a.PeriodKey,
		&a.NetworkName, &a.ClientAddress,
		&status, &a.Reason, &a.Detail,
		&a.Scores.NetworkAllowed, &a.Scores.NetworkScore, &a.Scores.LivenessPassed, &a.Scores.LivenessConfidence,
		&a.Scores.MatchSimilarity, &a.Scores.MatchedEmbeddingID,
		&a.EvidenceKey, &a.EventID,
		&a.CreatedAt, &a.FinalizedAt,
		&riskLevel, &riskFlags,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	if riskLevel != "" {
		a.Risk = &Risk{Level: RiskLevel(riskLevel), Flags: []string(riskFlags)}
	}
	return a, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	ev := &Event{}
	err := row.Scan(
		&ev.ID, &ev.IdentityID, &ev.PeriodKey, &ev.AttemptID, &ev.RecordedAt,
		&ev.MatchSimilarity, &ev.LivenessConfidence, &ev.NetworkScore,
	)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// CreateAttempt inserts a pending attempt.
func (r *PostgresRepository) CreateAttempt(ctx context.Context, a *Attempt) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_attempts", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO verification_attempts (
			id, identity_id, submitted_at, period_key,
			network_name, client_address, status, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`
	if _, err = r.db.ExecContext(ctx, query,
		a.ID, a.IdentityID, a.SubmittedAt, a.PeriodKey,
		a.NetworkName, a.ClientAddress, string(a.Status), a.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert verification attempt: %w", err)
	}
	return nil
}

// GetAttempt returns one attempt.
func (r *PostgresRepository) GetAttempt(ctx context.Context, id string) (a *Attempt, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_attempts", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + attemptColumns + ` FROM verification_attempts WHERE id = $1`
	a, err = scanAttempt(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification attempt: %w", err)
	}
	return a, nil
}

// CompleteAttempt finalizes a pending attempt without creating an event.
func (r *PostgresRepository) CompleteAttempt(ctx context.Context, c Completion) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_attempts", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err = lockPending(ctx, tx, c.AttemptID); err != nil {
		return err
	}
	if err = updateAttempt(ctx, tx, c, ""); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt completion: %w", err)
	}
	return nil
}

// RecordEvent conditionally inserts the event and finalizes the attempt in one transaction.
func (r *PostgresRepository) RecordEvent(ctx context.Context, c Completion, ev Event) (stored *Event, created bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err = lockPending(ctx, tx, c.AttemptID); err != nil {
		return nil, false, err
	}

	insert := `
		INSERT INTO attendance_events (
			id, identity_id, period_key, attempt_id, recorded_at,
			match_similarity, liveness_confidence, network_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity_id, period_key) DO NOTHING
		RETURNING ` + eventColumns

	stored, err = scanEvent(tx.QueryRowContext(ctx, insert,
		ev.ID, ev.IdentityID, ev.PeriodKey, ev.AttemptID, ev.RecordedAt,
		ev.MatchSimilarity, ev.LivenessConfidence, ev.NetworkScore,
	))
	switch {
	case err == nil:
		created = true
		c.Status = StatusAccepted
	case errors.Is(err, sql.ErrNoRows):
		// Another attempt holds the period. The conflicting row is committed
		// by the time ON CONFLICT returns, so a fresh statement sees it.
		existing := `SELECT ` + eventColumns + ` FROM attendance_events WHERE identity_id = $1 AND period_key = $2`
		stored, err = scanEvent(tx.QueryRowContext(ctx, existing, ev.IdentityID, ev.PeriodKey))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing attendance event: %w", err)
		}
		c.Status = StatusAlreadySatisfied
	default:
		return nil, false, fmt.Errorf("failed to insert attendance event: %w", err)
	}

	if err = updateAttempt(ctx, tx, c, stored.ID); err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit attendance event: %w", err)
	}
	return stored, created, nil
}

func lockPending(ctx context.Context, tx *sql.Tx, attemptID string) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM verification_attempts WHERE id = $1 FOR UPDATE`, attemptID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAttemptNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock verification attempt: %w", err)
	}
	if AttemptStatus(status).Terminal() {
		return ErrAttemptFinalized
	}
	return nil
}

func updateAttempt(ctx context.Context, tx *sql.Tx, c Completion, eventID string) error {
	query := `
		UPDATE verification_attempts SET
			status = $2,
			reason = NULLIF($3, ''),
			detail = NULLIF($4, ''),
			network_allowed = $5,
			network_score = $6,
			liveness_passed = $7,
			liveness_confidence = $8,
			match_similarity = $9,
			matched_embedding_id = NULLIF($10, '')::uuid,
			evidence_key = COALESCE(NULLIF($11, ''), evidence_key),
			event_id = NULLIF($12, '')::uuid,
			finalized_at = $13,
			risk_level = NULLIF($14, ''),
			risk_flags = $15
		WHERE id = $1 AND status = 'pending'
	`
	s := c.Scores
	var (
		riskLevel string
		riskFlags []string
	)
	if c.Risk != nil {
		riskLevel = string(c.Risk.Level)
		riskFlags = c.Risk.Flags
	}
	res, err := tx.ExecContext(ctx, query,
		c.AttemptID, string(c.Status), c.Reason, c.Detail,
		s.NetworkAllowed, s.NetworkScore, s.LivenessPassed, s.LivenessConfidence,
		s.MatchSimilarity, s.MatchedEmbeddingID,
		c.EvidenceKey, eventID, c.FinalizedAt,
		riskLevel, pq.Array(riskFlags),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize verification attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrAttemptFinalized
	}
	return nil
}

// GetEventByPeriod returns the identity's event for a period, or nil.
func (r *PostgresRepository) GetEventByPeriod(ctx context.Context, identityID, period string) (ev *Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + eventColumns + ` FROM attendance_events WHERE identity_id = $1 AND period_key = $2`
	ev, err = scanEvent(r.db.QueryRowContext(ctx, query, identityID, period))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance event: %w", err)
	}
	return ev, nil
}

// ListEvents pages the identity's events, newest first.
func (r *PostgresRepository) ListEvents(ctx context.Context, identityID string, limit, offset int) (events []Event, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + eventColumns + `
		FROM attendance_events
		WHERE identity_id = $1
		ORDER BY recorded_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, identityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance events: %w", err)
	}
	defer rows.Close()

	events = []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attendance events: %w", err)
	}
	return events, nil
}

// ListAttempts pages the identity's attempts, newest first.
func (r *PostgresRepository) ListAttempts(ctx context.Context, identityID string, limit, offset int) ([]Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM verification_attempts
		WHERE identity_id = $1
		ORDER BY submitted_at DESC, created_at DESC
		LIMIT $2 OFFSET $3`
	return r.queryAttempts(ctx, query, identityID, limit, offset)
}

// ListAttemptsByPeriod returns the identity's attempts in a period, oldest first.
func (r *PostgresRepository) ListAttemptsByPeriod(ctx context.Context, identityID, period string) ([]Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM verification_attempts
		WHERE identity_id = $1 AND period_key = $2
		ORDER BY submitted_at, created_at`
	return r.queryAttempts(ctx, query, identityID, period)
}

// ListPeriodAttempts pages every identity's attempts in a period, newest first.
func (r *PostgresRepository) ListPeriodAttempts(ctx context.Context, period string, limit, offset int) ([]Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM verification_attempts
		WHERE period_key = $1
		ORDER BY submitted_at DESC, created_at DESC
		LIMIT $2 OFFSET $3`
	return r.queryAttempts(ctx, query, period, limit, offset)
}

// PeriodTotals aggregates a period's attempts in one pass.
func (r *PostgresRepository) PeriodTotals(ctx context.Context, period string) (t *PeriodTotals, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_attempts", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT
			COUNT(*),
			COUNT(DISTINCT identity_id),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'accepted'),
			COUNT(*) FILTER (WHERE status = 'already_satisfied'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'abandoned'),
			COUNT(network_allowed),
			COUNT(*) FILTER (WHERE network_allowed),
			COUNT(match_similarity),
			COALESCE(SUM(match_similarity), 0),
			COUNT(*) FILTER (WHERE risk_level IN ('medium', 'high'))
		FROM verification_attempts
		WHERE period_key = $1
	`
	t = &PeriodTotals{}
	err = r.db.QueryRowContext(ctx, query, period).Scan(
		&t.Attempts, &t.Identities,
		&t.Pending, &t.Accepted, &t.AlreadySatisfied, &t.Rejected, &t.Abandoned,
		&t.NetworkChecked, &t.NetworkPassed,
		&t.Matched, &t.SimilaritySum,
		&t.Flagged,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate period attempts: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) queryAttempts(ctx context.Context, query string, args ...any) (attempts []Attempt, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_attempts", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification attempts: %w", err)
	}
	defer rows.Close()

	attempts = []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate verification attempts: %w", err)
	}
	return attempts, nil
}

// AbandonStale marks pending attempts created before cutoff as abandoned.
func (r *PostgresRepository) AbandonStale(ctx context.Context, cutoff, now time.Time) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "verification_attempts", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE verification_attempts
		SET status = 'abandoned',
		    reason = $2,
		    detail = 'attempt never reached a terminal state',
		    finalized_at = $3
		WHERE status = 'pending' AND created_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff, ReasonAbandoned, now)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale attempts: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
