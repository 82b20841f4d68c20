package network

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/presence/internal/tracing"
)

// PostgresPolicyRepository implements PolicyRepository on the network_policies table.
type PostgresPolicyRepository struct {
	db *sql.DB
}

// NewPostgresPolicyRepository creates a new PostgresPolicyRepository.
func NewPostgresPolicyRepository(db *sql.DB) *PostgresPolicyRepository {
	return &PostgresPolicyRepository{db: db}
}

// ListActive returns all active policies.
func (r *PostgresPolicyRepository) ListActive(ctx context.Context) (policies []Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "network_policies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, COALESCE(name_pattern, ''), COALESCE(address_range::text, ''),
		       COALESCE(description, ''), active, created_at, updated_at
		FROM network_policies
		WHERE active = TRUE
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query network policies: %w", err)
	}
	defer rows.Close()

	policies = []Policy{}
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.NamePattern, &p.AddressRange, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan network policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate network policies: %w", err)
	}
	return policies, nil
}

// Get returns a single policy by ID.
func (r *PostgresPolicyRepository) Get(ctx context.Context, id string) (p *Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "network_policies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, COALESCE(name_pattern, ''), COALESCE(address_range::text, ''),
		       COALESCE(description, ''), active, created_at, updated_at
		FROM network_policies
		WHERE id = $1
	`

	p = &Policy{}
	err = r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.NamePattern, &p.AddressRange, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network policy: %w", err)
	}
	return p, nil
}

// Save upserts the policy.
func (r *PostgresPolicyRepository) Save(ctx context.Context, policy Policy) (err error) {
	if err := policy.Validate(); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "network_policies", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO network_policies (id, name_pattern, address_range, description, active)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, '')::cidr, NULLIF($4, ''), $5)
		ON CONFLICT (id) DO UPDATE SET
			name_pattern = EXCLUDED.name_pattern,
			address_range = EXCLUDED.address_range,
			description = EXCLUDED.description,
			active = EXCLUDED.active,
			updated_at = NOW()
	`

	if _, err = r.db.ExecContext(ctx, query,
		policy.ID, policy.NamePattern, normalizeRange(policy.AddressRange), policy.Description, policy.Active,
	); err != nil {
		return fmt.Errorf("failed to save network policy: %w", err)
	}
	return nil
}

// normalizeRange converts a bare address into the host prefix Postgres's
// cidr type expects.
func normalizeRange(s string) string {
	if s == "" {
		return ""
	}
	prefix, err := parseRange(s)
	if err != nil {
		return s
	}
	return prefix.String()
}
