// Package db provides database connection handling for Presence.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/onnwee/presence/internal/tracing"
	"github.com/onnwee/presence/migrations"
)

// ErrMissingURL is returned when no connection string is configured.
var ErrMissingURL = errors.New("database URL is required")

// Pool settings applied by Open.
const (
	MaxOpenConns    = 25
	MaxIdleConns    = 5
	ConnMaxLifetime = 30 * time.Minute
	PingTimeout     = 5 * time.Second
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	if url == "" {
		return nil, ErrMissingURL
	}

	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(MaxOpenConns)
	conn.SetMaxIdleConns(MaxIdleConns)
	conn.SetConnMaxLifetime(ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// Migrate applies every embedded up migration in order. Migrations are
// written to be idempotent, so running Migrate against an up-to-date
// schema is a no-op.
func Migrate(ctx context.Context, conn *sql.DB, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	names, err := migrations.Up()
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	for _, name := range names {
		raw, err := fs.ReadFile(migrations.FS(), name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := conn.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		logger.InfoContext(ctx, "applied migration", "name", name)
	}
	return nil
}
