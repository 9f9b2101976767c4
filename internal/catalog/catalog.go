// Package catalog implements the PostgreSQL system of record for docsync:
// knowledge bases, sync runs, append-only file records, delta tokens, and
// multi-source definitions. The newest file record per original URI defines
// a file's current state; earlier records are history and are never updated
// or deleted.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// PostgreSQL driver via the pgx stdlib adapter.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Repository is the sole writer to the catalog database. All engine state
// transitions flow through it.
type Repository struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open connects to PostgreSQL, configures the connection pool, and runs any
// pending schema migrations. The pool bounds come from configuration; the
// maximum must exceed the processing worker count or workers serialize on
// catalog writes.
func Open(ctx context.Context, dsn string, minConns, maxConns int, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: connecting to database: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("catalog opened",
		slog.Int("min_conns", minConns),
		slog.Int("max_conns", maxConns),
	)

	return NewRepository(db, logger), nil
}

// NewRepository wraps an existing database handle. Used by Open and by tests
// that substitute a mock connection.
func NewRepository(db *sql.DB, logger *slog.Logger) *Repository {
	return &Repository{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
