// Package storage provides the PostgreSQL persistence layer for Shiai.
//
// It manages connection pooling via pgxpool, a simple forward-only
// migration runner, and the work_orders table with status-guarded
// transition updates.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Default read-retry policy. Reads are retried on transient Postgres
// failures; writes during terminal transitions are surfaced to the caller.
const (
	defaultReadRetries  = 3
	defaultReadBaseWait = 50 * time.Millisecond
)

// DB wraps a pgxpool.Pool and the read-retry policy.
type DB struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	readRetries int
	readBackoff time.Duration
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:        pool,
		logger:      logger,
		readRetries: defaultReadRetries,
		readBackoff: defaultReadBaseWait,
	}, nil
}

// SetReadRetryPolicy overrides the bounded-backoff retry policy for reads.
func (db *DB) SetReadRetryPolicy(retries int, baseWait time.Duration) {
	db.readRetries = retries
	db.readBackoff = baseWait
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
