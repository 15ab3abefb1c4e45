package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
)

var (
	// ErrStorageUnavailable marks datastore failures the orchestrator treats
	// as soft: affected query results zero-fill and gray-area cases route to
	// human review.
	ErrStorageUnavailable = errors.New("storage_unavailable")
	// ErrStorageTimeout marks queries that exceeded the per-query deadline.
	ErrStorageTimeout = errors.New("storage_timeout")
)

// Database wraps the PostgreSQL connection pool for the historical datastore.
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase creates a bounded connection pool (min/max per configuration).
func NewDatabase(cfg configs.DatabaseConfig) (*Database, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MinConns = int32(cfg.MinConns)
	config.MaxConns = int32(cfg.MaxConns)
	config.MaxConnLifetime = cfg.ConnMaxLifetime
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Historical datastore connection established")

	return &Database{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Info().Msg("Historical datastore connection closed")
	}
}

// HealthCheck pings the pool.
func (db *Database) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns pool statistics for the ops endpoint.
func (db *Database) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}

// classify maps a query error to one of the storage error kinds.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
