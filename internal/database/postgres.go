// Package database provides PostgreSQL database connectivity and operations
// for Ferrum Gateway's Database distribution mode and Control Plane.
//
// This package handles:
//   - Database connection pool management
//   - Health checks and connection verification
//   - Graceful shutdown
//
// Connecting is not retried: NewDB pings once and returns the error.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// DB wraps the sql.DB connection pool and provides additional functionality.
type DB struct {
	pool *sql.DB
	dsn  string
}

// Config holds database connection configuration, populated from
// config.EnvConfig's DB_* fields rather than its own envconfig tags:
// the full 12-factor surface is owned by internal/config.
type Config struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// NewDB creates a new database connection pool with the provided configuration.
//
// It establishes a connection, configures the pool, and verifies connectivity.
// Returns an error if connection fails or ping times out.
func NewDB(cfg Config) (*DB, error) {
	log.Info().
		Str("component", "database").
		Msg("connecting to postgres")

	pool, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	db := &DB{
		pool: pool,
		dsn:  cfg.DSN,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("component", "database").
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Dur("conn_max_lifetime", cfg.ConnMaxLifetime).
		Msg("database connection established")

	return db, nil
}

// Pool returns the underlying *sql.DB connection pool.
func (db *DB) Pool() *sql.DB {
	return db.pool
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Stats returns database connection pool statistics.
func (db *DB) Stats() sql.DBStats {
	return db.pool.Stats()
}

// Health checks the database health and returns status information,
// consumed by internal/health for the Distribution Plane connectivity
// check (§4.E resilience contract).
func (db *DB) Health(ctx context.Context) map[string]interface{} {
	health := make(map[string]interface{})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health
	}

	stats := db.Stats()

	health["status"] = "healthy"
	health["open_connections"] = stats.OpenConnections
	health["in_use"] = stats.InUse
	health["idle"] = stats.Idle
	health["wait_count"] = stats.WaitCount
	health["wait_duration_ms"] = stats.WaitDuration.Milliseconds()
	health["max_idle_closed"] = stats.MaxIdleClosed
	health["max_lifetime_closed"] = stats.MaxLifetimeClosed

	return health
}

// Close gracefully closes the database connection pool.
func (db *DB) Close() error {
	log.Info().Str("component", "database").Msg("closing database connection pool")

	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("failed to close database pool: %w", err)
	}
	return nil
}
