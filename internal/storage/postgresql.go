package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS cache_namespaces (
		name TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL REFERENCES cache_namespaces (name) ON DELETE CASCADE,
		key TEXT NOT NULL,
		entry BYTEA NOT NULL,
		stored_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,
}

// OpenPostgreSQL creates a pool sized for many short cache reads and writes
// and bootstraps the cache tables.
func OpenPostgreSQL(ctx context.Context, cfg PostgreSQLConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("PostgreSQL URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	} else {
		poolCfg.MaxConns = 10
	}
	// Keep one connection warm so the first lookup after a quiet period
	// does not pay for a handshake.
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	timeout := cfg.StatementTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "chatus-edge"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create cache tables: %w", err)
		}
	}

	return &DB{typ: TypePostgreSQL, pool: pool}, nil
}
