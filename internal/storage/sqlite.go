package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS cache_namespaces (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		entry BLOB NOT NULL,
		stored_at DATETIME NOT NULL,
		PRIMARY KEY (namespace, key)
	) WITHOUT ROWID`,
}

// sqliteDSN builds the modernc DSN: WAL so page lookups never wait on a
// background revalidation write, and a busy timeout for the writers.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens (creating if needed) the cache database file and its tables.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = ".cache/chatus-edge.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Cache writes come from request handlers and background revalidation
	// at the same time; a single connection serializes them.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create cache tables: %w", err)
		}
	}

	return &DB{typ: TypeSQLite, sqlite: db}, nil
}
