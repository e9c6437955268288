package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatus/internal/core"
)

// SQLiteStorage implements Storage on a SQLite database.
// Entries are stored with the brotli/xxhash codec.
type SQLiteStorage struct {
	db *sql.DB
}

type sqliteNamespace struct {
	db   *sql.DB
	name string
}

// NewSQLiteStorage wraps a database opened by storage.OpenSQLite.
// The connection is owned by the caller.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Namespace, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_namespaces (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", name, err)
	}
	return &sqliteNamespace{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cache_namespaces WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up namespace %s: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, name); err != nil {
		return false, fmt.Errorf("failed to delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_namespaces WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit namespace delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	return scanStrings(rows)
}

// Close is a no-op; the shared connection is closed by its owner.
func (s *SQLiteStorage) Close() error {
	return nil
}

func (n *sqliteNamespace) Name() string { return n.name }

func (n *sqliteNamespace) Match(ctx context.Context, key string) (*core.Response, error) {
	var data []byte
	err := n.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE namespace = ? AND key = ?`, n.name, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return decodeEntry(data)
}

func (n *sqliteNamespace) Put(ctx context.Context, key string, resp *core.Response) error {
	data, err := encodeEntry(resp)
	if err != nil {
		return err
	}
	_, err = n.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, entry, stored_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET entry = excluded.entry, stored_at = excluded.stored_at`,
		n.name, key, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (n *sqliteNamespace) Delete(ctx context.Context, key string) (bool, error) {
	res, err := n.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, n.name, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (n *sqliteNamespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE namespace = ? ORDER BY key`, n.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
