package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatus/internal/core"
)

// PostgreSQLStorage implements Storage on PostgreSQL.
type PostgreSQLStorage struct {
	pool *pgxpool.Pool
}

type postgresNamespace struct {
	pool *pgxpool.Pool
	name string
}

// NewPostgreSQLStorage wraps a pool opened by storage.OpenPostgreSQL.
func NewPostgreSQLStorage(pool *pgxpool.Pool) (*PostgreSQLStorage, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return &PostgreSQLStorage{pool: pool}, nil
}

func (s *PostgreSQLStorage) Open(ctx context.Context, name string) (Namespace, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_namespaces (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", name, err)
	}
	return &postgresNamespace{pool: s.pool, name: name}, nil
}

func (s *PostgreSQLStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cache_namespaces WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up namespace %s: %w", name, err)
	}
	return exists, nil
}

func (s *PostgreSQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM cache_entries WHERE namespace = $1`, name); err != nil {
			return fmt.Errorf("failed to delete entries of %s: %w", name, err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM cache_namespaces WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("failed to delete namespace %s: %w", name, err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *PostgreSQLStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM cache_namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan namespaces: %w", err)
	}
	return names, nil
}

// Close is a no-op; the shared pool is closed by its owner.
func (s *PostgreSQLStorage) Close() error {
	return nil
}

func (n *postgresNamespace) Name() string { return n.name }

func (n *postgresNamespace) Match(ctx context.Context, key string) (*core.Response, error) {
	var data []byte
	err := n.pool.QueryRow(ctx,
		`SELECT entry FROM cache_entries WHERE namespace = $1 AND key = $2`, n.name, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return decodeEntry(data)
}

func (n *postgresNamespace) Put(ctx context.Context, key string, resp *core.Response) error {
	data, err := encodeEntry(resp)
	if err != nil {
		return err
	}
	_, err = n.pool.Exec(ctx, `
		INSERT INTO cache_entries (namespace, key, entry, stored_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET entry = EXCLUDED.entry, stored_at = EXCLUDED.stored_at`,
		n.name, key, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (n *postgresNamespace) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := n.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE namespace = $1 AND key = $2`, n.name, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (n *postgresNamespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.pool.Query(ctx,
		`SELECT key FROM cache_entries WHERE namespace = $1 ORDER BY key`, n.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entries: %w", err)
	}
	return keys, nil
}
