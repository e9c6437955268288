package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpenSQLiteCreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "edge.db")

	db, err := OpenSQLite(context.Background(), SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("failed to open SQLite storage: %v", err)
	}
	defer db.Close()

	if db.Type() != TypeSQLite {
		t.Errorf("Type() = %q, want %q", db.Type(), TypeSQLite)
	}
	if db.PostgreSQL() != nil || db.MongoDB() != nil {
		t.Error("sqlite storage must not expose other backends")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file was not created: %v", err)
	}

	for _, table := range []string{NamespacesTable, EntriesTable} {
		var name string
		err := db.SQLite().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.db")
	ctx := context.Background()

	first, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err = first.SQLite().Exec(`INSERT INTO cache_namespaces (name, created_at) VALUES (?, ?)`,
		"chatus-static-v1.0.0", time.Now().UTC())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	var count int
	if err := second.SQLite().QueryRow(`SELECT COUNT(*) FROM cache_namespaces`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("namespaces after reopen = %d, want 1", count)
	}
}

func TestOpenSQLiteUsesWAL(t *testing.T) {
	db, err := OpenSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "edge.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.SQLite().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

// Request handlers and background revalidation write cache entries at the
// same time; the single-connection pool must serialize them without
// SQLITE_BUSY errors.
func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := OpenSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLite()

	const goroutines = 10
	const writesPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*writesPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			namespace := "chatus-static-v1.0.0"
			if id%2 == 1 {
				namespace = "chatus-dynamic-v1.0.0"
			}
			for j := 0; j < writesPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx,
					`INSERT INTO cache_entries (namespace, key, entry, stored_at) VALUES (?, ?, ?, ?)
					 ON CONFLICT (namespace, key) DO UPDATE SET entry = excluded.entry`,
					namespace, fmt.Sprintf("/asset/%d/%d", id, j), []byte("payload"), time.Now().UTC())
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d write %d into %s: %w", id, j, namespace, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != goroutines*writesPerGoroutine {
		t.Errorf("count = %d, want %d", count, goroutines*writesPerGoroutine)
	}
}

func TestOpenUnknownType(t *testing.T) {
	if _, err := Open(context.Background(), Config{Type: "cassandra"}); err == nil {
		t.Error("expected error for unknown storage type")
	}
}

func TestOpenRequiresURL(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenPostgreSQL(ctx, PostgreSQLConfig{}); err == nil {
		t.Error("expected error for missing PostgreSQL URL")
	}
	if _, err := OpenMongoDB(ctx, MongoDBConfig{}); err == nil {
		t.Error("expected error for missing MongoDB URL")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	db, err := OpenSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "edge.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
