package cache

import (
	"context"
	"errors"
	"fmt"

	"chatus/internal/storage"
)

// Backend names accepted in configuration.
const (
	BackendMemory     = "memory"
	BackendSQLite     = storage.TypeSQLite
	BackendPostgreSQL = storage.TypePostgreSQL
	BackendMongoDB    = storage.TypeMongoDB
	BackendRedis      = "redis"
)

// Config selects and configures the cache backend.
type Config struct {
	Backend string
	Storage storage.Config
	Redis   RedisConfig
}

// Result holds the initialized cache storage and its database connection.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Storage Storage
	DB      *storage.DB
}

// Close releases the cache storage and any database connection it owns.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
		r.Storage = nil
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.DB = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates the cache storage selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (*Result, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return &Result{Storage: NewMemoryStorage()}, nil

	case BackendRedis:
		s, err := NewRedisStorage(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return &Result{Storage: s}, nil

	case BackendSQLite, BackendPostgreSQL, BackendMongoDB:
		storageCfg := cfg.Storage
		storageCfg.Type = cfg.Backend
		db, err := storage.Open(ctx, storageCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		s, err := NewWithSharedStorage(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &Result{Storage: s, DB: db}, nil

	default:
		return nil, fmt.Errorf("unknown cache backend: %s (valid: memory, sqlite, postgresql, mongodb, redis)", cfg.Backend)
	}
}

// NewWithSharedStorage builds cache storage on an open database whose schema
// storage.Open has already created. The caller keeps ownership of db.
func NewWithSharedStorage(_ context.Context, db *storage.DB) (Storage, error) {
	switch db.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStorage(db.SQLite())
	case storage.TypePostgreSQL:
		return NewPostgreSQLStorage(db.PostgreSQL())
	case storage.TypeMongoDB:
		return NewMongoDBStorage(db.MongoDB())
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", db.Type())
	}
}
