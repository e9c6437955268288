package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"chatus/internal/core"
)

// DefaultRedisKeyPrefix is prepended to every key the storage writes.
const DefaultRedisKeyPrefix = "chatus-edge:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// KeyPrefix namespaces all keys (defaults to "chatus-edge:")
	KeyPrefix string
}

// RedisStorage implements Storage using Redis for distributed storage.
// Namespace names live in a set; each namespace is a hash of key to encoded entry.
// This is suitable for multi-instance deployments behind a load balancer.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

type redisNamespace struct {
	client *redis.Client
	name   string
	hash   string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	slog.Info("redis cache connected", "prefix", prefix)

	return NewRedisStorageWithClient(client, prefix), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) setKey() string { return s.prefix + "namespaces" }

func (s *RedisStorage) hashKey(name string) string { return s.prefix + "ns:" + name }

func (s *RedisStorage) Open(ctx context.Context, name string) (Namespace, error) {
	if err := s.client.SAdd(ctx, s.setKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", name, err)
	}
	return &redisNamespace{
		client: s.client,
		name:   name,
		hash:   s.hashKey(name),
	}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.setKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up namespace %s: %w", name, err)
	}
	return ok, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.setKey(), name)
		pipe.Del(ctx, s.hashKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the Redis connection.
func (s *RedisStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (n *redisNamespace) Name() string { return n.name }

func (n *redisNamespace) Match(ctx context.Context, key string) (*core.Response, error) {
	data, err := n.client.HGet(ctx, n.hash, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}
	return decodeEntry(data)
}

func (n *redisNamespace) Put(ctx context.Context, key string, resp *core.Response) error {
	data, err := encodeEntry(resp)
	if err != nil {
		return err
	}
	if err := n.client.HSet(ctx, n.hash, key, data).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry in redis: %w", err)
	}
	return nil
}

func (n *redisNamespace) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := n.client.HDel(ctx, n.hash, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return removed > 0, nil
}

func (n *redisNamespace) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.client.HKeys(ctx, n.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
