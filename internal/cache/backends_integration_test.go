//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"chatus/internal/storage"
)

func TestPostgreSQLStorageContract(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("chatus"),
		postgres.WithUsername("chatus"),
		postgres.WithPassword("chatus"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	result, err := New(ctx, Config{
		Backend: BackendPostgreSQL,
		Storage: storage.Config{PostgreSQL: storage.PostgreSQLConfig{URL: url, MaxConns: 4}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = result.Close() })

	runStorageContract(t, result.Storage)
}

func TestMongoDBStorageContract(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	result, err := New(ctx, Config{
		Backend: BackendMongoDB,
		Storage: storage.Config{MongoDB: storage.MongoDBConfig{URL: url, Database: "chatus_test"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = result.Close() })

	runStorageContract(t, result.Storage)
}

func TestRedisStorageContract(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	endpoint, err := container.Endpoint(ctx, "redis")
	require.NoError(t, err)

	s, err := NewRedisStorage(RedisConfig{URL: endpoint, KeyPrefix: "chatus-test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	runStorageContract(t, s)

	// Keys written by the storage carry the configured prefix.
	client := redis.NewClient(&redis.Options{Addr: endpoint[len("redis://"):]})
	defer client.Close()
	n, err := client.Exists(ctx, "chatus-test:namespaces").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
