package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// OpenMongoDB connects with a per-operation timeout and creates the unique
// (namespace, key) index of the entries collection.
func OpenMongoDB(ctx context.Context, cfg MongoDBConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("MongoDB URL is required")
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = "chatus"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	clientOpts := options.Client().
		ApplyURI(cfg.URL).
		SetAppName("chatus-edge").
		SetTimeout(timeout)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(dbName)
	_, err = database.Collection(EntriesTable).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create cache entry index: %w", err)
	}

	return &DB{typ: TypeMongoDB, client: client, mongo: database}, nil
}
