package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chatus/internal/core"
	"chatus/internal/storage"
)

// MongoDBStorage implements Storage on MongoDB.
type MongoDBStorage struct {
	namespaces *mongo.Collection
	entries    *mongo.Collection
}

type mongoNamespace struct {
	entries *mongo.Collection
	name    string
}

type mongoNamespaceDoc struct {
	Name      string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
}

type mongoEntryDoc struct {
	Namespace string    `bson:"namespace"`
	Key       string    `bson:"key"`
	Entry     []byte    `bson:"entry"`
	StoredAt  time.Time `bson:"stored_at"`
}

// NewMongoDBStorage uses the collections bootstrapped by storage.OpenMongoDB.
func NewMongoDBStorage(database *mongo.Database) (*MongoDBStorage, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &MongoDBStorage{
		namespaces: database.Collection(storage.NamespacesTable),
		entries:    database.Collection(storage.EntriesTable),
	}, nil
}

func (s *MongoDBStorage) Open(ctx context.Context, name string) (Namespace, error) {
	_, err := s.namespaces.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: time.Now().UTC()}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", name, err)
	}
	return &mongoNamespace{entries: s.entries, name: name}, nil
}

func (s *MongoDBStorage) Has(ctx context.Context, name string) (bool, error) {
	n, err := s.namespaces.CountDocuments(ctx, bson.D{{Key: "_id", Value: name}})
	if err != nil {
		return false, fmt.Errorf("failed to look up namespace %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *MongoDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	if _, err := s.entries.DeleteMany(ctx, bson.D{{Key: "namespace", Value: name}}); err != nil {
		return false, fmt.Errorf("failed to delete entries of %s: %w", name, err)
	}
	res, err := s.namespaces.DeleteOne(ctx, bson.D{{Key: "_id", Value: name}})
	if err != nil {
		return false, fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoDBStorage) Keys(ctx context.Context) ([]string, error) {
	cursor, err := s.namespaces.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	var docs []mongoNamespaceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode namespaces: %w", err)
	}
	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	return names, nil
}

// Close is a no-op; the shared client is disconnected by its owner.
func (s *MongoDBStorage) Close() error {
	return nil
}

func (n *mongoNamespace) Name() string { return n.name }

func (n *mongoNamespace) filter(key string) bson.D {
	return bson.D{{Key: "namespace", Value: n.name}, {Key: "key", Value: key}}
}

func (n *mongoNamespace) Match(ctx context.Context, key string) (*core.Response, error) {
	var doc mongoEntryDoc
	err := n.entries.FindOne(ctx, n.filter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return decodeEntry(doc.Entry)
}

func (n *mongoNamespace) Put(ctx context.Context, key string, resp *core.Response) error {
	data, err := encodeEntry(resp)
	if err != nil {
		return err
	}
	doc := mongoEntryDoc{
		Namespace: n.name,
		Key:       key,
		Entry:     data,
		StoredAt:  time.Now().UTC(),
	}
	_, err = n.entries.ReplaceOne(ctx, n.filter(key), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (n *mongoNamespace) Delete(ctx context.Context, key string) (bool, error) {
	res, err := n.entries.DeleteOne(ctx, n.filter(key))
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (n *mongoNamespace) Keys(ctx context.Context) ([]string, error) {
	cursor, err := n.entries.Find(ctx, bson.D{{Key: "namespace", Value: n.name}},
		options.Find().SetProjection(bson.D{{Key: "key", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	var docs []mongoEntryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode cache entries: %w", err)
	}
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	sort.Strings(keys)
	return keys, nil
}
