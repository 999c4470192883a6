package cache

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore is an optional Store implementation for deployments that
// already run MongoDB for other components and want the prefix cache to
// survive across hosts rather than staying node-local like DiskStore. It
// adapts the collection-per-namespace, replace-with-upsert shape used
// elsewhere in this codebase for durable key/value persistence.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore constructs a MongoStore using the provided collection. The
// collection should have a TTL index on expires_at for background
// eviction; MongoStore additionally checks expiry on read so a missing
// index only delays reclaiming disk space, not correctness.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

type mongoEntry struct {
	ID        string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at,omitempty"`
}

func mongoID(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var entry mongoEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": mongoID(namespace, key)}).Decode(&entry)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: mongo get %s/%s: %w", namespace, key, err)
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		_, _ = s.collection.DeleteOne(ctx, bson.M{"_id": entry.ID})
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set implements Store.
func (s *MongoStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	doc := mongoEntry{ID: mongoID(namespace, key), Value: value, ExpiresAt: expiresAt}
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("cache: mongo set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": mongoID(namespace, key)})
	if err != nil {
		return fmt.Errorf("cache: mongo delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

var _ Store = (*MongoStore)(nil)
