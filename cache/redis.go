package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an optional Store implementation for deployments that want
// the prefix cache shared across engine instances with server-side TTL
// eviction rather than DiskStore's node-local files. Keys are namespaced as
// "{namespace}:{key}" and rely on Redis's own expiry instead of a read-time
// expiry check.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore constructs a RedisStore from an already-configured
// *redis.Client; the caller owns the client's lifecycle (and its Close).
func NewRedisStore(rdb *redis.Client) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("cache: redis client is required")
	}
	return &RedisStore{rdb: rdb}, nil
}

func redisKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	value, err := s.rdb.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Set implements Store. A zero ttl stores the entry without expiry, matching
// Store's contract even though Redis itself treats 0 as "no expiration" too.
func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, redisKey(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.rdb.Del(ctx, redisKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("cache: redis delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
