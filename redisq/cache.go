// Package redisq holds the shared Redis-backed primitives the jobs
// coordinate through: a key-addressed TTL cache and a reliable work queue.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a thin view over a shared Redis client. Structured values are
// stored as JSON, scalars pass through unchanged. Every call hits the store;
// there is no client-side layer in between.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Set writes value under key with the given expiry. Strings and byte slices
// are stored as-is, everything else is JSON-encoded.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	var payload any
	switch v := value.(type) {
	case string:
		payload = v
	case []byte:
		payload = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = encoded
	}
	return c.rdb.Set(ctx, key, payload, ttl).Err()
}

// Get returns the raw stored value. The second return is false when the key
// is absent or already expired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

// GetJSON reads key and unmarshals the stored document into dest. Absent or
// expired keys return (false, nil).
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

// Expire rewrites the key's TTL without touching its value.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// TTL reports the remaining lifetime of key. Redis conventions apply: a
// negative duration means the key is absent or has no expiry set.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}
