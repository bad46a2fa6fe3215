package esi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares gateway responses between processes. Entries are
// JSON-encoded and dropped by Redis TTL once they can no longer be served
// or revalidated.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	clock  Clock
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps rdb. Keys are written under prefix (default
// "esi:cache:").
func NewRedisCache(rdb *redis.Client, prefix string, clock Clock) *RedisCache {
	if prefix == "" {
		prefix = "esi:cache:"
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &RedisCache{rdb: rdb, prefix: prefix, clock: clock}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache get: %w", err)
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		// Unreadable entries are treated as absent and evicted.
		c.rdb.Del(ctx, c.key(key))
		return nil, ErrCacheMiss
	}
	return &e, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry CacheEntry) error {
	ttl := entry.retainUntil().Sub(c.clock.Now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}

// key hashes the fingerprint so query strings never reach key space.
func (c *RedisCache) key(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return c.prefix + hex.EncodeToString(sum[:])
}
