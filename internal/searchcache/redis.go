package searchcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the optional distributed SearchCache tier named in
// SPEC_FULL.md §2: lookups and writes against a shared redis instance, so
// multiple processes can share search results. It is not wired in: there is
// no search_cache_backend setting, nothing in cmd/weaver constructs one, and
// the orchestrator uses only the in-process Cache.
type RedisBackend struct {
	Client *redis.Client
	Prefix string
}

// NewRedisBackend constructs a backend against an existing client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "weaver:searchcache:"
	}
	return &RedisBackend{Client: client, Prefix: prefix}
}

func (b *RedisBackend) redisKey(k Key) string {
	k = k.Normalize()
	return fmt.Sprintf("%s%s|%s|%s|%s", b.Prefix, k.Provider, k.Query, k.Profile, k.FreshnessBucket)
}

// Get fetches and JSON-decodes a cached value. Misses (including redis.Nil)
// are reported as ok=false, not errors, mirroring the in-memory Cache's
// Get contract so callers can treat both tiers uniformly.
func (b *RedisBackend) Get(ctx context.Context, key Key, out any) (bool, error) {
	raw, err := b.Client.Get(ctx, b.redisKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("searchcache: redis get: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("searchcache: decode cached value: %w", err)
	}
	return true, nil
}

// Put JSON-encodes and stores a value with the given TTL.
func (b *RedisBackend) Put(ctx context.Context, key Key, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("searchcache: encode value: %w", err)
	}
	if err := b.Client.Set(ctx, b.redisKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("searchcache: redis set: %w", err)
	}
	return nil
}
