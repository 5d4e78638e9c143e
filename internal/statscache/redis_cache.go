// Package statscache caches version rollup statistics in Redis. The cache is
// a pure read-side projection: the engine invalidates the key on every
// decision write, so a hit always equals a batch recomputation.
package statscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"verdict/core/internal/store"
)

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a Redis-backed stats cache.
func New(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		client: client,
		prefix: "stats:",
		ttl:    ttl,
	}
}

func (c *Cache) key(versionID string) string {
	return c.prefix + versionID
}

// Get returns the cached stats for a version, or nil on a miss.
func (c *Cache) Get(ctx context.Context, versionID string) (*store.Stats, error) {
	raw, err := c.client.Get(ctx, c.key(versionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	var stats store.Stats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return &stats, nil
}

// Put stores the stats for a version with the configured TTL.
func (c *Cache) Put(ctx context.Context, versionID string, stats store.Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := c.client.Set(ctx, c.key(versionID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

// Invalidate drops the cached stats for a version.
func (c *Cache) Invalidate(ctx context.Context, versionID string) error {
	if err := c.client.Del(ctx, c.key(versionID)).Err(); err != nil {
		return fmt.Errorf("invalidate stats: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
