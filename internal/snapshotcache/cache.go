// Package snapshotcache persists the most recently applied configuration
// snapshot to Redis so that a Control Plane or Database-mode node that
// restarts during a source outage (DB down, file missing) can serve traffic
// from the last known-good configuration instead of starting empty.
//
// This is resilience caching, not rate-limit state: per §1 Non-goals,
// rate-limit counters stay in-memory only and are never written here.
package snapshotcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache wraps a Redis client scoped to a single snapshot key.
type Cache struct {
	redis *redis.Client
	key   string
}

// New creates a Cache. redisURL may be empty, in which case Enabled()
// reports false and every operation is a no-op — the resilience cache is
// an optional enhancement, never a hard dependency.
func New(redisURL, key string) (*Cache, error) {
	if redisURL == "" {
		return &Cache{}, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return &Cache{redis: redis.NewClient(opt), key: key}, nil
}

// Enabled reports whether a Redis backend was configured.
func (c *Cache) Enabled() bool {
	return c.redis != nil
}

// Save writes the raw (already-serialized) snapshot bytes, replacing
// whatever was cached before. Failures are logged, not returned as fatal —
// losing the resilience cache must never interrupt proxy traffic.
func (c *Cache) Save(ctx context.Context, raw []byte) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Set(ctx, c.key, raw, 0).Err(); err != nil {
		log.Warn().Err(err).Msg("snapshotcache: failed to persist snapshot")
	}
}

// Load returns the last persisted snapshot bytes, or (nil, nil) if the
// cache is disabled or empty.
func (c *Cache) Load(ctx context.Context) ([]byte, error) {
	if !c.Enabled() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := c.redis.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cached snapshot: %w", err)
	}
	return raw, nil
}

// HealthCheck verifies connectivity to Redis, when configured.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

// Close releases the underlying Redis client, if any.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.redis.Close()
}
