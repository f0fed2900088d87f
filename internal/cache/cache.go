// Package cache provides a Redis-backed JSON cache and idempotency keys for
// job handlers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Recorder observes cache lookups
type Recorder interface {
	RecordCacheHit(ctx context.Context, name string)
	RecordCacheMiss(ctx context.Context, name string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(context.Context, string)  {}
func (nopRecorder) RecordCacheMiss(context.Context, string) {}

// Cache stores JSON values under a key prefix
type Cache struct {
	client   *redis.Client
	prefix   string
	name     string
	logger   *zap.Logger
	recorder Recorder
}

// Option configures a Cache
type Option func(*Cache)

// WithRecorder reports hits and misses to r
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// New creates a cache whose keys live under prefix:name
func New(client *redis.Client, prefix, name string, logger *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		client:   client,
		prefix:   prefix + ":" + name + ":",
		name:     name,
		logger:   logger.With(zap.String("cache", name)),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the full Redis key of k
func (c *Cache) Key(k string) string {
	return c.prefix + k
}

// Get decodes the value stored under key into dest and reports whether it
// was found
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recorder.RecordCacheMiss(ctx, c.name)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cache key %s: %w", key, err)
	}
	c.recorder.RecordCacheHit(ctx, c.name)
	return true, nil
}

// Set stores v under key for ttl. A zero ttl keeps the value until deleted.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache key %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.Key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes keys
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// Remember returns the cached value of key, computing and storing it with
// fn on a miss. Cache failures are logged and fall through to fn; errors
// from fn are returned and nothing is stored.
func Remember[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var cached T
	found, err := c.Get(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("Cache read failed, computing value", zap.String("key", key), zap.Error(err))
	}
	if found {
		return cached, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
