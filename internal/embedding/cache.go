package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheNamespace = "loam"
	defaultCacheTTL       = 24 * time.Hour
)

// CacheOption configures the Redis cache decorator.
type CacheOption func(*Cache)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) CacheOption {
	return func(c *Cache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithTTL sets the expiry for cached vectors.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Cache decorates an Embedder with a Redis read-through cache keyed on the
// content hash. Cache failures degrade to computing the vector; they are
// never surfaced to callers.
type Cache struct {
	inner     Embedder
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewCache creates a Redis-backed embedding cache. redisURL is a standard
// Redis URL (e.g. "redis://localhost:6379/0"); connectivity is verified up
// front so a misconfigured cache fails at startup, not mid-pipeline.
func NewCache(inner Embedder, redisURL string, opts ...CacheOption) (*Cache, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	c := &Cache{
		inner:     inner,
		client:    client,
		namespace: defaultCacheNamespace,
		ttl:       defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return c, nil
}

// Dimensions returns the inner embedder's vector width.
func (c *Cache) Dimensions() int { return c.inner.Dimensions() }

func (c *Cache) key(text string) string {
	return fmt.Sprintf("%s:emb:%d:%s", c.namespace, c.inner.Dimensions(), TextHash(text))
}

// Embed returns the cached vector when present, computing and storing it
// otherwise.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var vec []float32
		if jsonErr := json.Unmarshal(data, &vec); jsonErr == nil && len(vec) == c.Dimensions() {
			return vec, nil
		}
		// Corrupt entry: drop it and recompute.
		_ = c.client.Del(ctx, key).Err()
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if data, jsonErr := json.Marshal(vec); jsonErr == nil {
		_ = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	return vec, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
