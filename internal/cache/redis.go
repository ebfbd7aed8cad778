// Package cache provides a tiny Redis client wrapper for prediction caching
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client storing opaque values under string keys
type Cache struct {
	client *redis.Client
}

// New creates a new Cache instance connected to the specified Redis address.
// addr is either host:port or a redis:// URL. If addr is empty, defaults to
// localhost:6379
func New(ctx context.Context, addr string) (*Cache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{
			Addr:     addr,
			Password: "", // No password by default
			DB:       0,  // Default DB
		}
	}
	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return &Cache{client: client}, nil
}

// Set stores data under key with the specified TTL. A zero TTL keeps the
// key until it is evicted.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("cache client is nil")
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get retrieves the data stored under key. A missing key returns nil data
// and no error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("cache client is nil")
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Key does not exist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("cache client is nil")
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
