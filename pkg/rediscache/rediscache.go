// Package rediscache adapts go-redis to engine/store's Cache contract,
// storing a search response as JSON under its fingerprint key with a TTL.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/pkg/resilience"
)

// Cache wraps a go-redis client.
type Cache struct {
	client  *redis.Client
	breaker *resilience.Breaker
}

// New wraps an already-dialed client. breaker may be nil to disable
// circuit breaking.
func New(client *redis.Client, breaker *resilience.Breaker) *Cache {
	return &Cache{client: client, breaker: breaker}
}

func (c *Cache) withBreaker(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Call(ctx, func(context.Context) error { return fn() })
}

// Connect dials a Redis server at addr.
func Connect(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Get returns the cached search response for key, or (_, false, nil) on a
// cache miss. A cache miss never counts against the circuit breaker; Redis
// errors and cached values that fail to decode do.
func (c *Cache) Get(ctx context.Context, key string) (logentry.LogSearchResponse, bool, error) {
	var resp logentry.LogSearchResponse
	found := false
	err := c.withBreaker(ctx, func() error {
		data, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rediscache: get: %w", err)
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("rediscache: unmarshal: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return logentry.LogSearchResponse{}, false, err
	}
	return resp, found, nil
}

// Put stores resp under key with the given TTL.
func (c *Cache) Put(ctx context.Context, key string, resp logentry.LogSearchResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("rediscache: marshal: %w", err)
	}
	return c.withBreaker(ctx, func() error {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("rediscache: set: %w", err)
		}
		return nil
	})
}
