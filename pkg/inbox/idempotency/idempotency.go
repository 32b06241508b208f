// Package idempotency is a Redis fast path in front of the inbox table: a
// hit skips the database round trip for events already handled. The table
// stays the source of truth, so a miss or a Redis outage only costs a query.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aether-platform/eventing/pkg/redis"
)

// Cache remembers processed event ids per consumer.
// Keys follow the `aether:idempotency:evt:processed:<consumer>:<event_id>` pattern.
type Cache struct {
	store    redis.IdempotencyStore
	consumer string
	ttl      time.Duration
}

// NewCache builds a cache for consumer that keeps entries for ttl.
func NewCache(store redis.IdempotencyStore, consumer string, ttl time.Duration) (*Cache, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if strings.TrimSpace(consumer) == "" {
		return nil, errors.New("consumer name is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Cache{store: store, consumer: consumer, ttl: ttl}, nil
}

// Seen reports whether eventID was marked processed.
func (c *Cache) Seen(ctx context.Context, eventID string) (bool, error) {
	key, err := c.processedKey(eventID)
	if err != nil {
		return false, err
	}
	if _, err := c.store.Get(ctx, key); err != nil {
		if redis.IsNil(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkProcessed records eventID. It reports whether the id was already
// recorded.
func (c *Cache) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	key, err := c.processedKey(eventID)
	if err != nil {
		return false, err
	}
	set, err := c.store.SetNX(ctx, key, "1", c.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (c *Cache) Forget(ctx context.Context, eventID string) error {
	key, err := c.processedKey(eventID)
	if err != nil {
		return err
	}
	return c.store.Del(ctx, key)
}

func (c *Cache) processedKey(eventID string) (string, error) {
	if strings.TrimSpace(eventID) == "" {
		return "", errors.New("event id is required")
	}
	scope := fmt.Sprintf("evt:processed:%s", c.consumer)
	return c.store.IdempotencyKey(scope, eventID), nil
}
