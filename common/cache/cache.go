package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lyzr/mediapipe/common/logger"
)

// Cache is a bounded key-value store with a fixed time-to-live
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Len() int
	Close() error
}

// MemoryCache is an in-process cache bounded by both capacity and age.
// When full, the least recently used entry is evicted; entries also expire
// ttl after their last Set.
type MemoryCache[V any] struct {
	lru     *expirable.LRU[string, V]
	log     *logger.Logger
	evicted atomic.Int64
}

// NewMemoryCache creates a new in-memory cache. A zero ttl disables
// expiry; capacity must be positive.
func NewMemoryCache[V any](capacity int, ttl time.Duration, log *logger.Logger) *MemoryCache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &MemoryCache[V]{log: log}
	c.lru = expirable.NewLRU[string, V](capacity, func(key string, _ V) {
		c.evicted.Add(1)
	}, ttl)
	return c
}

// Get retrieves a value from cache
func (c *MemoryCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

// Set stores a value and resets its time-to-live
func (c *MemoryCache[V]) Set(ctx context.Context, key string, value V) error {
	c.lru.Add(key, value)
	return nil
}

// Delete removes a value from cache
func (c *MemoryCache[V]) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Keys returns live keys from oldest to newest
func (c *MemoryCache[V]) Keys(ctx context.Context) ([]string, error) {
	return c.lru.Keys(), nil
}

// Len returns the number of live entries
func (c *MemoryCache[V]) Len() int {
	return c.lru.Len()
}

// Close purges the cache
func (c *MemoryCache[V]) Close() error {
	c.lru.Purge()
	c.log.Info("memory cache closed")
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache[V]) Stats() map[string]interface{} {
	return map[string]interface{}{
		"entries": c.lru.Len(),
		"evicted": c.evicted.Load(),
		"type":    "memory",
	}
}
