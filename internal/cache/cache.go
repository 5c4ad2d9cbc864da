package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is the Cache Tier: an opaque key -> bytes store with per-key TTL.
// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
// Implementations know nothing about content keys; callers build cache keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DefaultCapacity bounds the number of entries held by InMemoryCache.
const DefaultCapacity = 100_000

// InMemoryCache implements Cache on top of ttlcache. Safe for concurrent use.
// Expired entries are never returned and are swept by a background goroutine
// between Start and Close.
type InMemoryCache struct {
	items   *ttlcache.Cache[string, []byte]
	started atomic.Bool
}

// NewInMemoryCache creates an in-memory cache holding at most capacity
// entries (least recently used evicted first). capacity <= 0 uses DefaultCapacity.
func NewInMemoryCache(capacity int) *InMemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	items := ttlcache.New[string, []byte](
		ttlcache.WithCapacity[string, []byte](uint64(capacity)),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	return &InMemoryCache{items: items}
}

// Start runs the expiry sweeper until Close is called.
func (c *InMemoryCache) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.items.Start()
	}
}

// Close stops the expiry sweeper if it was started.
func (c *InMemoryCache) Close() error {
	if c.started.CompareAndSwap(true, false) {
		c.items.Stop()
	}
	return nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.items.Set(key, value, ttl)
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.items.Delete(key)
	return nil
}

// Len returns the number of entries currently held, including expired ones
// not yet swept.
func (c *InMemoryCache) Len() int {
	return c.items.Len()
}
