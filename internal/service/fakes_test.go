package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/store"
)

// countingStore wraps a MemoryStore, counting reads and optionally slowing
// them down, failing them, or pausing one of them.
type countingStore struct {
	*store.MemoryStore
	delay time.Duration

	gets           atomic.Int64
	namespaceReads atomic.Int64

	mu   sync.Mutex
	err  error
	gate func()
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore(nil)}
}

func (c *countingStore) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// pauseNextRead makes the next Get or GetNamespace call gate after it has
// read the store and before it returns.
func (c *countingStore) pauseNextRead(gate func()) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

func (c *countingStore) before(ctx context.Context) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return store.Unavailable("read", ctx.Err())
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *countingStore) after() {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		gate()
	}
}

func (c *countingStore) Get(ctx context.Context, key, locale string) (models.Translation, error) {
	c.gets.Add(1)
	if err := c.before(ctx); err != nil {
		return models.Translation{}, err
	}
	tr, err := c.MemoryStore.Get(ctx, key, locale)
	c.after()
	return tr, err
}

func (c *countingStore) GetNamespace(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error) {
	c.namespaceReads.Add(1)
	if err := c.before(ctx); err != nil {
		return nil, err
	}
	out, err := c.MemoryStore.GetNamespace(ctx, namespace, locale, includeUnpublished)
	c.after()
	return out, err
}

// failingCache fails every call the way an unreachable memcached does.
type failingCache struct {
	calls atomic.Int64
}

var errCacheDown = errors.New("dial tcp 127.0.0.1:11211: connection refused")

func (f *failingCache) Get(context.Context, string) ([]byte, bool, error) {
	f.calls.Add(1)
	return nil, false, errCacheDown
}

func (f *failingCache) Set(context.Context, string, []byte, time.Duration) error {
	f.calls.Add(1)
	return errCacheDown
}

func (f *failingCache) Delete(context.Context, string) error {
	f.calls.Add(1)
	return errCacheDown
}

// getStep scripts one Get of a cache key: fail reports an error instead of
// the stored value, after runs once the stored value has been read.
type getStep struct {
	fail  bool
	after func()
}

// scriptedCache is an in-memory cache whose Gets and Deletes of chosen keys
// can be failed or paused.
type scriptedCache struct {
	*cache.InMemoryCache

	mu       sync.Mutex
	gets     map[string][]getStep
	onDelete map[string]func()
}

func newScriptedCache() *scriptedCache {
	return &scriptedCache{
		InMemoryCache: cache.NewInMemoryCache(0),
		gets:          make(map[string][]getStep),
		onDelete:      make(map[string]func()),
	}
}

func (c *scriptedCache) scriptGets(key string, steps ...getStep) {
	c.mu.Lock()
	c.gets[key] = append(c.gets[key], steps...)
	c.mu.Unlock()
}

func (c *scriptedCache) pauseDelete(key string, hook func()) {
	c.mu.Lock()
	c.onDelete[key] = hook
	c.mu.Unlock()
}

func (c *scriptedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	var step getStep
	scripted := len(c.gets[key]) > 0
	if scripted {
		step = c.gets[key][0]
		c.gets[key] = c.gets[key][1:]
	}
	c.mu.Unlock()

	value, ok, err := c.InMemoryCache.Get(ctx, key)
	if !scripted {
		return value, ok, err
	}
	if step.fail {
		return nil, false, errCacheDown
	}
	if step.after != nil {
		step.after()
	}
	return value, ok, err
}

func (c *scriptedCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	hook := c.onDelete[key]
	delete(c.onDelete, key)
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c.InMemoryCache.Delete(ctx, key)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
