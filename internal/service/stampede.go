package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/observability"
)

// ErrWaitTimeout is returned when a caller stops waiting for an in-flight
// recompute. The recompute itself keeps running; the call is retryable.
var ErrWaitTimeout = errors.New("timed out waiting for content")

// recomputeFunc loads the value for one cache key from the Content Store.
type recomputeFunc func(ctx context.Context) ([]byte, error)

// keyState is the guard's view of one cache key.
//
//	cold --first miss--> recomputing --ok--> cached
//	                          |
//	                          +--error--> cold
//
// cached only means the last flight populated the tier; the tier owns expiry.
type keyState int

const (
	stateCold keyState = iota
	stateRecomputing
	stateCached
)

func (s keyState) String() string {
	switch s {
	case stateRecomputing:
		return "recomputing"
	case stateCached:
		return "cached"
	default:
		return "cold"
	}
}

// flight is one recompute of a cache key. value and err are written before
// done is closed and are read-only afterwards.
type flight struct {
	done  chan struct{}
	value []byte
	err   error
	// stale is set when the key is invalidated while the flight runs; the
	// result is still returned to waiters but not written to the tier.
	stale bool
}

// keyHandle serializes recomputes of one cache key. refs is guarded by
// stampedeGuard.mu; the remaining fields by keyHandle.mu.
type keyHandle struct {
	refs int

	mu      sync.Mutex
	state   keyState
	current *flight
}

// stampedeGuard ensures at most one concurrent recompute per cache key. Every
// caller that arrives while a recompute is running waits for that recompute's
// result instead of starting its own.
//
// Handles are reference counted: each waiting caller and each running flight
// holds one reference, and the handle is removed from the map when the count
// reaches zero. The map lock is only held for bookkeeping, never across I/O.
type stampedeGuard struct {
	mu      sync.Mutex
	handles map[string]*keyHandle

	tier         *cacheTier
	fetchTimeout time.Duration
	logger       *zap.Logger
}

func newStampedeGuard(tier *cacheTier, fetchTimeout time.Duration, logger *zap.Logger) *stampedeGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stampedeGuard{
		handles:      make(map[string]*keyHandle),
		tier:         tier,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// RunExclusive returns the value for key, recomputing it at most once across
// all concurrent callers. The flight re-probes the tier before calling
// recompute, and caches a successful result with ttl.
//
// ctx bounds only this caller's wait. When it expires the caller gets
// ErrWaitTimeout and the flight continues for the remaining waiters.
func (g *stampedeGuard) RunExclusive(ctx context.Context, kind, key string, ttl time.Duration, recompute recomputeFunc) ([]byte, error) {
	h := g.acquire(key)
	defer g.release(key)

	h.mu.Lock()
	f := h.current
	leader := f == nil
	if leader {
		f = &flight{done: make(chan struct{})}
		h.current = f
		h.state = stateRecomputing
		g.retain(key)
	}
	h.mu.Unlock()

	if leader {
		go g.fly(context.WithoutCancel(ctx), kind, key, h, f, ttl, recompute)
	} else {
		observability.CoalescedWaitsTotal.WithLabelValues(kind).Inc()
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		observability.GuardWaitTimeoutsTotal.WithLabelValues(kind).Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrWaitTimeout, key, ctx.Err())
	}
}

// fly runs one flight on a context detached from the leader's cancellation,
// bounded by fetchTimeout. It releases the flight's handle reference last.
func (g *stampedeGuard) fly(parent context.Context, kind, key string, h *keyHandle, f *flight, ttl time.Duration, recompute recomputeFunc) {
	defer g.release(key)

	ctx := parent
	if g.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, g.fetchTimeout)
		defer cancel()
	}

	var (
		value []byte
		err   error
		hit   bool
	)
	if value, hit = g.tier.get(ctx, key); !hit {
		value, err = g.recompute(ctx, kind, key, recompute)
	}

	h.mu.Lock()
	if err != nil {
		h.state = stateCold
	} else {
		// A double-check hit is never written back: a concurrent delete may
		// already have removed it.
		if !hit && !f.stale {
			g.tier.set(ctx, key, value, ttl)
		}
		h.state = stateCached
	}
	f.value, f.err = value, err
	h.current = nil
	h.mu.Unlock()
	close(f.done)
}

func (g *stampedeGuard) recompute(ctx context.Context, kind, key string, fn recomputeFunc) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("recompute panicked", zap.String("cacheKey", key), zap.Any("panic", r))
			value, err = nil, fmt.Errorf("recompute %s panicked: %v", key, r)
		}
	}()
	return fn(ctx)
}

// Invalidate marks the in-flight recompute of key, if any, so its result is
// not written to the tier. Callers delete the tier entry afterwards.
func (g *stampedeGuard) Invalidate(key string) {
	g.mu.Lock()
	h := g.handles[key]
	g.mu.Unlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.current != nil {
		h.current.stale = true
	}
	h.mu.Unlock()
}

// Handles returns the number of keys with a waiting caller or running flight.
func (g *stampedeGuard) Handles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// State returns the guard's state for key. Keys without a handle are cold.
func (g *stampedeGuard) State(key string) keyState {
	g.mu.Lock()
	h := g.handles[key]
	g.mu.Unlock()
	if h == nil {
		return stateCold
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (g *stampedeGuard) acquire(key string) *keyHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[key]
	if !ok {
		h = &keyHandle{}
		g.handles[key] = h
	}
	h.refs++
	return h
}

// retain adds a reference to a handle the caller already holds.
func (g *stampedeGuard) retain(key string) {
	g.mu.Lock()
	g.handles[key].refs++
	g.mu.Unlock()
}

func (g *stampedeGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[key]
	if !ok {
		return
	}
	h.refs--
	if h.refs == 0 {
		delete(g.handles, key)
	}
}
