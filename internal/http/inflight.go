package http

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests being served, with mutating requests
// counted separately. A write cut off at shutdown may have recorded a version
// without invalidating the cache, so shutdown reports writes on their own.
type InFlightTracker struct {
	total  atomic.Int64
	writes atomic.Int64
}

// InFlight is a point-in-time view of the tracker.
type InFlight struct {
	Total  int64
	Writes int64
}

// Begin records the start of a request and returns the func that ends it.
func (t *InFlightTracker) Begin(method string) func() {
	write := isWriteMethod(method)
	t.total.Add(1)
	if write {
		t.writes.Add(1)
	}
	return func() {
		if write {
			t.writes.Add(-1)
		}
		t.total.Add(-1)
	}
}

// Snapshot returns the current counts.
func (t *InFlightTracker) Snapshot() InFlight {
	return InFlight{Total: t.total.Load(), Writes: t.writes.Load()}
}

// WaitForZero blocks until no request is in flight or ctx is done,
// re-checking every checkInterval.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.total.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// inFlight is the process-wide tracker maintained by MetricsMiddleware.
var inFlight = &InFlightTracker{}

// InFlightSnapshot returns the process-wide in-flight counts.
func InFlightSnapshot() InFlight {
	return inFlight.Snapshot()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return inFlight.WaitForZero(ctx, checkInterval)
}
