// Package traffic keeps a sliding window of request outcomes. Health uses it
// to decide whether the service is degraded (store failures) or overloaded
// (rate-limit denials).
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one request.
type Outcome int

const (
	// Success is a request the Content Store answered, NotFound included.
	Success Outcome = iota
	// Failure is a request that failed because the store was unavailable or slow.
	Failure
	// Denied is a request rejected by the rate limiter.
	Denied
)

// DefaultRetention is how long outcomes are kept when NewTracker gets zero.
const DefaultRetention = 5 * time.Minute

// Counts is the number of outcomes of each kind inside a window.
type Counts struct {
	Successes int
	Failures  int
	Denied    int
}

// Total returns all outcomes, denials included.
func (c Counts) Total() int {
	return c.Successes + c.Failures + c.Denied
}

// FailurePct returns failures as a percentage of answered requests. Denials
// are excluded. Returns 0 when nothing was answered.
func (c Counts) FailurePct() float64 {
	answered := c.Successes + c.Failures
	if answered == 0 {
		return 0
	}
	return float64(c.Failures) * 100 / float64(answered)
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker records outcomes in time order. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	events    []event
	retention time.Duration
	now       func() time.Time
}

// NewTracker returns a Tracker that forgets outcomes older than retention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record adds one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

// RecordN adds n outcomes at the current time.
func (t *Tracker) RecordN(o Outcome, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.events = append(t.events, event{at: now, outcome: o})
	}
	t.pruneLocked(now)
}

// Counts returns the outcomes recorded within window of now.
func (t *Tracker) Counts(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	var c Counts
	for i := len(t.events) - 1; i >= 0 && !t.events[i].at.Before(cutoff); i-- {
		switch t.events[i].outcome {
		case Success:
			c.Successes++
		case Failure:
			c.Failures++
		case Denied:
			c.Denied++
		}
	}
	return c
}

// Reset forgets every outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	i := 0
	for i < len(t.events) && t.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
