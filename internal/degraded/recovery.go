// Package degraded drives recovery from the degraded health state. When
// health reports degraded it calls Notify; the recovery loop then probes the
// Content Store on a Fibonacci schedule and clears the failure window once a
// probe succeeds.
package degraded

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc checks the dependency that caused degradation. Returns nil if recovered.
type ProbeFunc func(ctx context.Context) error

const defaultAttemptTimeout = 10 * time.Second

// Recovery runs at most one recovery sequence at a time.
type Recovery struct {
	probe       ProbeFunc
	onRecovered func()
	onExhausted func()
	delays      []time.Duration
	timeout     time.Duration
	logger      *zap.Logger

	wake    chan struct{}
	running atomic.Bool
}

// NewRecovery returns a Recovery that probes with delays initial, 2*initial,
// 3*initial, 5*initial... up to max. onRecovered runs after the first
// successful probe; onExhausted, if set, after the last failed one.
func NewRecovery(probe ProbeFunc, initial, max time.Duration, onRecovered, onExhausted func(), logger *zap.Logger) *Recovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{
		probe:       probe,
		onRecovered: onRecovered,
		onExhausted: onExhausted,
		delays:      fibDelays(initial, max),
		timeout:     defaultAttemptTimeout,
		logger:      logger,
		wake:        make(chan struct{}, 1),
	}
}

// Notify signals that the service is degraded. Non-blocking; ignored while a
// sequence is already running.
func (r *Recovery) Notify() {
	if r.running.Load() {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Running reports whether a recovery sequence is in progress.
func (r *Recovery) Running() bool {
	return r.running.Load()
}

// Listen runs recovery sequences on Notify until ctx is done.
func (r *Recovery) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.running.Store(true)
			r.Run(ctx)
			r.running.Store(false)
		}
	}
}

// Run executes one recovery sequence and reports whether it recovered.
func (r *Recovery) Run(ctx context.Context) bool {
	if len(r.delays) == 0 {
		return false
	}
	for i, d := range r.delays {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.probe(attemptCtx)
		cancel()
		if err == nil {
			r.logger.Info("recovered from degraded state", zap.Int("attempt", i+1))
			if r.onRecovered != nil {
				r.onRecovered()
			}
			return true
		}
		r.logger.Warn("recovery probe failed", zap.Int("attempt", i+1), zap.Duration("delay", d), zap.Error(err))
	}
	r.logger.Error("recovery attempts exhausted", zap.Int("attempts", len(r.delays)))
	if r.onExhausted != nil {
		r.onExhausted()
	}
	return false
}

func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	for a, b := int64(1), int64(2); ; a, b = b, a+b {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
	}
	return out
}
