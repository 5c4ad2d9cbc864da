package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/observability"
	"github.com/kjstillabower/content-cache-service/internal/store"
)

// VersionJanitor garbage-collects version history off the write path. Writes
// call Notify; Run sweeps on each notification and on a fixed interval.
type VersionJanitor struct {
	store  store.Store
	keep   int
	logger *zap.Logger
	wake   chan struct{}
}

// NewVersionJanitor creates a janitor that keeps the keep most recent
// versions of every translation. keep <= 0 uses store.DefaultVersionRetention.
func NewVersionJanitor(st store.Store, keep int, logger *zap.Logger) *VersionJanitor {
	if keep <= 0 {
		keep = store.DefaultVersionRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VersionJanitor{
		store:  st,
		keep:   keep,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Notify schedules a sweep. Never blocks; notifications arriving while one is
// pending are merged.
func (j *VersionJanitor) Notify() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Sweep prunes versions once and returns the number removed.
func (j *VersionJanitor) Sweep(ctx context.Context) (int, error) {
	removed, err := j.store.PruneVersions(ctx, j.keep)
	if err != nil {
		observability.VersionSweepsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	observability.VersionSweepsTotal.WithLabelValues("success").Inc()
	observability.VersionsPrunedTotal.Add(float64(removed))
	if removed > 0 {
		j.logger.Info("pruned versions", zap.Int("removed", removed), zap.Int("keep", j.keep))
	}
	return removed, nil
}

// Run sweeps until ctx is done. interval <= 0 disables the periodic sweep;
// notifications are still served.
func (j *VersionJanitor) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.wake:
		case <-tick:
		}
		if _, err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.logger.Warn("version sweep failed", zap.Error(err))
		}
	}
}
