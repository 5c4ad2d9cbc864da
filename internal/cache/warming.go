package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/observability"
)

// BundleFetcher is implemented by the service layer to load a namespace bundle
// through the cache. Used by CacheWarmer to avoid a circular dependency on the
// service package.
type BundleFetcher interface {
	GetBundle(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error)
}

// WarmTarget is one published bundle to prefetch.
type WarmTarget struct {
	Namespace string
	Locale    string
}

// Targets returns the cross product of namespaces and locales.
func Targets(namespaces, locales []string) []WarmTarget {
	out := make([]WarmTarget, 0, len(namespaces)*len(locales))
	for _, ns := range namespaces {
		for _, loc := range locales {
			out = append(out, WarmTarget{Namespace: ns, Locale: loc})
		}
	}
	return out
}

// CacheWarmer warms the cache by prefetching published bundles.
type CacheWarmer struct {
	fetcher BundleFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher BundleFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every target concurrently. Returns the aggregated failures.
func (w *CacheWarmer) Warm(ctx context.Context, targets []WarmTarget) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("bundles", len(targets)))
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target WarmTarget) {
			defer wg.Done()
			if _, err := w.fetcher.GetBundle(ctx, target.Namespace, target.Locale, false); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("warm %s/%s: %w", target.Locale, target.Namespace, err))
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	failed := 0
	if errs != nil {
		failed = len(errs.Errors)
	}
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("bundles", len(targets)), zap.Int("errors", failed), zap.Float64("duration_seconds", duration))
	}
	if failed > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
	}
	return errs.ErrorOrNil()
}

// WarmPeriodic refreshes targets at the given interval until ctx is done. The
// first refresh happens one interval after the call; callers warm up front
// with Warm.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, targets []WarmTarget, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, targets); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
