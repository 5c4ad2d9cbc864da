package service

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/observability"
)

// Cache entry kinds. Used as the first segment of every cache key and as a
// metric label.
const (
	kindSingle = "single"
	kindBundle = "bundle"
)

// singleCacheKey addresses one (key, locale) pair. Keys and locales never
// contain ':' so the two shapes cannot collide.
func singleCacheKey(key, locale string) string {
	return kindSingle + ":" + locale + ":" + key
}

// bundleCacheKey addresses the bundle of namespace in locale. Published-only
// and include-unpublished bundles are separate entries.
func bundleCacheKey(namespace, locale string, includeUnpublished bool) string {
	variant := "published"
	if includeUnpublished {
		variant = "all"
	}
	return kindBundle + ":" + locale + ":" + namespace + ":" + variant
}

// cacheTier wraps a cache.Cache so that no cache failure reaches the caller:
// failed reads are misses, failed writes and deletes are logged and counted.
// A nil cache behaves as an always-empty tier.
type cacheTier struct {
	cache  cache.Cache
	logger *zap.Logger
}

func (t *cacheTier) get(ctx context.Context, key string) ([]byte, bool) {
	if t.cache == nil {
		return nil, false
	}
	start := time.Now()
	value, ok, err := t.cache.Get(ctx, key)
	if err != nil {
		t.degraded(ctx, "get", key, err, start)
		return nil, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(time.Since(start).Seconds())
	return value, ok
}

func (t *cacheTier) set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if t.cache == nil {
		return
	}
	start := time.Now()
	if err := t.cache.Set(ctx, key, value, ttl); err != nil {
		t.degraded(ctx, "set", key, err, start)
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(start).Seconds())
}

func (t *cacheTier) delete(ctx context.Context, key string) {
	if t.cache == nil {
		return
	}
	start := time.Now()
	if err := t.cache.Delete(ctx, key); err != nil {
		t.degraded(ctx, "delete", key, err, start)
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("delete", "success").Observe(time.Since(start).Seconds())
}

func (t *cacheTier) degraded(ctx context.Context, op, key string, err error, start time.Time) {
	category := categorizeCacheError(err)
	observability.CacheErrorsTotal.WithLabelValues(op, category).Inc()
	observability.CacheOperationDurationSeconds.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
	observability.LoggerFromContext(ctx, t.logger).Warn("cache degraded",
		zap.String("op", op),
		zap.String("cacheKey", key),
		zap.String("category", category),
		zap.Error(err),
	)
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "no servers") {
		return "connection"
	}
	return "unknown"
}
