package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/observability"
	"github.com/kjstillabower/content-cache-service/internal/store"
	"github.com/kjstillabower/content-cache-service/internal/validation"
)

// ErrInvalidArgument is returned for malformed keys, locales, namespaces or values.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultVersionsLimit is used by ListVersions when limit is not positive.
const DefaultVersionsLimit = 10

// Options configures a ContentService. Zero values use the defaults below.
type Options struct {
	// TTL of single-key cache entries. Default 5m.
	TTL time.Duration
	// BundleTTL of bundle cache entries. Default TTL.
	BundleTTL time.Duration
	// WaitTimeout bounds how long a reader waits for a recompute, queue time
	// included. Default 2s.
	WaitTimeout time.Duration
	// FetchTimeout bounds a single recompute against the store. Default WaitTimeout.
	FetchTimeout time.Duration
	// OnVersionWritten is called after every write that appended a version.
	// It must not block.
	OnVersionWritten func()
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.BundleTTL <= 0 {
		o.BundleTTL = o.TTL
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 2 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = o.WaitTimeout
	}
	return o
}

// ContentService serves localized content through the cache tier and owns
// the invalidation policy. Reads go cache -> stampede guard -> store; writes
// go to the store first and then invalidate every cache entry they affect.
type ContentService struct {
	store  store.Store
	tier   *cacheTier
	guard  *stampedeGuard
	opts   Options
	logger *zap.Logger
}

// NewContentService creates a ContentService. c may be nil, in which case
// every read goes through the guard to the store.
func NewContentService(st store.Store, c cache.Cache, opts Options, logger *zap.Logger) *ContentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	tier := &cacheTier{cache: c, logger: logger}
	return &ContentService{
		store:  st,
		tier:   tier,
		guard:  newStampedeGuard(tier, opts.FetchTimeout, logger),
		opts:   opts,
		logger: logger,
	}
}

// GuardHandles reports the number of cache keys currently held by the
// stampede guard. Exposed as a gauge.
func (s *ContentService) GuardHandles() int {
	return s.guard.Handles()
}

// GetValue returns the published value of key in locale.
func (s *ContentService) GetValue(ctx context.Context, key, locale string) (string, error) {
	key, locale, err := normalizeKeyLocale(key, locale)
	if err != nil {
		return "", err
	}
	logger := observability.LoggerFromContext(ctx, s.logger)
	ck := singleCacheKey(key, locale)

	if cached, ok := s.tier.get(ctx, ck); ok {
		observability.CacheHitsTotal.WithLabelValues(kindSingle).Inc()
		logger.Debug("cache hit", zap.String("cacheKey", ck))
		return string(cached), nil
	}
	observability.CacheMissesTotal.WithLabelValues(kindSingle).Inc()

	value, err := s.runGuarded(ctx, kindSingle, ck, s.opts.TTL, func(ctx context.Context) ([]byte, error) {
		tr, err := s.store.Get(ctx, key, locale)
		if err != nil {
			return nil, err
		}
		if !tr.Published {
			return nil, fmt.Errorf("%w: %s/%s is not published", store.ErrNotFound, key, locale)
		}
		return []byte(tr.Value), nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// GetBundle returns key -> value for every translation in namespace and
// locale. Unpublished translations are included only when includeUnpublished
// is set. The returned map is owned by the caller.
func (s *ContentService) GetBundle(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error) {
	ns, err := validation.ValidateNamespace(namespace)
	if err != nil {
		return nil, invalid(err)
	}
	loc, err := validation.ValidateLocale(locale)
	if err != nil {
		return nil, invalid(err)
	}
	ns, loc = models.NormalizeKey(ns), models.NormalizeLocale(loc)
	logger := observability.LoggerFromContext(ctx, s.logger)
	ck := bundleCacheKey(ns, loc, includeUnpublished)

	if cached, ok := s.tier.get(ctx, ck); ok {
		bundle, err := decodeBundle(cached)
		if err == nil {
			observability.CacheHitsTotal.WithLabelValues(kindBundle).Inc()
			logger.Debug("cache hit", zap.String("cacheKey", ck))
			return bundle, nil
		}
		logger.Warn("discarding undecodable bundle entry", zap.String("cacheKey", ck), zap.Error(err))
		s.tier.delete(ctx, ck)
	}
	observability.CacheMissesTotal.WithLabelValues(kindBundle).Inc()

	raw, err := s.runGuarded(ctx, kindBundle, ck, s.opts.BundleTTL, func(ctx context.Context) ([]byte, error) {
		bundle, err := s.store.GetNamespace(ctx, ns, loc, includeUnpublished)
		if err != nil {
			return nil, err
		}
		return json.Marshal(bundle)
	})
	if err != nil {
		return nil, err
	}
	bundle, err := decodeBundle(raw)
	if err != nil {
		// Another writer put something unreadable under ck between the
		// flight's probe and now; read around the cache.
		logger.Warn("discarding undecodable bundle entry", zap.String("cacheKey", ck), zap.Error(err))
		s.tier.delete(ctx, ck)
		return s.store.GetNamespace(ctx, ns, loc, includeUnpublished)
	}
	return bundle, nil
}

// runGuarded bounds the caller's wait by WaitTimeout and records store
// recompute metrics.
func (s *ContentService) runGuarded(ctx context.Context, kind, ck string, ttl time.Duration, load recomputeFunc) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
	defer cancel()
	return s.guard.RunExclusive(waitCtx, kind, ck, ttl, func(ctx context.Context) ([]byte, error) {
		start := time.Now()
		value, err := load(ctx)
		observability.StoreReadDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		observability.StoreRecomputesTotal.WithLabelValues(kind, recomputeResult(err)).Inc()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			observability.LoggerFromContext(ctx, s.logger).Warn("recompute failed", zap.String("cacheKey", ck), zap.Error(err))
		}
		return value, err
	})
}

func recomputeResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func decodeBundle(raw []byte) (map[string]string, error) {
	bundle := map[string]string{}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// CreateKey defines key with its initial translations. An empty namespace is
// derived from the key.
func (s *ContentService) CreateKey(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (models.ContentKey, error) {
	k, err := validation.ValidateKey(key)
	if err != nil {
		return models.ContentKey{}, invalid(err)
	}
	if namespace != "" {
		if namespace, err = validation.ValidateNamespace(namespace); err != nil {
			return models.ContentKey{}, invalid(err)
		}
	}
	normalized := make(map[string]models.LocalizedValue, len(translations))
	for locale, lv := range translations {
		loc, err := validation.ValidateLocale(locale)
		if err != nil {
			return models.ContentKey{}, invalid(err)
		}
		if err := validation.ValidateValue(lv.Value); err != nil {
			return models.ContentKey{}, invalid(err)
		}
		loc = models.NormalizeLocale(loc)
		if _, dup := normalized[loc]; dup {
			return models.ContentKey{}, invalid(fmt.Errorf("locale %q given more than once", loc))
		}
		normalized[loc] = lv
	}

	ck, err := s.store.Create(ctx, k, namespace, normalized)
	s.recordWrite("create", err)
	if err != nil {
		return models.ContentKey{}, err
	}
	ictx := context.WithoutCancel(ctx)
	for locale := range normalized {
		s.invalidateTranslation(ictx, ck.Key, ck.Namespace, locale)
	}
	return ck, nil
}

// UpdateValue writes value through the store, which records the previous
// value as a version, then invalidates the single and bundle entries the
// change affects. Invalidation has completed when UpdateValue returns.
func (s *ContentService) UpdateValue(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (models.Translation, error) {
	key, locale, err := normalizeKeyLocale(key, locale)
	if err != nil {
		return models.Translation{}, err
	}
	if err := validation.ValidateValue(value); err != nil {
		return models.Translation{}, invalid(err)
	}
	if err := validation.ValidateReason(reason); err != nil {
		return models.Translation{}, invalid(err)
	}

	tr, err := s.store.Update(ctx, key, locale, value, actor, reason)
	s.recordWrite("update", err)
	if err != nil {
		return models.Translation{}, err
	}
	s.invalidateTranslation(context.WithoutCancel(ctx), tr.Key, tr.Namespace, tr.Locale)
	s.versionWritten()
	observability.LoggerFromContext(ctx, s.logger).Info("content updated",
		zap.String("key", tr.Key), zap.String("locale", tr.Locale), zap.String("actor", string(actor)))
	return tr, nil
}

// SetPublished changes whether a translation is served to readers. No
// version is recorded.
func (s *ContentService) SetPublished(ctx context.Context, key, locale string, published bool) (models.Translation, error) {
	key, locale, err := normalizeKeyLocale(key, locale)
	if err != nil {
		return models.Translation{}, err
	}
	tr, err := s.store.SetPublished(ctx, key, locale, published)
	s.recordWrite("publish", err)
	if err != nil {
		return models.Translation{}, err
	}
	s.invalidateTranslation(context.WithoutCancel(ctx), tr.Key, tr.Namespace, tr.Locale)
	return tr, nil
}

// RollbackValue restores the value captured by versionID. The pre-rollback
// value is recorded as a new version, so a rollback can itself be undone.
func (s *ContentService) RollbackValue(ctx context.Context, versionID int64, actor models.Actor) (models.Translation, error) {
	if versionID <= 0 {
		return models.Translation{}, fmt.Errorf("%w: version id must be positive", ErrInvalidArgument)
	}
	tr, err := s.store.Rollback(ctx, versionID, actor)
	s.recordWrite("rollback", err)
	if err != nil {
		return models.Translation{}, err
	}
	s.invalidateTranslation(context.WithoutCancel(ctx), tr.Key, tr.Namespace, tr.Locale)
	s.versionWritten()
	observability.LoggerFromContext(ctx, s.logger).Info("content rolled back",
		zap.Int64("versionId", versionID), zap.String("key", tr.Key), zap.String("locale", tr.Locale), zap.String("actor", string(actor)))
	return tr, nil
}

// DeleteKey removes key with all of its translations and history.
func (s *ContentService) DeleteKey(ctx context.Context, key string) error {
	k, err := validation.ValidateKey(key)
	if err != nil {
		return invalid(err)
	}
	removed, err := s.store.Delete(ctx, k)
	s.recordWrite("delete", err)
	if err != nil {
		return err
	}
	ictx := context.WithoutCancel(ctx)
	for _, tr := range removed {
		s.invalidateTranslation(ictx, tr.Key, tr.Namespace, tr.Locale)
	}
	return nil
}

// ListVersions returns up to limit versions of (key, locale), most recent
// first. Never cached.
func (s *ContentService) ListVersions(ctx context.Context, key, locale string, limit int) ([]models.Version, error) {
	key, locale, err := normalizeKeyLocale(key, locale)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultVersionsLimit
	}
	return s.store.ListVersions(ctx, key, locale, limit)
}

// InvalidateKey drops the cached value of (key, locale) and the bundles the
// key is served under. The stored namespace is looked up; when that fails
// only the derived namespace is dropped. Idempotent.
func (s *ContentService) InvalidateKey(ctx context.Context, key, locale string) error {
	key, locale, err := normalizeKeyLocale(key, locale)
	if err != nil {
		return err
	}
	var namespace string
	if tr, err := s.store.Get(ctx, key, locale); err == nil {
		namespace = tr.Namespace
	} else if !errors.Is(err, store.ErrNotFound) {
		observability.LoggerFromContext(ctx, s.logger).Debug("namespace lookup failed, invalidating derived namespace",
			zap.String("key", key), zap.String("locale", locale), zap.Error(err))
	}
	s.invalidateTranslation(context.WithoutCancel(ctx), key, namespace, locale)
	return nil
}

// InvalidateNamespace drops both bundle variants of namespace in locale. Idempotent.
func (s *ContentService) InvalidateNamespace(ctx context.Context, namespace, locale string) error {
	ns, err := validation.ValidateNamespace(namespace)
	if err != nil {
		return invalid(err)
	}
	loc, err := validation.ValidateLocale(locale)
	if err != nil {
		return invalid(err)
	}
	s.invalidateBundles(ctx, models.NormalizeKey(ns), models.NormalizeLocale(loc))
	return nil
}

// invalidateTranslation drops the single entry of (key, locale) and the
// bundles of every namespace the key may be served under: the stored one
// and, when it differs, the derived one.
func (s *ContentService) invalidateTranslation(ctx context.Context, key, namespace, locale string) {
	s.invalidate(ctx, kindSingle, singleCacheKey(key, locale))
	derived := models.DeriveNamespace(key)
	if namespace != "" && namespace != derived {
		s.invalidateBundles(ctx, namespace, locale)
	}
	s.invalidateBundles(ctx, derived, locale)
}

func (s *ContentService) invalidateBundles(ctx context.Context, namespace, locale string) {
	s.invalidate(ctx, kindBundle, bundleCacheKey(namespace, locale, false))
	s.invalidate(ctx, kindBundle, bundleCacheKey(namespace, locale, true))
}

// invalidate marks any in-flight recompute of ck stale before deleting the
// entry, so a recompute that read the store before the write cannot
// repopulate it.
func (s *ContentService) invalidate(ctx context.Context, kind, ck string) {
	s.guard.Invalidate(ck)
	s.tier.delete(ctx, ck)
	observability.CacheInvalidationsTotal.WithLabelValues(kind).Inc()
}

func (s *ContentService) versionWritten() {
	if s.opts.OnVersionWritten != nil {
		s.opts.OnVersionWritten()
	}
}

func (s *ContentService) recordWrite(op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		result = "not_found"
	case errors.Is(err, store.ErrDuplicateKey):
		result = "duplicate"
	default:
		result = "error"
	}
	observability.ContentWritesTotal.WithLabelValues(op, result).Inc()
}

func normalizeKeyLocale(key, locale string) (string, string, error) {
	k, err := validation.ValidateKey(key)
	if err != nil {
		return "", "", invalid(err)
	}
	loc, err := validation.ValidateLocale(locale)
	if err != nil {
		return "", "", invalid(err)
	}
	return models.NormalizeKey(k), models.NormalizeLocale(loc), nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}
