package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjstillabower/content-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/content-cache-service/internal/models"
)

// BreakerStore wraps a Store with a circuit breaker. Only ErrStoreUnavailable
// counts as a failure; while the breaker is open every call returns
// ErrStoreUnavailable without reaching the inner store.
type BreakerStore struct {
	inner   Store
	breaker *circuitbreaker.CircuitBreaker
}

// IsStoreFailure reports whether err should count toward opening a breaker.
func IsStoreFailure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// WithBreaker returns inner guarded by cb. cb should be built with
// IsFailure: IsStoreFailure.
func WithBreaker(inner Store, cb *circuitbreaker.CircuitBreaker) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: cb}
}

func (b *BreakerStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := b.breaker.Call(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
	}
	return err
}

func (b *BreakerStore) Get(ctx context.Context, key, locale string) (tr models.Translation, err error) {
	err = b.call(ctx, "get", func(ctx context.Context) error {
		tr, err = b.inner.Get(ctx, key, locale)
		return err
	})
	return tr, err
}

func (b *BreakerStore) GetNamespace(ctx context.Context, namespace, locale string, includeUnpublished bool) (out map[string]string, err error) {
	err = b.call(ctx, "get namespace", func(ctx context.Context) error {
		out, err = b.inner.GetNamespace(ctx, namespace, locale, includeUnpublished)
		return err
	})
	return out, err
}

func (b *BreakerStore) Create(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (ck models.ContentKey, err error) {
	err = b.call(ctx, "create", func(ctx context.Context) error {
		ck, err = b.inner.Create(ctx, key, namespace, translations)
		return err
	})
	return ck, err
}

func (b *BreakerStore) Update(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (tr models.Translation, err error) {
	err = b.call(ctx, "update", func(ctx context.Context) error {
		tr, err = b.inner.Update(ctx, key, locale, value, actor, reason)
		return err
	})
	return tr, err
}

func (b *BreakerStore) SetPublished(ctx context.Context, key, locale string, published bool) (tr models.Translation, err error) {
	err = b.call(ctx, "set published", func(ctx context.Context) error {
		tr, err = b.inner.SetPublished(ctx, key, locale, published)
		return err
	})
	return tr, err
}

func (b *BreakerStore) Delete(ctx context.Context, key string) (removed []models.Translation, err error) {
	err = b.call(ctx, "delete", func(ctx context.Context) error {
		removed, err = b.inner.Delete(ctx, key)
		return err
	})
	return removed, err
}

func (b *BreakerStore) ListVersions(ctx context.Context, key, locale string, limit int) (out []models.Version, err error) {
	err = b.call(ctx, "list versions", func(ctx context.Context) error {
		out, err = b.inner.ListVersions(ctx, key, locale, limit)
		return err
	})
	return out, err
}

func (b *BreakerStore) Rollback(ctx context.Context, versionID int64, actor models.Actor) (tr models.Translation, err error) {
	err = b.call(ctx, "rollback", func(ctx context.Context) error {
		tr, err = b.inner.Rollback(ctx, versionID, actor)
		return err
	})
	return tr, err
}

func (b *BreakerStore) PruneVersions(ctx context.Context, keep int) (n int, err error) {
	err = b.call(ctx, "prune versions", func(ctx context.Context) error {
		n, err = b.inner.PruneVersions(ctx, keep)
		return err
	})
	return n, err
}

// Ping bypasses the breaker so health checks can observe recovery.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}
