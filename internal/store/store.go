// Package store defines the durable Content Store: dictionary keys, their
// per-locale translations and the version history of every value change.
// It has no knowledge of caching.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/content-cache-service/internal/models"
)

var (
	// ErrNotFound is returned when a key, translation or version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned by Create when the key already exists (case-insensitive).
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrStoreUnavailable wraps I/O failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// DefaultVersionRetention is the number of versions kept per translation.
const DefaultVersionRetention = 10

// Store is the Content Store contract. Implementations normalize keys and
// locales to canonical lowercase form.
type Store interface {
	// Get returns the translation for (key, locale) regardless of its published flag.
	Get(ctx context.Context, key, locale string) (models.Translation, error)
	// GetNamespace returns key -> value for every translation in namespace and locale.
	// Unpublished translations are included only when includeUnpublished is set.
	GetNamespace(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error)
	// Create defines key with the given translations. An empty namespace is
	// derived from the key.
	Create(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (models.ContentKey, error)
	// Update records the current value as a version and writes value, atomically.
	Update(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (models.Translation, error)
	// SetPublished changes the published flag without touching value or history.
	SetPublished(ctx context.Context, key, locale string, published bool) (models.Translation, error)
	// Delete removes key with all of its translations and versions and returns
	// the removed translations.
	Delete(ctx context.Context, key string) ([]models.Translation, error)
	// ListVersions returns up to limit versions, most recent first.
	ListVersions(ctx context.Context, key, locale string, limit int) ([]models.Version, error)
	// Rollback records the current value as a version and restores the value
	// captured by versionID.
	Rollback(ctx context.Context, versionID int64, actor models.Actor) (models.Translation, error)
	// PruneVersions deletes all but the keep most recent versions of every
	// translation and returns the number removed. Idempotent.
	PruneVersions(ctx context.Context, keep int) (int, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Clock returns the current time. Stores use it for timestamps.
type Clock func() time.Time

// RollbackReason is the reason recorded on the version written by a rollback.
func RollbackReason(versionID int64) string {
	return fmt.Sprintf("rollback to version %d", versionID)
}

// Unavailable wraps err as ErrStoreUnavailable unless it already carries a
// store sentinel. The original error stays reachable through errors.Is.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
