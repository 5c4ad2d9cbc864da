package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/content-cache-service/internal/models"
)

type translationID struct {
	key    string
	locale string
}

type keyRecord struct {
	entry        models.ContentKey
	translations map[string]*models.Translation
}

// MemoryStore implements Store in process memory. Safe for concurrent use.
// Used by tests and the in_memory store backend.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     map[string]*keyRecord
	versions map[translationID][]models.Version // oldest first
	owners   map[int64]translationID
	nextID   int64
	now      Clock
}

// NewMemoryStore returns an empty MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		keys:     make(map[string]*keyRecord),
		versions: make(map[translationID][]models.Version),
		owners:   make(map[int64]translationID),
		now:      clock,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key, locale string) (models.Translation, error) {
	if err := ctx.Err(); err != nil {
		return models.Translation{}, Unavailable("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, err := s.lookupLocked(models.NormalizeKey(key), models.NormalizeLocale(locale))
	if err != nil {
		return models.Translation{}, err
	}
	return *tr, nil
}

func (s *MemoryStore) GetNamespace(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("get namespace", err)
	}
	namespace = models.NormalizeKey(namespace)
	locale = models.NormalizeLocale(locale)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for key, rec := range s.keys {
		if rec.entry.Namespace != namespace {
			continue
		}
		tr, ok := rec.translations[locale]
		if !ok || (!tr.Published && !includeUnpublished) {
			continue
		}
		out[key] = tr.Value
	}
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (models.ContentKey, error) {
	if err := ctx.Err(); err != nil {
		return models.ContentKey{}, Unavailable("create", err)
	}
	key = models.NormalizeKey(key)
	if key == "" {
		return models.ContentKey{}, fmt.Errorf("key is required")
	}
	namespace = models.NormalizeKey(namespace)
	if namespace == "" {
		namespace = models.DeriveNamespace(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return models.ContentKey{}, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	now := s.now().UTC()
	rec := &keyRecord{
		entry:        models.ContentKey{Key: key, Namespace: namespace, CreatedAt: now},
		translations: make(map[string]*models.Translation, len(translations)),
	}
	for locale, lv := range translations {
		locale = models.NormalizeLocale(locale)
		rec.translations[locale] = &models.Translation{
			Key:       key,
			Namespace: namespace,
			Locale:    locale,
			Value:     lv.Value,
			Published: lv.Published,
			UpdatedAt: now,
		}
	}
	s.keys[key] = rec
	return rec.entry, nil
}

func (s *MemoryStore) Update(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (models.Translation, error) {
	if err := ctx.Err(); err != nil {
		return models.Translation{}, Unavailable("update", err)
	}
	key = models.NormalizeKey(key)
	locale = models.NormalizeLocale(locale)
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookupLocked(key, locale)
	if err != nil {
		return models.Translation{}, err
	}
	s.writeLocked(tr, value, actor, reason)
	return *tr, nil
}

func (s *MemoryStore) SetPublished(ctx context.Context, key, locale string, published bool) (models.Translation, error) {
	if err := ctx.Err(); err != nil {
		return models.Translation{}, Unavailable("set published", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.lookupLocked(models.NormalizeKey(key), models.NormalizeLocale(locale))
	if err != nil {
		return models.Translation{}, err
	}
	tr.Published = published
	tr.UpdatedAt = s.now().UTC()
	return *tr, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) ([]models.Translation, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("delete", err)
	}
	key = models.NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	removed := make([]models.Translation, 0, len(rec.translations))
	for locale, tr := range rec.translations {
		id := translationID{key: key, locale: locale}
		for _, v := range s.versions[id] {
			delete(s.owners, v.ID)
		}
		delete(s.versions, id)
		removed = append(removed, *tr)
	}
	delete(s.keys, key)
	sort.Slice(removed, func(i, j int) bool { return removed[i].Locale < removed[j].Locale })
	return removed, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, key, locale string, limit int) ([]models.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("list versions", err)
	}
	key = models.NormalizeKey(key)
	locale = models.NormalizeLocale(locale)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.lookupLocked(key, locale); err != nil {
		return nil, err
	}
	history := s.versions[translationID{key: key, locale: locale}]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]models.Version, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *MemoryStore) Rollback(ctx context.Context, versionID int64, actor models.Actor) (models.Translation, error) {
	if err := ctx.Err(); err != nil {
		return models.Translation{}, Unavailable("rollback", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.owners[versionID]
	if !ok {
		return models.Translation{}, fmt.Errorf("%w: version %d", ErrNotFound, versionID)
	}
	tr, err := s.lookupLocked(id.key, id.locale)
	if err != nil {
		return models.Translation{}, err
	}
	var target *models.Version
	for i := range s.versions[id] {
		if s.versions[id][i].ID == versionID {
			target = &s.versions[id][i]
			break
		}
	}
	if target == nil {
		return models.Translation{}, fmt.Errorf("%w: version %d", ErrNotFound, versionID)
	}
	s.writeLocked(tr, target.Value, actor, RollbackReason(versionID))
	return *tr, nil
}

func (s *MemoryStore) PruneVersions(ctx context.Context, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable("prune versions", err)
	}
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, history := range s.versions {
		excess := len(history) - keep
		if excess <= 0 {
			continue
		}
		for _, v := range history[:excess] {
			delete(s.owners, v.ID)
		}
		s.versions[id] = append([]models.Version(nil), history[excess:]...)
		removed += excess
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// lookupLocked returns the live translation for (key, locale). Must be called with mu held.
func (s *MemoryStore) lookupLocked(key, locale string) (*models.Translation, error) {
	rec, ok := s.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	tr, ok := rec.translations[locale]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, key, locale)
	}
	return tr, nil
}

// writeLocked appends a version carrying the current value, then sets value.
// Must be called with mu held for writing.
func (s *MemoryStore) writeLocked(tr *models.Translation, value string, actor models.Actor, reason string) {
	now := s.now().UTC()
	s.nextID++
	id := translationID{key: tr.Key, locale: tr.Locale}
	s.versions[id] = append(s.versions[id], models.Version{
		ID:        s.nextID,
		Key:       tr.Key,
		Locale:    tr.Locale,
		Value:     tr.Value,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: now,
	})
	s.owners[s.nextID] = id
	tr.Value = value
	tr.UpdatedAt = now
}
