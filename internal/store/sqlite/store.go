// Package sqlite provides a SQLite-backed Content Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/store"
	"github.com/kjstillabower/content-cache-service/internal/store/sqlite/migrations"
)

// Store persists content keys, translations and versions in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   store.Clock
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations. A nil
// clock uses time.Now.
func Open(ctx context.Context, path string, clock store.Clock) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if clock == nil {
		clock = time.Now
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite has a single writer; one connection keeps read-modify-write
	// transactions from failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: clock}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.sqlDB.PingContext(ctx))
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectTranslation = `SELECT t.id, t.key, k.namespace, t.locale, t.value, t.published, t.updated_at
   FROM translations t
   JOIN content_keys k ON k.key = t.key`

func scanTranslation(row *sql.Row) (int64, models.Translation, error) {
	var (
		id        int64
		tr        models.Translation
		published int
		updatedAt int64
	)
	if err := row.Scan(&id, &tr.Key, &tr.Namespace, &tr.Locale, &tr.Value, &published, &updatedAt); err != nil {
		return 0, models.Translation{}, err
	}
	tr.Published = published != 0
	tr.UpdatedAt = fromMillis(updatedAt)
	return id, tr, nil
}

func getTranslation(ctx context.Context, q querier, key, locale string) (int64, models.Translation, error) {
	id, tr, err := scanTranslation(q.QueryRowContext(ctx, selectTranslation+`
  WHERE t.key = ? AND t.locale = ?`, key, locale))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.Translation{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, key, locale)
	}
	return id, tr, err
}

func getTranslationByID(ctx context.Context, q querier, id int64) (models.Translation, error) {
	_, tr, err := scanTranslation(q.QueryRowContext(ctx, selectTranslation+`
  WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Translation{}, fmt.Errorf("%w: translation %d", store.ErrNotFound, id)
	}
	return tr, err
}

func (s *Store) Get(ctx context.Context, key, locale string) (models.Translation, error) {
	_, tr, err := getTranslation(ctx, s.sqlDB, models.NormalizeKey(key), models.NormalizeLocale(locale))
	if err != nil {
		return models.Translation{}, store.Unavailable("get translation", err)
	}
	return tr, nil
}

func (s *Store) GetNamespace(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error) {
	include := 0
	if includeUnpublished {
		include = 1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT t.key, t.value
		   FROM translations t
		   JOIN content_keys k ON k.key = t.key
		  WHERE k.namespace = ? AND t.locale = ? AND (t.published = 1 OR ? = 1)`,
		models.NormalizeKey(namespace), models.NormalizeLocale(locale), include,
	)
	if err != nil {
		return nil, store.Unavailable("get namespace", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, store.Unavailable("scan namespace", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("iterate namespace", err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (models.ContentKey, error) {
	key = models.NormalizeKey(key)
	if key == "" {
		return models.ContentKey{}, fmt.Errorf("key is required")
	}
	namespace = models.NormalizeKey(namespace)
	if namespace == "" {
		namespace = models.DeriveNamespace(key)
	}
	now := s.now().UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_keys (key, namespace, created_at) VALUES (?, ?, ?)`,
			key, namespace, toMillis(now),
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", store.ErrDuplicateKey, key)
			}
			return fmt.Errorf("insert key: %w", err)
		}
		for locale, lv := range translations {
			published := 0
			if lv.Published {
				published = 1
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO translations (key, locale, value, published, updated_at) VALUES (?, ?, ?, ?, ?)`,
				key, models.NormalizeLocale(locale), lv.Value, published, toMillis(now),
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("duplicate locale %q for %s", locale, key)
				}
				return fmt.Errorf("insert translation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.ContentKey{}, store.Unavailable("create", err)
	}
	return models.ContentKey{Key: key, Namespace: namespace, CreatedAt: fromMillis(toMillis(now))}, nil
}

func (s *Store) Update(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (models.Translation, error) {
	key = models.NormalizeKey(key)
	locale = models.NormalizeLocale(locale)
	var out models.Translation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		id, current, err := getTranslation(ctx, tx, key, locale)
		if err != nil {
			return err
		}
		if err := s.writeValue(ctx, tx, id, current.Value, value, actor, reason); err != nil {
			return err
		}
		out, err = getTranslationByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return models.Translation{}, store.Unavailable("update", err)
	}
	return out, nil
}

func (s *Store) SetPublished(ctx context.Context, key, locale string, published bool) (models.Translation, error) {
	key = models.NormalizeKey(key)
	locale = models.NormalizeLocale(locale)
	flag := 0
	if published {
		flag = 1
	}
	var out models.Translation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		id, _, err := getTranslation(ctx, tx, key, locale)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE translations SET published = ?, updated_at = ? WHERE id = ?`,
			flag, toMillis(s.now()), id,
		); err != nil {
			return fmt.Errorf("update published: %w", err)
		}
		out, err = getTranslationByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return models.Translation{}, store.Unavailable("set published", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) ([]models.Translation, error) {
	key = models.NormalizeKey(key)
	var removed []models.Translation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var namespace string
		err := tx.QueryRowContext(ctx, `SELECT namespace FROM content_keys WHERE key = ?`, key).Scan(&namespace)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: key %s", store.ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("select key: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT locale, value, published, updated_at FROM translations WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("select translations: %w", err)
		}
		for rows.Next() {
			tr := models.Translation{Key: key, Namespace: namespace}
			var published int
			var updatedAt int64
			if err := rows.Scan(&tr.Locale, &tr.Value, &published, &updatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan translation: %w", err)
			}
			tr.Published = published != 0
			tr.UpdatedAt = fromMillis(updatedAt)
			removed = append(removed, tr)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		stmts := []string{
			`DELETE FROM translation_versions WHERE translation_id IN (SELECT id FROM translations WHERE key = ?)`,
			`DELETE FROM translations WHERE key = ?`,
			`DELETE FROM content_keys WHERE key = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
				return fmt.Errorf("delete key: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, store.Unavailable("delete", err)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Locale < removed[j].Locale })
	return removed, nil
}

func (s *Store) ListVersions(ctx context.Context, key, locale string, limit int) ([]models.Version, error) {
	key = models.NormalizeKey(key)
	locale = models.NormalizeLocale(locale)
	id, _, err := getTranslation(ctx, s.sqlDB, key, locale)
	if err != nil {
		return nil, store.Unavailable("list versions", err)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, value, actor, reason, created_at
		   FROM translation_versions
		  WHERE translation_id = ?
		  ORDER BY id DESC
		  LIMIT ?`,
		id, limit,
	)
	if err != nil {
		return nil, store.Unavailable("list versions", err)
	}
	defer rows.Close()

	out := make([]models.Version, 0)
	for rows.Next() {
		v := models.Version{Key: key, Locale: locale}
		var actor string
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.Value, &actor, &v.Reason, &createdAt); err != nil {
			return nil, store.Unavailable("scan version", err)
		}
		v.Actor = models.Actor(actor)
		v.CreatedAt = fromMillis(createdAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("iterate versions", err)
	}
	return out, nil
}

func (s *Store) Rollback(ctx context.Context, versionID int64, actor models.Actor) (models.Translation, error) {
	var out models.Translation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var translationID int64
		var target string
		err := tx.QueryRowContext(ctx,
			`SELECT translation_id, value FROM translation_versions WHERE id = ?`, versionID,
		).Scan(&translationID, &target)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: version %d", store.ErrNotFound, versionID)
		}
		if err != nil {
			return fmt.Errorf("select version: %w", err)
		}
		current, err := getTranslationByID(ctx, tx, translationID)
		if err != nil {
			return err
		}
		if err := s.writeValue(ctx, tx, translationID, current.Value, target, actor, store.RollbackReason(versionID)); err != nil {
			return err
		}
		out, err = getTranslationByID(ctx, tx, translationID)
		return err
	})
	if err != nil {
		return models.Translation{}, store.Unavailable("rollback", err)
	}
	return out, nil
}

// PruneVersions ranks versions per translation in a single statement, so a
// version written concurrently is never ranked past keep.
func (s *Store) PruneVersions(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM translation_versions
		  WHERE id IN (
		    SELECT id FROM (
		      SELECT id, ROW_NUMBER() OVER (PARTITION BY translation_id ORDER BY id DESC) AS rn
		        FROM translation_versions
		    ) WHERE rn > ?
		  )`,
		keep,
	)
	if err != nil {
		return 0, store.Unavailable("prune versions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Unavailable("prune versions", err)
	}
	return int(n), nil
}

// writeValue records oldValue as a version of translation id and sets newValue.
func (s *Store) writeValue(ctx context.Context, tx *sql.Tx, id int64, oldValue, newValue string, actor models.Actor, reason string) error {
	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO translation_versions (translation_id, value, actor, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, oldValue, string(actor), reason, now,
	); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE translations SET value = ?, updated_at = ? WHERE id = ?`,
		newValue, now, id,
	); err != nil {
		return fmt.Errorf("update translation: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
