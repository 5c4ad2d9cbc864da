// Package storetest holds the behavioural test suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicateIsCaseInsensitive", testCreateDuplicate},
		{"GetMissing", testGetMissing},
		{"GetNamespacePublishedOnly", testGetNamespace},
		{"ExplicitNamespace", testExplicitNamespace},
		{"UpdateWritesVersion", testUpdateWritesVersion},
		{"UpdateMissing", testUpdateMissing},
		{"ListVersionsOrderAndLimit", testListVersionsOrder},
		{"Rollback", testRollback},
		{"RollbackMissingVersion", testRollbackMissing},
		{"SetPublished", testSetPublished},
		{"DeleteCascades", testDeleteCascades},
		{"PruneKeepsNewest", testPruneKeepsNewest},
		{"PruneIdempotent", testPruneIdempotent},
		{"ConcurrentUpdates", testConcurrentUpdates},
		{"PruneConcurrentWithWrites", testPruneConcurrentWithWrites},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func seed(t *testing.T, s store.Store, key string, values map[string]models.LocalizedValue) {
	t.Helper()
	_, err := s.Create(context.Background(), key, "", values)
	require.NoError(t, err)
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	ck, err := s.Create(ctx, "Page.Home.Title", "", map[string]models.LocalizedValue{
		"EN": {Value: "Welcome", Published: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "page.home.title", ck.Key)
	assert.Equal(t, "page.home", ck.Namespace)

	tr, err := s.Get(ctx, "page.home.title", "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", tr.Value)
	assert.True(t, tr.Published)
	assert.Equal(t, "page.home", tr.Namespace)
	assert.Equal(t, "en", tr.Locale)
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	seed(t, s, "nav.login", map[string]models.LocalizedValue{"en": {Value: "Log in", Published: true}})
	_, err := s.Create(context.Background(), "NAV.Login", "", nil)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func testGetMissing(t *testing.T, s store.Store) {
	seed(t, s, "nav.login", map[string]models.LocalizedValue{"en": {Value: "Log in", Published: true}})
	_, err := s.Get(context.Background(), "nav.logout", "en")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(context.Background(), "nav.login", "fr")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetNamespace(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "page.home.title", map[string]models.LocalizedValue{
		"en": {Value: "Welcome", Published: true},
		"fr": {Value: "Bienvenue", Published: true},
	})
	seed(t, s, "page.home.draft", map[string]models.LocalizedValue{"en": {Value: "WIP", Published: false}})
	seed(t, s, "page.about.title", map[string]models.LocalizedValue{"en": {Value: "About", Published: true}})

	got, err := s.GetNamespace(ctx, "page.home", "en", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"page.home.title": "Welcome"}, got)

	got, err = s.GetNamespace(ctx, "page.home", "en", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"page.home.title": "Welcome", "page.home.draft": "WIP"}, got)

	got, err = s.GetNamespace(ctx, "missing", "en", false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testExplicitNamespace(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, "footer.copyright", "Legal", map[string]models.LocalizedValue{
		"en": {Value: "(c) 2026", Published: true},
	})
	require.NoError(t, err)
	got, err := s.GetNamespace(ctx, "legal", "en", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"footer.copyright": "(c) 2026"}, got)
	tr, err := s.Get(ctx, "footer.copyright", "en")
	require.NoError(t, err)
	assert.Equal(t, "legal", tr.Namespace)
}

func testUpdateWritesVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "page.home.title", map[string]models.LocalizedValue{"en": {Value: "Welcome", Published: true}})

	tr, err := s.Update(ctx, "PAGE.HOME.TITLE", "en", "Hello", "alice", "tone")
	require.NoError(t, err)
	assert.Equal(t, "Hello", tr.Value)
	assert.True(t, tr.Published)

	versions, err := s.ListVersions(ctx, "page.home.title", "en", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "Welcome", versions[0].Value)
	assert.Equal(t, models.Actor("alice"), versions[0].Actor)
	assert.Equal(t, "tone", versions[0].Reason)
	assert.NotZero(t, versions[0].ID)
}

func testUpdateMissing(t *testing.T, s store.Store) {
	_, err := s.Update(context.Background(), "nope", "en", "x", "alice", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListVersionsOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "a.b", map[string]models.LocalizedValue{"en": {Value: "v0", Published: true}})
	for i := 1; i <= 5; i++ {
		_, err := s.Update(ctx, "a.b", "en", fmt.Sprintf("v%d", i), "bob", "")
		require.NoError(t, err)
	}
	versions, err := s.ListVersions(ctx, "a.b", "en", 3)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "v4", versions[0].Value)
	assert.Equal(t, "v3", versions[1].Value)
	assert.Equal(t, "v2", versions[2].Value)
	assert.Greater(t, versions[0].ID, versions[1].ID)

	_, err = s.ListVersions(ctx, "a.b", "de", 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "page.home.title", map[string]models.LocalizedValue{"en": {Value: "Welcome", Published: true}})
	_, err := s.Update(ctx, "page.home.title", "en", "Hello", "alice", "")
	require.NoError(t, err)

	versions, err := s.ListVersions(ctx, "page.home.title", "en", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	target := versions[0].ID

	tr, err := s.Rollback(ctx, target, "carol")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", tr.Value)

	versions, err = s.ListVersions(ctx, "page.home.title", "en", 10)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "Hello", versions[0].Value)
	assert.Equal(t, store.RollbackReason(target), versions[0].Reason)
	assert.Equal(t, models.Actor("carol"), versions[0].Actor)

	// Rolling back the rollback restores the pre-rollback value.
	tr, err = s.Rollback(ctx, versions[0].ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "Hello", tr.Value)
}

func testRollbackMissing(t *testing.T, s store.Store) {
	_, err := s.Rollback(context.Background(), 987654, "carol")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSetPublished(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "nav.beta", map[string]models.LocalizedValue{"en": {Value: "Beta", Published: false}})
	tr, err := s.SetPublished(ctx, "nav.beta", "en", true)
	require.NoError(t, err)
	assert.True(t, tr.Published)
	assert.Equal(t, "Beta", tr.Value)

	versions, err := s.ListVersions(ctx, "nav.beta", "en", 10)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = s.SetPublished(ctx, "nav.gamma", "en", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "page.home.title", map[string]models.LocalizedValue{
		"en": {Value: "Welcome", Published: true},
		"fr": {Value: "Bienvenue", Published: true},
	})
	_, err := s.Update(ctx, "page.home.title", "en", "Hello", "alice", "")
	require.NoError(t, err)
	versions, err := s.ListVersions(ctx, "page.home.title", "en", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	removed, err := s.Delete(ctx, "Page.Home.Title")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "en", removed[0].Locale)
	assert.Equal(t, "fr", removed[1].Locale)

	_, err = s.Get(ctx, "page.home.title", "en")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Rollback(ctx, versions[0].ID, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Delete(ctx, "page.home.title")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The key can be defined again after deletion.
	seed(t, s, "page.home.title", map[string]models.LocalizedValue{"en": {Value: "Again", Published: true}})
}

func testPruneKeepsNewest(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "page.home.title", map[string]models.LocalizedValue{"en": {Value: "v0", Published: true}})
	seed(t, s, "page.home.body", map[string]models.LocalizedValue{"en": {Value: "b0", Published: true}})
	for i := 1; i <= 12; i++ {
		_, err := s.Update(ctx, "page.home.title", "en", fmt.Sprintf("v%d", i), "bob", "")
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "page.home.body", "en", "b1", "bob", "")
	require.NoError(t, err)

	removed, err := s.PruneVersions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	versions, err := s.ListVersions(ctx, "page.home.title", "en", 20)
	require.NoError(t, err)
	require.Len(t, versions, 10)
	assert.Equal(t, "v11", versions[0].Value)
	assert.Equal(t, "v2", versions[9].Value)

	body, err := s.ListVersions(ctx, "page.home.body", "en", 20)
	require.NoError(t, err)
	assert.Len(t, body, 1)
}

func testPruneIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "a.b", map[string]models.LocalizedValue{"en": {Value: "v0", Published: true}})
	for i := 1; i <= 4; i++ {
		_, err := s.Update(ctx, "a.b", "en", fmt.Sprintf("v%d", i), "bob", "")
		require.NoError(t, err)
	}
	n, err := s.PruneVersions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.PruneVersions(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "a.b", map[string]models.LocalizedValue{"en": {Value: "v0", Published: true}})
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "a.b", "en", fmt.Sprintf("w%d", i), "bob", "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	versions, err := s.ListVersions(ctx, "a.b", "en", 100)
	require.NoError(t, err)
	assert.Len(t, versions, writers)
}

// testPruneConcurrentWithWrites sweeps repeatedly while translations are
// updated and rolled back. A sweep must never remove the version a write has
// just recorded, and once writes stop only the keep newest versions remain.
func testPruneConcurrentWithWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	const (
		keep      = 3
		updates   = 12
		rollbacks = 10
	)
	locales := []string{"en", "de", "fr", "es"}
	values := make(map[string]models.LocalizedValue, len(locales))
	for _, loc := range locales {
		values[loc] = models.LocalizedValue{Value: loc + "-0", Published: true}
	}
	seed(t, s, "page.home.title", values)
	seed(t, s, "page.home.body", map[string]models.LocalizedValue{"en": {Value: "b0", Published: true}})
	_, err := s.Update(ctx, "page.home.body", "en", "b1", "bob", "")
	require.NoError(t, err)

	var writers sync.WaitGroup
	for _, loc := range locales {
		writers.Add(1)
		go func(loc string) {
			defer writers.Done()
			for j := 1; j <= updates; j++ {
				if _, err := s.Update(ctx, "page.home.title", loc, fmt.Sprintf("%s-%d", loc, j), "bob", ""); !assert.NoError(t, err) {
					return
				}
				latest, err := s.ListVersions(ctx, "page.home.title", loc, 1)
				if assert.NoError(t, err) && assert.Len(t, latest, 1) {
					assert.Equal(t, fmt.Sprintf("%s-%d", loc, j-1), latest[0].Value, "version just written was pruned")
				}
			}
		}(loc)
	}
	writers.Add(1)
	go func() {
		defer writers.Done()
		for i := 0; i < rollbacks; i++ {
			latest, err := s.ListVersions(ctx, "page.home.body", "en", 1)
			if !assert.NoError(t, err) || !assert.Len(t, latest, 1) {
				return
			}
			if _, err := s.Rollback(ctx, latest[0].ID, "alice"); !assert.NoError(t, err) {
				return
			}
		}
	}()

	stop := make(chan struct{})
	pruned := make(chan struct{})
	go func() {
		defer close(pruned)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.PruneVersions(ctx, keep)
			assert.NoError(t, err)
		}
	}()
	writers.Wait()
	close(stop)
	<-pruned

	_, err = s.PruneVersions(ctx, keep)
	require.NoError(t, err)

	for _, loc := range locales {
		tr, err := s.Get(ctx, "page.home.title", loc)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%s-%d", loc, updates), tr.Value)

		versions, err := s.ListVersions(ctx, "page.home.title", loc, 100)
		require.NoError(t, err)
		require.Len(t, versions, keep)
		for i, v := range versions {
			assert.Equal(t, fmt.Sprintf("%s-%d", loc, updates-1-i), v.Value)
			if i > 0 {
				assert.Less(t, v.ID, versions[i-1].ID, "versions newest first by id")
			}
		}
	}

	// An even number of rollbacks of the latest version lands back on b1.
	body, err := s.Get(ctx, "page.home.body", "en")
	require.NoError(t, err)
	assert.Equal(t, "b1", body.Value)
	history, err := s.ListVersions(ctx, "page.home.body", "en", 100)
	require.NoError(t, err)
	assert.Len(t, history, keep)
}
