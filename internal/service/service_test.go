package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/store"
)

const (
	homeTitle = "page.home.title"
	editor    = models.Actor("editor@example.com")
)

func newTestService(t *testing.T, st store.Store, c cache.Cache, opts Options) *ContentService {
	t.Helper()
	return NewContentService(st, c, opts, zap.NewNop())
}

func seedHomeTitle(t *testing.T, svc *ContentService) {
	t.Helper()
	_, err := svc.CreateKey(context.Background(), homeTitle, "", map[string]models.LocalizedValue{
		"en": {Value: "Welcome", Published: true},
		"de": {Value: "Willkommen", Published: true},
	})
	require.NoError(t, err)
}

func TestCacheKeysDoNotCollide(t *testing.T) {
	keys := map[string]bool{
		singleCacheKey("page.home", "en"):        true,
		bundleCacheKey("page.home", "en", false): true,
		bundleCacheKey("page.home", "en", true):  true,
		singleCacheKey("page.home", "de"):        true,
	}
	assert.Len(t, keys, 4)
}

// Create, read, update, read again, then inspect history.
func TestContentService_ScenarioA(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCountingStore(), cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)

	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got)

	_, err = svc.UpdateValue(ctx, homeTitle, "en", "Hello", editor, "copy refresh")
	require.NoError(t, err)

	got, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)

	versions, err := svc.ListVersions(ctx, homeTitle, "en", 0)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "Welcome", versions[0].Value)
	assert.Equal(t, editor, versions[0].Actor)
	assert.Equal(t, "copy refresh", versions[0].Reason)
}

// Fifty concurrent readers of a cold key with a 100ms store read hit the
// store exactly once.
func TestContentService_ScenarioB(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)
	st.delay = 100 * time.Millisecond

	const callers = 50
	var wg sync.WaitGroup
	values := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = svc.GetValue(ctx, homeTitle, "en")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Welcome", values[i])
	}
	assert.EqualValues(t, 1, st.gets.Load())
	assert.Eventually(t, func() bool { return svc.GuardHandles() == 0 }, 2*time.Second, 5*time.Millisecond)
}

// Twelve updates with retention 10 leave exactly ten versions after the
// janitor runs.
func TestContentService_ScenarioC(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, nil, Options{})
	seedHomeTitle(t, svc)

	for i := 1; i <= 12; i++ {
		_, err := svc.UpdateValue(ctx, homeTitle, "en", "v"+string(rune('a'+i)), editor, "")
		require.NoError(t, err)
	}
	versions, err := svc.ListVersions(ctx, homeTitle, "en", 20)
	require.NoError(t, err)
	assert.Len(t, versions, 12, "write path must not prune")

	j := NewVersionJanitor(st, 10, zap.NewNop())
	removed, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	versions, err = svc.ListVersions(ctx, homeTitle, "en", 20)
	require.NoError(t, err)
	require.Len(t, versions, 10)
	// Oldest retained is the value written by the second update; "Welcome"
	// and the first update's value were collected.
	assert.Equal(t, "vc", versions[9].Value)
	assert.Equal(t, "vl", versions[0].Value)
}

func TestContentService_JanitorRunsAfterWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := newCountingStore()
	j := NewVersionJanitor(st, 3, zap.NewNop())
	svc := newTestService(t, st, nil, Options{OnVersionWritten: j.Notify})
	seedHomeTitle(t, svc)

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, 0) }()

	for i := 0; i < 6; i++ {
		_, err := svc.UpdateValue(ctx, homeTitle, "en", "v"+string(rune('0'+i)), editor, "")
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		versions, err := svc.ListVersions(context.Background(), homeTitle, "en", 20)
		return err == nil && len(versions) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// After an update returns, both the single entry and every bundle that
// contains the key reflect the new value.
func TestContentService_UpdateInvalidatesSingleAndBundles(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)
	_, err := svc.CreateKey(ctx, "page.home.subtitle", "", map[string]models.LocalizedValue{
		"en": {Value: "Draft", Published: false},
	})
	require.NoError(t, err)

	// Warm every entry.
	_, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	published, err := svc.GetBundle(ctx, "page.home", "en", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{homeTitle: "Welcome"}, published)
	all, err := svc.GetBundle(ctx, "page.home", "en", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{homeTitle: "Welcome", "page.home.subtitle": "Draft"}, all)

	_, err = svc.UpdateValue(ctx, homeTitle, "en", "Hello", editor, "")
	require.NoError(t, err)

	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
	published, err = svc.GetBundle(ctx, "page.home", "en", false)
	require.NoError(t, err)
	assert.Equal(t, "Hello", published[homeTitle])
	all, err = svc.GetBundle(ctx, "page.home", "en", true)
	require.NoError(t, err)
	assert.Equal(t, "Hello", all[homeTitle])

	// Other locales stay cached.
	before := st.gets.Load()
	_, err = svc.GetValue(ctx, homeTitle, "de")
	require.NoError(t, err)
	_, err = svc.GetValue(ctx, homeTitle, "de")
	require.NoError(t, err)
	assert.Equal(t, before+1, st.gets.Load())
}

func TestContentService_ExplicitNamespaceBundles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCountingStore(), cache.NewInMemoryCache(0), Options{})
	_, err := svc.CreateKey(ctx, "errors.auth.expired", "checkout", map[string]models.LocalizedValue{
		"en": {Value: "Session expired", Published: true},
	})
	require.NoError(t, err)

	bundle, err := svc.GetBundle(ctx, "checkout", "en", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"errors.auth.expired": "Session expired"}, bundle)

	_, err = svc.UpdateValue(ctx, "errors.auth.expired", "en", "Please sign in again", editor, "")
	require.NoError(t, err)
	bundle, err = svc.GetBundle(ctx, "checkout", "en", false)
	require.NoError(t, err)
	assert.Equal(t, "Please sign in again", bundle["errors.auth.expired"])

	// Namespaces match exactly; a parent namespace is a different bundle.
	parent, err := svc.GetBundle(ctx, "errors", "en", false)
	require.NoError(t, err)
	assert.Empty(t, parent)
}

// Rolling back restores the captured value, and rolling back the rollback
// restores the value it replaced.
func TestContentService_RollbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCountingStore(), cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)
	_, err := svc.UpdateValue(ctx, homeTitle, "en", "Hello", editor, "")
	require.NoError(t, err)
	_, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)

	versions, err := svc.ListVersions(ctx, homeTitle, "en", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	tr, err := svc.RollbackValue(ctx, versions[0].ID, editor)
	require.NoError(t, err)
	assert.Equal(t, "Welcome", tr.Value)
	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got)

	versions, err = svc.ListVersions(ctx, homeTitle, "en", 10)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "Hello", versions[0].Value)
	assert.Equal(t, store.RollbackReason(versions[1].ID), versions[0].Reason)

	_, err = svc.RollbackValue(ctx, versions[0].ID, editor)
	require.NoError(t, err)
	got, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
}

func TestContentService_RollbackUnknownVersion(t *testing.T) {
	svc := newTestService(t, newCountingStore(), nil, Options{})
	_, err := svc.RollbackValue(context.Background(), 999, editor)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.RollbackValue(context.Background(), 0, editor)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// Every operation stays correct with a cache that fails every call.
func TestContentService_CacheDegradedTransparency(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	fc := &failingCache{}
	svc := NewContentService(newCountingStore(), fc, Options{}, zap.New(core))
	seedHomeTitle(t, svc)

	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got)

	_, err = svc.UpdateValue(ctx, homeTitle, "en", "Hello", editor, "")
	require.NoError(t, err)
	got, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)

	bundle, err := svc.GetBundle(ctx, "page.home", "en", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{homeTitle: "Hello"}, bundle)

	versions, err := svc.ListVersions(ctx, homeTitle, "en", 10)
	require.NoError(t, err)
	_, err = svc.RollbackValue(ctx, versions[0].ID, editor)
	require.NoError(t, err)
	got, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got)

	require.NoError(t, svc.InvalidateKey(ctx, homeTitle, "en"))
	require.NoError(t, svc.InvalidateNamespace(ctx, "page.home", "en"))

	assert.Positive(t, fc.calls.Load())
	degraded := logs.FilterMessage("cache degraded").All()
	require.NotEmpty(t, degraded)
	assert.Equal(t, "connection", degraded[0].ContextMap()["category"])
}

func TestContentService_NoCache(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, nil, Options{})
	seedHomeTitle(t, svc)

	for i := 0; i < 3; i++ {
		got, err := svc.GetValue(ctx, homeTitle, "en")
		require.NoError(t, err)
		assert.Equal(t, "Welcome", got)
	}
	assert.EqualValues(t, 3, st.gets.Load())
}

func TestContentService_NotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	_, err := svc.CreateKey(ctx, "page.about.title", "", map[string]models.LocalizedValue{
		"en": {Value: "About", Published: false},
	})
	require.NoError(t, err)

	_, err = svc.GetValue(ctx, "page.about.title", "en")
	assert.ErrorIs(t, err, store.ErrNotFound, "unpublished")
	_, err = svc.GetValue(ctx, "page.missing", "en")
	assert.ErrorIs(t, err, store.ErrNotFound, "missing")

	_, err = svc.SetPublished(ctx, "page.about.title", "en", true)
	require.NoError(t, err)
	got, err := svc.GetValue(ctx, "page.about.title", "en")
	require.NoError(t, err)
	assert.Equal(t, "About", got)

	_, err = svc.SetPublished(ctx, "page.about.title", "en", false)
	require.NoError(t, err)
	_, err = svc.GetValue(ctx, "page.about.title", "en")
	assert.ErrorIs(t, err, store.ErrNotFound, "unpublished again")
}

// A store failure reaches the caller unchanged and the next read retries.
func TestContentService_StoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)

	st.setErr(store.Unavailable("get", assert.AnError))
	_, err := svc.GetValue(ctx, homeTitle, "en")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	st.setErr(nil)
	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got)
}

func TestContentService_WaitTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{
		WaitTimeout:  20 * time.Millisecond,
		FetchTimeout: time.Second,
	})
	seedHomeTitle(t, svc)
	st.delay = 100 * time.Millisecond

	_, err := svc.GetValue(ctx, homeTitle, "en")
	assert.ErrorIs(t, err, ErrWaitTimeout)

	// The abandoned recompute still fills the cache.
	assert.Eventually(t, func() bool {
		got, err := svc.GetValue(ctx, homeTitle, "en")
		return err == nil && got == "Welcome"
	}, 2*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, st.gets.Load())
}

// A read that loaded the old value before a concurrent update must not
// leave that value in the cache.
func TestContentService_RacingReadDoesNotRepopulateStaleValue(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)

	loaded := make(chan struct{})
	release := make(chan struct{})
	st.pauseNextRead(func() {
		close(loaded)
		<-release
	})
	result := make(chan string, 1)
	go func() {
		v, _ := svc.GetValue(ctx, homeTitle, "en")
		result <- v
	}()
	<-loaded

	_, err := svc.UpdateValue(ctx, homeTitle, "en", "Hello", editor, "")
	require.NoError(t, err)
	close(release)
	assert.Equal(t, "Welcome", <-result)

	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
}

// A flight whose double-check reads the old entry just before an update's
// delete must not write that entry back once the update has returned.
func TestContentService_DoubleCheckHitIsNotWrittenBack(t *testing.T) {
	ctx := context.Background()
	c := newScriptedCache()
	svc := newTestService(t, newCountingStore(), c, Options{TTL: time.Hour})
	seedHomeTitle(t, svc)
	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	require.Equal(t, "Welcome", got)

	ck := singleCacheKey(homeTitle, "en")
	deleting := make(chan struct{})
	releaseDelete := make(chan struct{})
	c.pauseDelete(ck, func() {
		close(deleting)
		<-releaseDelete
	})
	readOld := make(chan struct{})
	releaseGet := make(chan struct{})
	c.scriptGets(ck,
		getStep{fail: true},
		getStep{after: func() {
			close(readOld)
			<-releaseGet
		}},
	)

	updated := make(chan error, 1)
	go func() {
		_, err := svc.UpdateValue(ctx, homeTitle, "en", "Hello", editor, "")
		updated <- err
	}()
	<-deleting

	read := make(chan string, 1)
	go func() {
		v, _ := svc.GetValue(ctx, homeTitle, "en")
		read <- v
	}()
	<-readOld

	close(releaseDelete)
	require.NoError(t, <-updated)
	close(releaseGet)
	<-read
	waitFor(t, func() bool { return svc.GuardHandles() == 0 })

	got, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got)
}

func TestContentService_DeleteKeyInvalidates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCountingStore(), cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)
	_, err := svc.GetValue(ctx, homeTitle, "de")
	require.NoError(t, err)
	_, err = svc.GetBundle(ctx, "page.home", "de", false)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteKey(ctx, homeTitle))

	_, err = svc.GetValue(ctx, homeTitle, "de")
	assert.ErrorIs(t, err, store.ErrNotFound)
	bundle, err := svc.GetBundle(ctx, "page.home", "de", false)
	require.NoError(t, err)
	assert.Empty(t, bundle)
	assert.ErrorIs(t, svc.DeleteKey(ctx, homeTitle), store.ErrNotFound)
}

func TestContentService_CreateDuplicate(t *testing.T) {
	svc := newTestService(t, newCountingStore(), nil, Options{})
	seedHomeTitle(t, svc)
	_, err := svc.CreateKey(context.Background(), "PAGE.HOME.TITLE", "", nil)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

// Manual invalidation drops entries that went stale behind the service's back.
func TestContentService_ManualInvalidation(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	seedHomeTitle(t, svc)
	_, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	_, err = svc.GetBundle(ctx, "page.home", "en", false)
	require.NoError(t, err)

	_, err = st.MemoryStore.Update(ctx, homeTitle, "en", "Out of band", "migration", "")
	require.NoError(t, err)
	got, err := svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got, "served from cache")

	require.NoError(t, svc.InvalidateKey(ctx, " Page.Home.Title ", "EN"))
	got, err = svc.GetValue(ctx, homeTitle, "en")
	require.NoError(t, err)
	assert.Equal(t, "Out of band", got)

	require.NoError(t, svc.InvalidateNamespace(ctx, "page.home", "en"))
	bundle, err := svc.GetBundle(ctx, "page.home", "en", false)
	require.NoError(t, err)
	assert.Equal(t, "Out of band", bundle[homeTitle])

	// Idempotent.
	require.NoError(t, svc.InvalidateNamespace(ctx, "page.home", "en"))
}

// InvalidateKey drops the bundle of a key's explicit namespace, not only the
// namespace derived from its name.
func TestContentService_InvalidateKeyUsesStoredNamespace(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, cache.NewInMemoryCache(0), Options{})
	_, err := svc.CreateKey(ctx, "errors.auth.expired", "checkout", map[string]models.LocalizedValue{
		"en": {Value: "Session expired", Published: true},
	})
	require.NoError(t, err)
	_, err = svc.GetBundle(ctx, "checkout", "en", false)
	require.NoError(t, err)

	_, err = st.MemoryStore.Update(ctx, "errors.auth.expired", "en", "Please sign in again", "migration", "")
	require.NoError(t, err)
	require.NoError(t, svc.InvalidateKey(ctx, "errors.auth.expired", "en"))

	bundle, err := svc.GetBundle(ctx, "checkout", "en", false)
	require.NoError(t, err)
	assert.Equal(t, "Please sign in again", bundle["errors.auth.expired"])

	// Unknown keys and an unreachable store still invalidate without error.
	require.NoError(t, svc.InvalidateKey(ctx, "page.missing", "en"))
	st.setErr(store.Unavailable("get", assert.AnError))
	require.NoError(t, svc.InvalidateKey(ctx, "errors.auth.expired", "en"))
}

func TestContentService_CreateKeyRejectsLocaleAliases(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	svc := newTestService(t, st, nil, Options{})
	_, err := svc.CreateKey(ctx, homeTitle, "", map[string]models.LocalizedValue{
		"en_US": {Value: "Color", Published: true},
		"en-us": {Value: "Colour", Published: true},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = st.MemoryStore.Get(ctx, homeTitle, "en-us")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing was created")
}

func TestContentService_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCountingStore(), nil, Options{})

	_, err := svc.GetValue(ctx, "", "en")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.GetValue(ctx, homeTitle, "e n")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.GetBundle(ctx, "page..home", "en", false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.UpdateValue(ctx, homeTitle, "en", "bad\xff", editor, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.CreateKey(ctx, homeTitle, "", map[string]models.LocalizedValue{"x": {Value: "v"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, svc.InvalidateNamespace(ctx, "", "en"), ErrInvalidArgument)
}

func TestContentService_LocaleAliases(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCountingStore(), cache.NewInMemoryCache(0), Options{})
	_, err := svc.CreateKey(ctx, homeTitle, "", map[string]models.LocalizedValue{
		"pt_BR": {Value: "Bem-vindo", Published: true},
	})
	require.NoError(t, err)
	got, err := svc.GetValue(ctx, homeTitle, "pt-br")
	require.NoError(t, err)
	assert.Equal(t, "Bem-vindo", got)
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{context.DeadlineExceeded, "timeout"},
		{errCacheDown, "connection"},
		{assert.AnError, "unknown"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, categorizeCacheError(tc.err), "%v", tc.err)
	}
}
