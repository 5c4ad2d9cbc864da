//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/service"
	"github.com/kjstillabower/content-cache-service/internal/store/sqlite"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
	StorePath     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// The SQLite database lives in a per-test temp dir unless STORE_PATH is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	storePath := os.Getenv("STORE_PATH")
	if storePath == "" {
		storePath = filepath.Join(t.TempDir(), "content.db")
	}
	return IntegrationTestConfig{
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
		StorePath:     storePath,
	}
}

// SetupIntegrationService creates a content service over SQLite and the
// configured cache. Cleanup runs through t.Cleanup.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.ContentService, *sqlite.Store, cache.Cache) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	st, err := sqlite.Open(context.Background(), cfg.StorePath, nil)
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var cacheSvc cache.Cache
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			cacheSvc = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available, using in-memory cache")
		}
	}
	if cacheSvc == nil {
		mem := cache.NewInMemoryCache(0)
		mem.Start()
		t.Cleanup(func() { _ = mem.Close() })
		cacheSvc = mem
	}

	svc := service.NewContentService(st, cacheSvc, service.Options{TTL: time.Minute}, logger)
	return svc, st, cacheSvc
}
