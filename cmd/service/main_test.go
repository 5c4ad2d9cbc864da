package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/config"
	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/store"
)

func TestOpenStore_InMemoryWithBreaker(t *testing.T) {
	cfg := &config.Config{StoreBackend: "in_memory", BreakerEnabled: true, BreakerFailureThreshold: 3, BreakerTimeout: time.Second}
	st, closeFn, err := openStore(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer func() { _ = closeFn() }()

	if _, ok := st.(*store.BreakerStore); !ok {
		t.Errorf("store = %T, want *store.BreakerStore", st)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := &config.Config{StoreBackend: "sqlite", StorePath: filepath.Join(t.TempDir(), "nested", "content.db")}
	st, closeFn, err := openStore(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer func() { _ = closeFn() }()

	ctx := context.Background()
	if _, err := st.Create(ctx, "page.home.title", "", map[string]models.LocalizedValue{"en": {Value: "Welcome", Published: true}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tr, err := st.Get(ctx, "page.home.title", "en")
	if err != nil || tr.Value != "Welcome" {
		t.Errorf("Get() = %+v, %v", tr, err)
	}
}

func TestOpenCache_InMemory(t *testing.T) {
	c, ping, closeFn, err := openCache(&config.Config{CacheBackend: "in_memory", InMemoryCapacity: 10}, zap.NewNop())
	if err != nil {
		t.Fatalf("openCache() error = %v", err)
	}
	defer func() { _ = closeFn() }()

	if _, ok := c.(*cache.InMemoryCache); !ok {
		t.Errorf("cache = %T, want *cache.InMemoryCache", c)
	}
	if ping != nil {
		t.Error("in-memory cache should not expose a ping")
	}
}

func TestOpenCache_Memcached(t *testing.T) {
	c, ping, closeFn, err := openCache(&config.Config{CacheBackend: "memcached", MemcachedAddrs: "127.0.0.1:1"}, zap.NewNop())
	if err != nil {
		t.Fatalf("openCache() error = %v", err)
	}
	defer func() { _ = closeFn() }()

	if _, ok := c.(*cache.MemcachedCache); !ok {
		t.Errorf("cache = %T, want *cache.MemcachedCache", c)
	}
	if ping == nil {
		t.Fatal("memcached cache should expose a ping")
	}
}

func TestMaxDuration(t *testing.T) {
	if got := maxDuration(time.Second, time.Minute); got != time.Minute {
		t.Errorf("maxDuration = %v, want 1m", got)
	}
	if got := maxDuration(time.Hour, time.Minute); got != time.Hour {
		t.Errorf("maxDuration = %v, want 1h", got)
	}
}
