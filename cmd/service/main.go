package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/content-cache-service/internal/config"
	"github.com/kjstillabower/content-cache-service/internal/degraded"
	httphandler "github.com/kjstillabower/content-cache-service/internal/http"
	"github.com/kjstillabower/content-cache-service/internal/lifecycle"
	"github.com/kjstillabower/content-cache-service/internal/observability"
	"github.com/kjstillabower/content-cache-service/internal/service"
	"github.com/kjstillabower/content-cache-service/internal/store"
	"github.com/kjstillabower/content-cache-service/internal/store/sqlite"
	"github.com/kjstillabower/content-cache-service/internal/traffic"
)

const (
	inFlightCheckInterval = 100 * time.Millisecond
	warmTimeout           = 30 * time.Second
)

func main() {
	logger, err := observability.NewLogger("INFO")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	contentStore, closeStore, err := openStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("content store", zap.Error(err))
	}
	cacheSvc, cachePing, closeCache, err := openCache(cfg, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}

	janitor := service.NewVersionJanitor(contentStore, cfg.VersionRetention, logger)
	go func() {
		if err := janitor.Run(rootCtx, cfg.VersionSweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("version janitor stopped", zap.Error(err))
		}
	}()

	contentService := service.NewContentService(contentStore, cacheSvc, service.Options{
		TTL:              cfg.CacheTTL,
		BundleTTL:        cfg.BundleCacheTTL,
		WaitTimeout:      cfg.GuardWaitTimeout,
		FetchTimeout:     cfg.GuardFetchTimeout,
		OnVersionWritten: janitor.Notify,
	}, logger)
	observability.RegisterGaugeFunc("stampedeGuardHandles", "Cache keys currently held by the stampede guard", func() float64 {
		return float64(contentService.GuardHandles())
	})

	tracker := traffic.NewTracker(maxDuration(cfg.HealthWindow, cfg.OverloadWindow))
	recovery := degraded.NewRecovery(contentStore.Ping, cfg.RecoveryRetryInitial, cfg.RecoveryRetryMax, tracker.Reset, nil, logger)
	go recovery.Listen(rootCtx)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.HealthWindow,
		DegradedErrorPct:     cfg.StoreErrorPct,
		StorePing:            contentStore.Ping,
		CachePing:            cachePing,
		OnDegraded:           recovery.Notify,
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(contentService, tracker, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	if cfg.WarmEnabled {
		warmer := cache.NewCacheWarmer(contentService, logger)
		targets := cache.Targets(cfg.WarmNamespaces, cfg.WarmLocales)
		warmCtx, warmCancel := context.WithTimeout(rootCtx, warmTimeout)
		if err := warmer.Warm(warmCtx, targets); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(rootCtx, targets, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}
	lifecycle.SetReady(true)
	logger.Info("service ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightSnapshot()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Total), zap.Int64("writes", inFlight.Writes))
	observability.RecordShutdownInFlight(inFlight.Total)
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		remaining := httphandler.InFlightSnapshot()
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", remaining.Total), zap.Int64("writes", remaining.Writes))
	}

	rootCancel()
	if err := closeCache(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	if err := closeStore(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
	if err := observability.FlushTelemetry(logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
}

// openStore opens the configured Content Store, wrapped in a circuit breaker
// when enabled. The returned func closes the backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func() error, error) {
	var (
		st      store.Store
		closeFn = func() error { return nil }
	)
	switch cfg.StoreBackend {
	case "sqlite":
		if dir := filepath.Dir(cfg.StorePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		sq, err := sqlite.Open(ctx, cfg.StorePath, nil)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = sq, sq.Close
		logger.Info("store backend: sqlite", zap.String("path", cfg.StorePath))
	default:
		st = store.NewMemoryStore(nil)
		logger.Info("store backend: in_memory")
	}

	if cfg.BreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
			IsFailure:        store.IsStoreFailure,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("content_store", from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues("content_store").Set(0)
		st = store.WithBreaker(st, cb)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailureThreshold), zap.Duration("timeout", cfg.BreakerTimeout))
	}
	return st, closeFn, nil
}

// openCache builds the configured Cache Tier. ping is nil for the in-memory
// backend, which cannot be unreachable.
func openCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func() error, func() error, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Ping, mc.Close, nil
	default:
		mem := cache.NewInMemoryCache(cfg.InMemoryCapacity)
		mem.Start()
		logger.Info("cache backend: in_memory", zap.Int("capacity", cfg.InMemoryCapacity))
		return mem, nil, mem.Close, nil
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
