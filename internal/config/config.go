package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	CacheBackend   string // "in_memory" or "memcached"
	CacheTTL       time.Duration
	BundleCacheTTL time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	InMemoryCapacity int // 0 means unbounded

	WarmEnabled    bool
	WarmNamespaces []string
	WarmLocales    []string
	WarmInterval   time.Duration // 0 disables periodic warming

	StoreBackend string // "in_memory" or "sqlite"
	StorePath    string

	GuardWaitTimeout  time.Duration
	GuardFetchTimeout time.Duration

	VersionRetention     int
	VersionSweepInterval time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	ShutdownTimeout time.Duration

	HealthWindow         time.Duration
	StoreErrorPct        int
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RecoveryRetryInitial time.Duration
	RecoveryRetryMax     time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		BundleTTL string `yaml:"bundle_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		InMemory struct {
			Capacity int `yaml:"capacity"`
		} `yaml:"in_memory"`
		Warm struct {
			Enabled    bool     `yaml:"enabled"`
			Namespaces []string `yaml:"namespaces"`
			Locales    []string `yaml:"locales"`
			Interval   string   `yaml:"interval"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Store struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"store"`

	Guard struct {
		WaitTimeout  string `yaml:"wait_timeout"`
		FetchTimeout string `yaml:"fetch_timeout"`
	} `yaml:"guard"`

	Versions struct {
		Retention     int    `yaml:"retention"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"versions"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		Window               string `yaml:"window"`
		StoreErrorPct        int    `yaml:"store_error_pct"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		RecoveryRetryInitial string `yaml:"recovery_retry_initial"`
		RecoveryRetryMax     string `yaml:"recovery_retry_max"`
	} `yaml:"health"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// CACHE_BACKEND, MEMCACHED_ADDRS, STORE_BACKEND and STORE_PATH override the
// file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.CacheBackend = envOr("CACHE_BACKEND", fc.Cache.Backend, "in_memory")
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.BundleCacheTTL = parseDuration(fc.Cache.BundleTTL, cfg.CacheTTL)
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.InMemoryCapacity = fc.Cache.InMemory.Capacity
	if cfg.InMemoryCapacity < 0 {
		cfg.InMemoryCapacity = 0
	}

	cfg.WarmEnabled = fc.Cache.Warm.Enabled
	cfg.WarmNamespaces = fc.Cache.Warm.Namespaces
	cfg.WarmLocales = fc.Cache.Warm.Locales
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warm.Interval, 0)

	cfg.StoreBackend = envOr("STORE_BACKEND", fc.Store.Backend, "in_memory")
	cfg.StorePath = strings.TrimSpace(os.Getenv("STORE_PATH"))
	if cfg.StorePath == "" {
		cfg.StorePath = strings.TrimSpace(fc.Store.Path)
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "data/content.db"
	}

	cfg.GuardWaitTimeout = parseDuration(fc.Guard.WaitTimeout, 2*time.Second)
	cfg.GuardFetchTimeout = parseDuration(fc.Guard.FetchTimeout, cfg.GuardWaitTimeout)

	cfg.VersionRetention = fc.Versions.Retention
	if cfg.VersionRetention <= 0 {
		cfg.VersionRetention = 10
	}
	cfg.VersionSweepInterval = parseDurationOrZero(fc.Versions.SweepInterval, 10*time.Minute)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.BreakerEnabled = true
	if fc.CircuitBreaker.Enabled != nil {
		cfg.BreakerEnabled = *fc.CircuitBreaker.Enabled
	}
	cfg.BreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.CircuitBreaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 1
	}
	cfg.BreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.StoreErrorPct = fc.Health.StoreErrorPct
	if cfg.StoreErrorPct <= 0 {
		cfg.StoreErrorPct = 5
	}
	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.RecoveryRetryInitial = parseDuration(fc.Health.RecoveryRetryInitial, 5*time.Second)
	cfg.RecoveryRetryMax = parseDuration(fc.Health.RecoveryRetryMax, 5*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the lowercased env value, else the file value, else def.
func envOr(envKey, fileVal, def string) string {
	if v := strings.TrimSpace(strings.ToLower(os.Getenv(envKey))); v != "" {
		return v
	}
	if v := strings.TrimSpace(strings.ToLower(fileVal)); v != "" {
		return v
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Backends must be known values; the guard's fetch timeout may not be shorter
// than its wait timeout, and the request deadline is raised to cover the wait.
func validate(cfg *Config) error {
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.StoreBackend {
	case "in_memory", "sqlite":
		// valid
	default:
		return fmt.Errorf("store.backend must be in_memory or sqlite, got %q", cfg.StoreBackend)
	}
	if cfg.GuardFetchTimeout < cfg.GuardWaitTimeout {
		return fmt.Errorf("guard.fetch_timeout (%s) must be >= guard.wait_timeout (%s)", cfg.GuardFetchTimeout, cfg.GuardWaitTimeout)
	}
	if cfg.RequestTimeout <= cfg.GuardWaitTimeout {
		cfg.RequestTimeout = cfg.GuardWaitTimeout + time.Second
	}
	if cfg.WarmEnabled && (len(cfg.WarmNamespaces) == 0 || len(cfg.WarmLocales) == 0) {
		return fmt.Errorf("cache.warm requires namespaces and locales when enabled")
	}
	return nil
}
