package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Cache hits and misses by entry kind (single, bundle). Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache tier failures absorbed by the service. Watch for: any sustained rate (cache degraded).
	CacheErrorsTotal *prometheus.CounterVec

	// Cache tier latency by op and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Cache entries deleted after writes, by kind.
	CacheInvalidationsTotal *prometheus.CounterVec

	// Content store reads made to rebuild a cold entry. Watch for: recomputes ~ misses (guard not coalescing).
	StoreRecomputesTotal *prometheus.CounterVec

	// Content store read latency during recompute.
	StoreReadDurationSeconds *prometheus.HistogramVec

	// Callers that shared another caller's recompute instead of reading the store.
	CoalescedWaitsTotal *prometheus.CounterVec

	// Callers that stopped waiting on the stampede guard. Retryable.
	GuardWaitTimeoutsTotal *prometheus.CounterVec

	// Writes through the service by op (create, update, rollback, publish, delete).
	ContentWritesTotal *prometheus.CounterVec

	// Version garbage collection.
	VersionsPrunedTotal prometheus.Counter
	VersionSweepsTotal  *prometheus.CounterVec

	// Circuit breaker around the content store.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Cache warming runs, latency and failed runs.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram
	CacheWarmingErrorsTotal     prometheus.Counter

	// In-flight requests observed when shutdown started.
	ShutdownInFlightRequests prometheus.Gauge

	// Calls made by the API client, by status label, plus retries and final errors by category.
	ContentAPICallsTotal   *prometheus.CounterVec
	ContentAPIDuration     *prometheus.HistogramVec
	ContentAPIRetriesTotal prometheus.Counter
	ContentAPIErrorsTotal  *prometheus.CounterVec

	gaugeFuncsMu sync.Mutex
	gaugeFuncs   = map[string]bool{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits by entry kind",
		},
		[]string{"kind"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses by entry kind",
		},
		[]string{"kind"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache tier failures treated as misses or ignored",
		},
		[]string{"op", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache tier latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"op", "result"},
	)
	CacheInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheInvalidationsTotal",
			Help: "Cache entries deleted after content writes",
		},
		[]string{"kind"},
	)
	StoreRecomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeRecomputesTotal",
			Help: "Content store reads made to rebuild a cold cache entry",
		},
		[]string{"kind", "result"},
	)
	StoreReadDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeReadDurationSeconds",
			Help:    "Content store read latency in seconds during recompute",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"kind"},
	)
	CoalescedWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescedWaitsTotal",
			Help: "Callers served by another caller's in-flight recompute",
		},
		[]string{"kind"},
	)
	GuardWaitTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardWaitTimeoutsTotal",
			Help: "Callers that stopped waiting for an in-flight recompute",
		},
		[]string{"kind"},
	)
	ContentWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentWritesTotal",
			Help: "Content writes by operation and result",
		},
		[]string{"op", "result"},
	)
	VersionsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "versionsPrunedTotal",
			Help: "Versions removed by retention sweeps",
		},
	)
	VersionSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionSweepsTotal",
			Help: "Version retention sweeps by result",
		},
		[]string{"result"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed bundle",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown started",
		},
	)

	ContentAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentApiCallsTotal",
			Help: "Content API calls made by the client by status",
		},
		[]string{"status"},
	)
	ContentAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentApiDurationSeconds",
			Help:    "Content API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	ContentAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentApiRetriesTotal",
			Help: "Content API calls retried by the client",
		},
	)
	ContentAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentApiErrorsTotal",
			Help: "Content API calls that failed after retries, by category",
		},
		[]string{"category"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds, CacheInvalidationsTotal,
		StoreRecomputesTotal, StoreReadDurationSeconds,
		CoalescedWaitsTotal, GuardWaitTimeoutsTotal,
		ContentWritesTotal, VersionsPrunedTotal, VersionSweepsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
		CacheWarmingTotal, CacheWarmingDurationSeconds, CacheWarmingErrorsTotal,
		ShutdownInFlightRequests,
		ContentAPICallsTotal, ContentAPIDuration, ContentAPIRetriesTotal, ContentAPIErrorsTotal,
	)
}

// RegisterGaugeFunc registers a gauge computed on scrape. Registering the same
// name twice is a no-op, so tests and main may both call it.
func RegisterGaugeFunc(name, help string, fn func() float64) {
	gaugeFuncsMu.Lock()
	defer gaugeFuncsMu.Unlock()
	if gaugeFuncs[name] {
		return
	}
	gaugeFuncs[name] = true
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// RecordCircuitBreakerTransition counts a state change and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// RecordShutdownInFlight records the in-flight request count at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
