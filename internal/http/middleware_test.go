package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/content-cache-service/internal/cache"
	"github.com/kjstillabower/content-cache-service/internal/lifecycle"
	"github.com/kjstillabower/content-cache-service/internal/observability"
	"github.com/kjstillabower/content-cache-service/internal/service"
	"github.com/kjstillabower/content-cache-service/internal/store"
	"github.com/kjstillabower/content-cache-service/internal/traffic"
)

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(t, http.MethodGet, "/content/en/page.missing", nil, nil)
	id := w.Header().Get(CorrelationIDHeader)
	if id == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if env := decodeError(t, w); env.Error.RequestID != id {
		t.Errorf("requestId = %q, want %q", env.Error.RequestID, id)
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	s := newTestServer(t, nil, nil)
	w := s.do(t, http.MethodGet, "/content/en/page.missing", nil, map[string]string{CorrelationIDHeader: "client-provided-id"})
	if got := w.Header().Get(CorrelationIDHeader); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMiddleware_LoggerCarriesCorrelationID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		observability.LoggerFromContext(r.Context(), zap.NewNop()).Info("ping")
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "abc")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("ping").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["correlation_id"]; got != "abc" {
		t.Errorf("correlation_id = %v, want abc", got)
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	lifecycle.SetReady(true)
	defer lifecycle.SetReady(false)

	svc := service.NewContentService(store.NewMemoryStore(nil), cache.NewInMemoryCache(0), service.Options{}, zap.NewNop())
	tracker := traffic.NewTracker(0)
	h := NewHandler(svc, tracker, nil, zap.NewNop())
	router := NewRouter(h, RouterConfig{
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
		Tracker: tracker,
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/content/en/page.missing", nil))
	if first.Code != http.StatusNotFound {
		t.Fatalf("first status = %d, want 404", first.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/content/en/page.missing", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	var errResp errorEnvelope
	if err := json.NewDecoder(second.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", errResp.Error.Code)
	}
	if c := tracker.Counts(time.Minute); c.Denied != 1 {
		t.Errorf("denied = %d, want 1", c.Denied)
	}

	// Health stays reachable when the API is throttled.
	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", health.Code)
	}
}

func TestMiddleware_RateLimitDisabled(t *testing.T) {
	called := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ })
	mw := RateLimitMiddleware(nil, nil)(next)
	for i := 0; i < 5; i++ {
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if called != 5 {
		t.Errorf("called = %d, want 5", called)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		hasDeadline = ok && time.Until(deadline) <= time.Second
	})
	TimeoutMiddleware(time.Second)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}

func TestMetricsMiddleware_InFlight(t *testing.T) {
	var during InFlight
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = InFlightSnapshot()
		w.WriteHeader(http.StatusAccepted)
	})
	before := InFlightSnapshot()
	MetricsMiddleware(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/content/en/page.home.title", nil))
	if during.Total != before.Total+1 || during.Writes != before.Writes+1 {
		t.Errorf("in flight during request = %+v, want one more than %+v", during, before)
	}
	if after := InFlightSnapshot(); after != before {
		t.Errorf("in flight after request = %+v, want %+v", after, before)
	}
}

func TestGetRoute(t *testing.T) {
	var route string
	router := mux.NewRouter()
	router.HandleFunc("/content/{locale}/{key}", func(w http.ResponseWriter, r *http.Request) {
		route = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/content/en/page.home.title", nil))
	if route != "/content/{locale}/{key}" {
		t.Errorf("route = %q, want template", route)
	}

	if got := getRoute(httptest.NewRequest(http.MethodGet, "/nowhere", nil)); got != "unmatched" {
		t.Errorf("route = %q, want unmatched", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 404: "4xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}
