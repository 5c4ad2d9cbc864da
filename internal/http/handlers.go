package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/content-cache-service/internal/lifecycle"
	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/observability"
	"github.com/kjstillabower/content-cache-service/internal/service"
	"github.com/kjstillabower/content-cache-service/internal/store"
	"github.com/kjstillabower/content-cache-service/internal/traffic"
)

// ActorHeader carries the identity recorded on versions.
const ActorHeader = "X-Actor"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// StorePing checks Content Store reachability.
	StorePing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// OnDegraded is called each time health evaluates to degraded.
	OnDegraded func()
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	content          *service.ContentService
	tracker          *traffic.Tracker
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker may be nil.
func NewHandler(content *service.ContentService, tracker *traffic.Tracker, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if tracker == nil {
		tracker = traffic.NewTracker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		content:      content,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// Register adds the content API routes to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/content", h.CreateKey).Methods(http.MethodPost)
	r.HandleFunc("/content/{key}", h.DeleteKey).Methods(http.MethodDelete)
	r.HandleFunc("/content/{locale}/{key}", h.GetValue).Methods(http.MethodGet)
	r.HandleFunc("/content/{locale}/{key}", h.UpdateValue).Methods(http.MethodPut)
	r.HandleFunc("/content/{locale}/{key}/published", h.SetPublished).Methods(http.MethodPut)
	r.HandleFunc("/content/{locale}/{key}/versions", h.ListVersions).Methods(http.MethodGet)
	r.HandleFunc("/versions/{id}/rollback", h.RollbackValue).Methods(http.MethodPost)
	r.HandleFunc("/bundles/{locale}/{namespace}", h.GetBundle).Methods(http.MethodGet)
	r.HandleFunc("/cache/content/{locale}/{key}", h.InvalidateKey).Methods(http.MethodDelete)
	r.HandleFunc("/cache/bundles/{locale}/{namespace}", h.InvalidateNamespace).Methods(http.MethodDelete)
}

type valueResponse struct {
	Key    string `json:"key"`
	Locale string `json:"locale"`
	Value  string `json:"value"`
}

type bundleResponse struct {
	Namespace string            `json:"namespace"`
	Locale    string            `json:"locale"`
	Values    map[string]string `json:"values"`
}

type versionsResponse struct {
	Versions []models.Version `json:"versions"`
}

type createRequest struct {
	Key          string                           `json:"key"`
	Namespace    string                           `json:"namespace,omitempty"`
	Translations map[string]models.LocalizedValue `json:"translations"`
}

type updateRequest struct {
	Value  *string `json:"value"`
	Reason string  `json:"reason,omitempty"`
}

type publishRequest struct {
	Published *bool `json:"published"`
}

// GetValue handles GET /content/{locale}/{key}.
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := h.content.GetValue(r.Context(), vars["key"], vars["locale"])
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{
		Key:    models.NormalizeKey(vars["key"]),
		Locale: models.NormalizeLocale(vars["locale"]),
		Value:  value,
	})
}

// GetBundle handles GET /bundles/{locale}/{namespace}?include_unpublished=true.
func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	includeUnpublished := false
	if raw := r.URL.Query().Get("include_unpublished"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "include_unpublished must be a boolean")
			return
		}
		includeUnpublished = v
	}
	values, err := h.content.GetBundle(r.Context(), vars["namespace"], vars["locale"], includeUnpublished)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleResponse{
		Namespace: models.NormalizeKey(vars["namespace"]),
		Locale:    models.NormalizeLocale(vars["locale"]),
		Values:    values,
	})
}

// CreateKey handles POST /content.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if !decodeBody(w, r, &body) {
		return
	}
	ck, err := h.content.CreateKey(r.Context(), body.Key, body.Namespace, body.Translations)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ck)
}

// UpdateValue handles PUT /content/{locale}/{key}.
func (h *Handler) UpdateValue(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body updateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Value == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "value is required")
		return
	}
	vars := mux.Vars(r)
	tr, err := h.content.UpdateValue(r.Context(), vars["key"], vars["locale"], *body.Value, actor, body.Reason)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// SetPublished handles PUT /content/{locale}/{key}/published.
func (h *Handler) SetPublished(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Published == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "published is required")
		return
	}
	vars := mux.Vars(r)
	tr, err := h.content.SetPublished(r.Context(), vars["key"], vars["locale"], *body.Published)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// DeleteKey handles DELETE /content/{key}.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	err := h.content.DeleteKey(r.Context(), mux.Vars(r)["key"])
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListVersions handles GET /content/{locale}/{key}/versions?limit=N.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	vars := mux.Vars(r)
	versions, err := h.content.ListVersions(r.Context(), vars["key"], vars["locale"], limit)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []models.Version{}
	}
	writeJSON(w, http.StatusOK, versionsResponse{Versions: versions})
}

// RollbackValue handles POST /versions/{id}/rollback.
func (h *Handler) RollbackValue(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "version id must be a positive integer")
		return
	}
	tr, err := h.content.RollbackValue(r.Context(), id, actor)
	h.recordOutcome(err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// InvalidateKey handles DELETE /cache/content/{locale}/{key}.
func (h *Handler) InvalidateKey(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.content.InvalidateKey(r.Context(), vars["key"], vars["locale"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateNamespace handles DELETE /cache/bundles/{locale}/{namespace}.
func (h *Handler) InvalidateNamespace(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.content.InvalidateNamespace(r.Context(), vars["namespace"], vars["locale"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordOutcome feeds the health tracker. Only store availability counts:
// NotFound, duplicates and bad input are answered requests.
func (h *Handler) recordOutcome(err error) {
	if isUnavailable(err) {
		h.tracker.Record(traffic.Failure)
		return
	}
	h.tracker.Record(traffic.Success)
}

func isUnavailable(err error) bool {
	return errors.Is(err, store.ErrStoreUnavailable) ||
		errors.Is(err, service.ErrWaitTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", ActorHeader+" header is required")
		return "", false
	}
	return models.Actor(actor), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	checks := h.runChecks(r.Context())
	result := h.computeHealthStatus(checks)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	if result.status == "degraded" && h.healthConfig != nil && h.healthConfig.OnDegraded != nil {
		h.healthConfig.OnDegraded()
	}

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "content-cache-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

func (h *Handler) runChecks(ctx context.Context) map[string]string {
	checks := make(map[string]string)
	if h.healthConfig == nil {
		return checks
	}
	if h.healthConfig.StorePing != nil {
		checks["store"] = healthy(h.healthConfig.StorePing(ctx))
	}
	if h.healthConfig.CachePing != nil {
		checks["cache"] = healthy(h.healthConfig.CachePing())
	}
	return checks
}

func healthy(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// computeHealthStatus determines the current health status by evaluating multiple conditions
// in priority order. Decision order: shutting-down > starting > store unreachable >
// overloaded > degraded > healthy. An unreachable cache is reported in checks but
// does not change the status: reads fall through to the store.
func (h *Handler) computeHealthStatus(checks map[string]string) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "warming"}
	}
	if checks["store"] == "unhealthy" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	cfg := h.healthConfig
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(h.tracker.Counts(cfg.OverloadWindow).Total()) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		counts := h.tracker.Counts(cfg.DegradedWindow)
		if counts.Failures > 0 && counts.FailurePct() >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as a JSON response with status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeServiceError maps service and store errors to HTTP responses. Store
// failures are logged at DEBUG; the service has already logged the cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "content not found")
		return
	case errors.Is(err, store.ErrDuplicateKey):
		writeError(w, r, http.StatusConflict, "DUPLICATE_KEY", "key already exists")
		return
	}

	logger := observability.LoggerFromContext(r.Context(), zap.NewNop())
	switch {
	case errors.Is(err, service.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "TIMEOUT", "timed out loading content")
	case errors.Is(err, store.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "content store unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
		logger.Error("unhandled service error", zap.Error(err))
		return
	}
	logger.Debug("store error", zap.Error(err))
}
