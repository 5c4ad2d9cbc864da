package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/content-cache-service/internal/models"
	"github.com/kjstillabower/content-cache-service/internal/observability"
)

// ContentClient is the typed client for the content API.
type ContentClient interface {
	GetValue(ctx context.Context, key, locale string) (string, error)
	GetBundle(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error)
	CreateKey(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (models.ContentKey, error)
	UpdateValue(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (models.Translation, error)
	SetPublished(ctx context.Context, key, locale string, published bool) (models.Translation, error)
	DeleteKey(ctx context.Context, key string) error
	ListVersions(ctx context.Context, key, locale string, limit int) ([]models.Version, error)
	RollbackValue(ctx context.Context, versionID int64, actor models.Actor) (models.Translation, error)
	InvalidateKey(ctx context.Context, key, locale string) error
	InvalidateNamespace(ctx context.Context, namespace, locale string) error
}

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRateLimited     = errors.New("rate limited")
	// ErrUnavailable covers 503 responses (store unavailable, wait timeout). Retryable.
	ErrUnavailable     = errors.New("service unavailable")
	ErrServerFailure   = errors.New("server failure")
)

// APIError is a non-2xx response decoded from the error envelope. It unwraps
// to the sentinel matching its status, so callers use errors.Is.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	sentinel  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: HTTP %d %s: %s", e.sentinel, e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.sentinel }

type correlationIDKey struct{}

// WithCorrelationID returns a context whose requests carry id as X-Correlation-ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// HTTPClient calls the content API with bounded exponential backoff.
type HTTPClient struct {
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

var _ ContentClient = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	return NewHTTPClientWithRetry(baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewHTTPClientWithRetry(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base URL %q", ErrInvalidArgument, baseURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &HTTPClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// request describes one API call. Idempotent requests are also retried after
// transport errors.
type request struct {
	method     string
	path       string
	query      url.Values
	body       interface{}
	actor      models.Actor
	idempotent bool
}

func (c *HTTPClient) GetValue(ctx context.Context, key, locale string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/content/" + seg(locale) + "/" + seg(key), idempotent: true}, &out)
	return out.Value, err
}

func (c *HTTPClient) GetBundle(ctx context.Context, namespace, locale string, includeUnpublished bool) (map[string]string, error) {
	var out struct {
		Values map[string]string `json:"values"`
	}
	req := request{method: http.MethodGet, path: "/bundles/" + seg(locale) + "/" + seg(namespace), idempotent: true}
	if includeUnpublished {
		req.query = url.Values{"include_unpublished": {"true"}}
	}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

func (c *HTTPClient) CreateKey(ctx context.Context, key, namespace string, translations map[string]models.LocalizedValue) (models.ContentKey, error) {
	var out models.ContentKey
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/content",
		body: map[string]interface{}{
			"key":          key,
			"namespace":    namespace,
			"translations": translations,
		},
	}, &out)
	return out, err
}

func (c *HTTPClient) UpdateValue(ctx context.Context, key, locale, value string, actor models.Actor, reason string) (models.Translation, error) {
	var out models.Translation
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/content/" + seg(locale) + "/" + seg(key),
		body:   map[string]string{"value": value, "reason": reason},
		actor:  actor,
	}, &out)
	return out, err
}

func (c *HTTPClient) SetPublished(ctx context.Context, key, locale string, published bool) (models.Translation, error) {
	var out models.Translation
	err := c.do(ctx, request{
		method:     http.MethodPut,
		path:       "/content/" + seg(locale) + "/" + seg(key) + "/published",
		body:       map[string]bool{"published": published},
		idempotent: true,
	}, &out)
	return out, err
}

func (c *HTTPClient) DeleteKey(ctx context.Context, key string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/content/" + seg(key)}, nil)
}

func (c *HTTPClient) ListVersions(ctx context.Context, key, locale string, limit int) ([]models.Version, error) {
	var out struct {
		Versions []models.Version `json:"versions"`
	}
	req := request{method: http.MethodGet, path: "/content/" + seg(locale) + "/" + seg(key) + "/versions", idempotent: true}
	if limit > 0 {
		req.query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *HTTPClient) RollbackValue(ctx context.Context, versionID int64, actor models.Actor) (models.Translation, error) {
	var out models.Translation
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/versions/" + strconv.FormatInt(versionID, 10) + "/rollback",
		actor:  actor,
	}, &out)
	return out, err
}

func (c *HTTPClient) InvalidateKey(ctx context.Context, key, locale string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/cache/content/" + seg(locale) + "/" + seg(key), idempotent: true}, nil)
}

func (c *HTTPClient) InvalidateNamespace(ctx context.Context, namespace, locale string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/cache/bundles/" + seg(locale) + "/" + seg(namespace), idempotent: true}, nil)
}

// do runs req, retrying retryable failures. out, when non-nil, receives the
// decoded 2xx body.
func (c *HTTPClient) do(ctx context.Context, req request, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ContentAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.call(ctx, req, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(req, err) {
			observability.ContentAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return err
		}
	}

	observability.ContentAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *HTTPClient) call(ctx context.Context, req request, out interface{}) error {
	start := time.Now()

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		observability.ContentAPICallsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		observability.ContentAPICallsTotal.WithLabelValues("error").Inc()
		observability.ContentAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ContentAPICallsTotal.WithLabelValues(status).Inc()
	observability.ContentAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := handleErrorResponse(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// isRetryable reports whether err is worth another attempt. 503 and 429 are
// always retried; transport failures only for idempotent requests, since a
// lost response may hide a committed write.
func (c *HTTPClient) isRetryable(req request, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if strings.Contains(err.Error(), "parse response") {
		return false
	}
	return req.idempotent
}

func (c *HTTPClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *HTTPClient) buildRequest(ctx context.Context, req request) (*http.Request, error) {
	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.actor != "" {
		httpReq.Header.Set("X-Actor", string(req.actor))
	}
	if corrID, _ := ctx.Value(correlationIDKey{}).(string); corrID != "" {
		httpReq.Header.Set("X-Correlation-ID", corrID)
	}
	return httpReq, nil
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func handleErrorResponse(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	apiErr := &APIError{
		Status:    status,
		Code:      env.Error.Code,
		Message:   env.Error.Message,
		RequestID: env.Error.RequestID,
	}
	switch {
	case status == http.StatusNotFound:
		apiErr.sentinel = ErrNotFound
	case status == http.StatusConflict:
		apiErr.sentinel = ErrDuplicateKey
	case status == http.StatusBadRequest:
		apiErr.sentinel = ErrInvalidArgument
	case status == http.StatusTooManyRequests:
		apiErr.sentinel = ErrRateLimited
	case status == http.StatusServiceUnavailable:
		apiErr.sentinel = ErrUnavailable
	case status >= 500:
		apiErr.sentinel = ErrServerFailure
	default:
		apiErr.sentinel = fmt.Errorf("unexpected status %d", status)
	}
	return apiErr
}

func seg(s string) string {
	return url.PathEscape(s)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
