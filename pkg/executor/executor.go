// Package executor provides the resilient outbound request layer for the
// upstream cloud API: credential resolution, failure classification, and a
// differentiated retry policy per error class.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avenhaus/harvester/pkg/auth"
)

// Prometheus metrics for executor operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Request describes a single outbound API call.
type Request struct {
	// Method is the HTTP method (required).
	Method string

	// Path is the endpoint path, or an absolute URL (required).
	Path string

	// BaseURL overrides the executor's configured base URL for this call.
	BaseURL string

	// Headers are merged over the executor's defaults. Supplying an
	// Authorization header skips credential resolution for this call.
	Headers map[string]string

	// Body is JSON-encoded when non-nil. []byte and string values are sent as-is.
	Body any

	// Timeout overrides the executor's per-call timeout.
	Timeout time.Duration
}

// Response is an upstream response with the transport envelope removed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Config holds the executor configuration.
type Config struct {
	// BaseURL is the upstream API root, e.g. "https://api.example.com".
	BaseURL string

	// Tokens resolves and invalidates the shared bearer credential.
	Tokens auth.Provider

	// RetryLimit is the maximum number of attempts per call (including the first).
	RetryLimit int

	// DefaultDelay is the fixed wait after a 401 and the base of the linear
	// backoff used for unknown statuses.
	DefaultDelay time.Duration

	// RateLimitDelay is the fixed, longer wait after a 429.
	RateLimitDelay time.Duration

	// ServerErrorBase is the base of the exponential backoff used for 5xx.
	ServerErrorBase time.Duration

	// Timeout is the per-call HTTP timeout unless the request overrides it.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string, tokens auth.Provider) Config {
	return Config{
		BaseURL:         baseURL,
		Tokens:          tokens,
		RetryLimit:      3,
		DefaultDelay:    3 * time.Second,
		RateLimitDelay:  60 * time.Second,
		ServerErrorBase: 2 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// Executor issues outbound requests one at a time and survives credential
// expiry, rate limiting, and transient server failures.
type Executor struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger

	// sleep waits for a retry delay; replaceable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new executor.
func New(cfg Config) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = 3 * time.Second
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 60 * time.Second
	}
	if cfg.ServerErrorBase <= 0 {
		cfg.ServerErrorBase = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "executor").Logger()

	return &Executor{
		httpClient: &http.Client{},
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

// Execute performs a request with classification-driven retries. Recoverable
// failures (401, 429, 5xx, unknown statuses) are retried up to the configured
// limit; validation and client errors surface immediately.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" || req.Path == "" {
		return nil, &APIError{
			Class:   ErrorClassValidation,
			Method:  req.Method,
			URL:     req.Path,
			Attempt: 0,
			Message: "method and path are required",
			Err:     ErrInvalidRequest,
		}
	}

	endpoint := endpointLabel(req.Path)
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= e.config.RetryLimit; attempt++ {
		resp, err := e.attempt(ctx, req, attempt)
		if err == nil {
			requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()
			if attempt > 1 {
				e.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			// Credential resolution or request construction failure.
			return nil, err
		}

		errorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
		requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", apiErr.StatusCode)).Inc()

		if !recoverable(apiErr.Class) {
			e.logger.Error().
				Str("endpoint", endpoint).
				Int("status", apiErr.StatusCode).
				Str("error_class", string(apiErr.Class)).
				Int("attempt", attempt).
				Msg("Non-recoverable upstream error")
			return nil, apiErr
		}

		lastErr = apiErr
		lastClass = apiErr.Class

		if apiErr.Class == ErrorClassAuth {
			e.config.Tokens.Invalidate()
		}

		if attempt >= e.config.RetryLimit {
			break
		}

		delay := e.delayFor(apiErr.Class, attempt)
		retriesTotal.WithLabelValues(string(apiErr.Class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(apiErr.Class)).Observe(delay.Seconds())

		// 401/429 are expected upstream behavior, not faults.
		logEvent := e.logger.Warn()
		if apiErr.Class == ErrorClassAuth || apiErr.Class == ErrorClassRateLimit {
			logEvent = e.logger.Info()
		}
		logEvent.
			Str("endpoint", endpoint).
			Int("status", apiErr.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying request after delay")

		if err := e.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	e.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_class", string(lastClass)).
		Int("max_attempts", e.config.RetryLimit).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%s %s: %w after %d attempts: %w",
		req.Method, endpoint, ErrRetryExhausted, e.config.RetryLimit, lastErr)
}

// attempt issues the request once and classifies the outcome.
func (e *Executor) attempt(ctx context.Context, req Request, attempt int) (*Response, error) {
	fullURL := e.resolveURL(req)

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// Resolve the shared credential unless the caller brought its own.
	if !hasAuthorization(req.Headers) {
		token, err := e.config.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve credential: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{
			Class:   ErrorClassClient,
			Method:  req.Method,
			URL:     fullURL,
			Attempt: attempt,
			Message: "no response from upstream",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{
			Class:   ErrorClassClient,
			Method:  req.Method,
			URL:     fullURL,
			Attempt: attempt,
			Message: "read response body",
			Err:     err,
		}
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Method:     req.Method,
			URL:        fullURL,
			Attempt:    attempt,
			Message:    resp.Status,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// delayFor computes the wait before the next attempt, where attempt is the
// 1-based number of the attempt that just failed.
func (e *Executor) delayFor(class ErrorClass, attempt int) time.Duration {
	switch class {
	case ErrorClassAuth:
		return e.config.DefaultDelay
	case ErrorClassRateLimit:
		return e.config.RateLimitDelay
	case ErrorClassServer:
		return e.config.ServerErrorBase << (attempt - 1)
	default:
		return e.config.DefaultDelay * time.Duration(attempt)
	}
}

// resolveURL builds the absolute request URL.
func (e *Executor) resolveURL(req Request) string {
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		return req.Path
	}
	base := e.config.BaseURL
	if req.BaseURL != "" {
		base = req.BaseURL
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(req.Path, "/")
}

// Get performs a GET request against an endpoint path.
func (e *Executor) Get(ctx context.Context, path string) (*Response, error) {
	return e.Execute(ctx, Request{Method: http.MethodGet, Path: path})
}

// Post performs a POST request with a JSON body against an endpoint path.
func (e *Executor) Post(ctx context.Context, path string, body any) (*Response, error) {
	return e.Execute(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (e *Executor) SetHTTPClient(client *http.Client) {
	e.httpClient = client
}

// SetSleeper sets a custom delay function (for testing).
func (e *Executor) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// sleepContext waits for d with context cancellation support.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// encodeBody serializes a request body. []byte and string pass through untouched.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// hasAuthorization reports whether the caller supplied its own Authorization header.
func hasAuthorization(headers map[string]string) bool {
	for key := range headers {
		if strings.EqualFold(key, "Authorization") {
			return true
		}
	}
	return false
}

// endpointLabel reduces a path or URL to a bounded-cardinality metric label.
func endpointLabel(path string) string {
	if i := strings.Index(path, "://"); i >= 0 {
		rest := path[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			path = rest[j:]
		} else {
			path = "/"
		}
	}
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return path
}
