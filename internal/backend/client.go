// Package backend executes logical operations against the downstream
// task-management REST API with timeout, bounded retry, circuit breaker
// gating, and fallback-cache integration.
//
// Every outcome — success, degraded cache hit, short-circuit, or failure —
// emits one backend-request metric observation and one audit record tagged
// with the active correlation id. Expected failures are returned as typed
// *Error values, never panics: callers branch explicitly.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerio-ai/taskgate/internal/audit"
	"github.com/nerio-ai/taskgate/internal/breaker"
	"github.com/nerio-ai/taskgate/internal/correlation"
	"github.com/nerio-ai/taskgate/internal/fallback"
	"github.com/nerio-ai/taskgate/internal/metrics"
)

// Retry backoff shape: exponential with jitter, 100ms base, factor 2,
// capped at 2s.
const (
	retryBaseInterval = 100 * time.Millisecond
	retryMultiplier   = 2
	retryMaxInterval  = 2 * time.Second
)

// Operation describes one logical backend call. Tool handlers construct
// these; the client decides caching and retry behavior from them.
type Operation struct {
	// Service names the upstream for circuit breaker accounting.
	Service string
	// Name is the logical operation name ("task_list"), used in metric
	// labels and audit records.
	Name string
	// Method and Path form the REST call relative to the base URL.
	Method string
	Path   string
	// Cacheable marks an idempotent read whose response may be stored in
	// and served from the fallback cache under CacheKey.
	Cacheable bool
	CacheKey  string
	// Invalidates lists exact cache keys a successful mutation evicts;
	// InvalidatePrefixes drops key families (list queries that may include
	// the mutated resource).
	Invalidates        []string
	InvalidatePrefixes []string
}

// idempotent reports whether retrying the operation is safe.
func (op Operation) idempotent() bool {
	return op.Method == http.MethodGet || op.Method == http.MethodHead
}

// Response is a successful backend result. Stale marks a value served from
// the fallback cache while the circuit was open.
type Response struct {
	Status int
	Body   json.RawMessage
	Stale  bool
}

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the task-management API
	// (e.g. "http://localhost:3001").
	BaseURL string
	// Timeout bounds each individual attempt. Defaults to 5 seconds.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt,
	// applied only to idempotent read operations. Defaults to 2.
	MaxRetries int
	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Client executes backend operations. Safe for concurrent use.
type Client struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client

	breaker  *breaker.Breaker
	cache    *fallback.Cache
	recorder *metrics.Recorder
	auditLog *audit.Logger
	logger   *slog.Logger
}

// New creates a Client wired to the given breaker, cache, metrics recorder,
// and audit sink.
func New(cfg Config, br *breaker.Breaker, cache *fallback.Cache, rec *metrics.Recorder, auditLog *audit.Logger, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: httpClient,
		breaker:    br,
		cache:      cache,
		recorder:   rec,
		auditLog:   auditLog,
		logger:     logger,
	}, nil
}

// Execute runs one logical backend operation.
//
// The circuit breaker gates the call. When short-circuited, cacheable reads
// degrade to the fallback cache (tagged stale); everything else fails fast
// with a typed error. When allowed, the HTTP call runs under the per-attempt
// timeout with bounded exponential-jitter retries for idempotent reads.
// The breaker hears exactly one verdict per Execute: success, or failure
// once retries are exhausted.
func (c *Client) Execute(ctx context.Context, op Operation, body any) (*Response, error) {
	start := time.Now()

	// Marshal before consulting the breaker: a local marshal bug says
	// nothing about upstream health and must not consume a half-open trial.
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			berr := &Error{
				Kind:      KindInternal,
				Service:   op.Service,
				Operation: op.Name,
				Message:   "marshal request body",
				Cause:     err,
			}
			c.observe(ctx, op, start, string(berr.Kind), false, berr.Kind)
			return nil, berr
		}
	}

	if c.breaker.Allow(op.Service) == breaker.ShortCircuit {
		return c.shortCircuit(ctx, op, start)
	}

	resp, berr := c.attemptWithRetry(ctx, op, payload)
	if berr != nil {
		if berr.countsAsBreakerFailure() {
			c.breaker.RecordFailure(op.Service)
		} else {
			// A 4xx proves the upstream is responding.
			c.breaker.RecordSuccess(op.Service)
		}
		c.observe(ctx, op, start, string(berr.Kind), false, berr.Kind)
		return nil, berr
	}

	c.breaker.RecordSuccess(op.Service)
	if op.Cacheable && op.CacheKey != "" {
		c.cache.Set(op.CacheKey, resp.Body, 0)
	}
	for _, key := range op.Invalidates {
		c.cache.Invalidate(key)
	}
	for _, prefix := range op.InvalidatePrefixes {
		c.cache.InvalidatePrefix(prefix)
	}

	c.observe(ctx, op, start, "success", false, "")
	return resp, nil
}

// shortCircuit handles a call rejected by the breaker: serve the fallback
// cache for reads, fail fast for everything else. Stale data is never
// served for a mutation.
func (c *Client) shortCircuit(ctx context.Context, op Operation, start time.Time) (*Response, error) {
	if op.Cacheable && op.CacheKey != "" {
		if entry, ok := c.cache.Get(op.CacheKey); ok {
			c.logger.Warn("serving degraded read from fallback cache",
				"service", op.Service,
				"operation", op.Name,
				"cache_key", op.CacheKey,
				"correlation_id", correlation.FromContext(ctx),
			)
			c.observe(ctx, op, start, "stale", true, "")
			return &Response{Status: http.StatusOK, Body: entry.Value, Stale: true}, nil
		}
		berr := &Error{
			Kind:      KindCacheMissAfterOpen,
			Service:   op.Service,
			Operation: op.Name,
			Message:   fmt.Sprintf("Circuit open for service %q and no cached fallback for %q", op.Service, op.CacheKey),
		}
		c.observe(ctx, op, start, string(berr.Kind), false, berr.Kind)
		return nil, berr
	}

	berr := &Error{
		Kind:      KindCircuitOpen,
		Service:   op.Service,
		Operation: op.Name,
		Message:   fmt.Sprintf("Circuit open for service %q; request rejected without contacting the backend", op.Service),
	}
	c.observe(ctx, op, start, string(berr.Kind), false, berr.Kind)
	return nil, berr
}

// attemptWithRetry issues the HTTP call, retrying retryable failures for
// idempotent operations with exponential-jitter backoff until MaxRetries
// attempts are spent or the caller's context ends.
func (c *Client) attemptWithRetry(ctx context.Context, op Operation, payload []byte) (*Response, *Error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryBaseInterval
	expo.Multiplier = retryMultiplier
	expo.MaxInterval = retryMaxInterval
	expo.MaxElapsedTime = 0
	var policy backoff.BackOff = backoff.WithMaxRetries(expo, uint64(c.maxRetries))

	attempt := 0
	for {
		attempt++
		resp, berr := c.attempt(ctx, op, payload)
		if berr == nil {
			return resp, nil
		}
		if !op.idempotent() || !berr.retryable() {
			return nil, berr
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return nil, berr
		}
		c.logger.Debug("retrying backend operation",
			"service", op.Service,
			"operation", op.Name,
			"attempt", attempt,
			"backoff", wait,
			"error_kind", string(berr.Kind),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, berr
		}
	}
}

// attempt issues one HTTP call bounded by the per-attempt timeout. When the
// deadline fires the in-flight request is abandoned via context
// cancellation, so a response arriving later can no longer reach the
// breaker or the cache.
func (c *Client) attempt(ctx context.Context, op Operation, payload []byte) (*Response, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, op.Method, c.baseURL+op.Path, bodyReader)
	if err != nil {
		return nil, &Error{
			Kind:      KindInternal,
			Service:   op.Service,
			Operation: op.Name,
			Message:   "create request",
			Cause:     err,
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := correlation.FromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyTransport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classifyTransport(op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{
			Kind:      KindHTTPStatus,
			Service:   op.Service,
			Operation: op.Name,
			Status:    resp.StatusCode,
			Message:   fmt.Sprintf("upstream returned %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return nil, &Error{
			Kind:      KindClient,
			Service:   op.Service,
			Operation: op.Name,
			Status:    resp.StatusCode,
			Message:   clientErrorMessage(resp.StatusCode, raw),
		}
	}

	return &Response{Status: resp.StatusCode, Body: raw}, nil
}

// classifyTransport maps a transport-level error to the taxonomy: deadline
// expiry is a Timeout, caller cancellation is Canceled, everything else a
// connection failure.
func (c *Client) classifyTransport(op Operation, err error) *Error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &Error{
			Kind:      KindTimeout,
			Service:   op.Service,
			Operation: op.Name,
			Message:   fmt.Sprintf("attempt exceeded %s", c.timeout),
			Cause:     err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Kind:      KindCanceled,
			Service:   op.Service,
			Operation: op.Name,
			Message:   "request abandoned by caller",
			Cause:     err,
		}
	}
	return &Error{
		Kind:      KindConnection,
		Service:   op.Service,
		Operation: op.Name,
		Message:   "connection failed",
		Cause:     err,
	}
}

// clientErrorMessage extracts the upstream's error message for a 4xx, or
// falls back to the status text.
func clientErrorMessage(status int, body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return fmt.Sprintf("upstream returned %d %s", status, http.StatusText(status))
}

// observe emits the metric observation and audit record for one outcome.
func (c *Client) observe(ctx context.Context, op Operation, start time.Time, outcome string, cacheUsed bool, errKind Kind) {
	duration := time.Since(start)
	corrID := correlation.FromContext(ctx)

	c.recorder.RecordBackendRequest(op.Service, op.Name, outcome, duration, corrID)

	rec := audit.Record{
		CorrelationID: corrID,
		Tool:          op.Name,
		Operation:     op.Method + " " + op.Path,
		Result:        audit.ResultSuccess,
		LatencyMS:     duration.Milliseconds(),
		BreakerState:  c.breaker.State(op.Service).String(),
		CacheUsed:     cacheUsed,
	}
	if errKind != "" {
		rec.Result = audit.ResultError
		rec.ErrorKind = string(errKind)
	}
	c.auditLog.Write(rec)
}
