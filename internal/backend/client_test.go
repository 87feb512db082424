package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerio-ai/taskgate/internal/audit"
	"github.com/nerio-ai/taskgate/internal/breaker"
	"github.com/nerio-ai/taskgate/internal/correlation"
	"github.com/nerio-ai/taskgate/internal/fallback"
	"github.com/nerio-ai/taskgate/internal/metrics"
)

type clientFixture struct {
	client  *Client
	breaker *breaker.Breaker
	cache   *fallback.Cache
}

func newFixture(t *testing.T, baseURL string, cfg Config) *clientFixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	rec := metrics.NewRecorder(false)

	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"), logger, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	cache, err := fallback.New(100, time.Minute, rec, logger)
	require.NoError(t, err)

	br := breaker.New(breaker.Config{
		FailureThreshold:  5,
		OpenTimeout:       300 * time.Millisecond,
		HalfOpenMaxTrials: 1,
	}, logger, nil)

	cfg.BaseURL = baseURL
	client, err := New(cfg, br, cache, rec, auditLog, logger)
	require.NoError(t, err)

	return &clientFixture{client: client, breaker: br, cache: cache}
}

func readOp(name, path, key string) Operation {
	return Operation{
		Service:   "taskboard",
		Name:      name,
		Method:    http.MethodGet,
		Path:      path,
		Cacheable: true,
		CacheKey:  key,
	}
}

func writeOp(name, method, path string) Operation {
	return Operation{
		Service: "taskboard",
		Name:    name,
		Method:  method,
		Path:    path,
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tasks/1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","title":"write tests"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{})

	resp, err := f.client.Execute(context.Background(), readOp("task_get", "/api/tasks/1", "task:1"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.False(t, resp.Stale)
	assert.JSONEq(t, `{"id":"1","title":"write tests"}`, string(resp.Body))
}

func TestExecuteSendsCorrelationHeader(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Correlation-ID"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{})
	ctx := correlation.WithID(context.Background(), "corr-7")

	_, err := f.client.Execute(ctx, readOp("task_get", "/api/tasks/1", "task:1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "corr-7", got.Load())
}

func TestExecuteCachesSuccessfulReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1"}]`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{})

	_, err := f.client.Execute(context.Background(), readOp("task_list", "/api/tasks", "task_list:"), nil)
	require.NoError(t, err)

	entry, ok := f.cache.Get("task_list:")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"1"}]`, string(entry.Value))
}

func TestExecuteMutationInvalidatesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{})
	f.cache.Set("task:1", json.RawMessage(`{"old":true}`), 0)
	f.cache.Set("task_list:", json.RawMessage(`[]`), 0)
	f.cache.Set("task_list:status=open", json.RawMessage(`[]`), 0)
	f.cache.Set("project:9", json.RawMessage(`{}`), 0)

	op := writeOp("task_update", http.MethodPatch, "/api/tasks/1")
	op.Invalidates = []string{"task:1"}
	op.InvalidatePrefixes = []string{"task_list:"}

	_, err := f.client.Execute(context.Background(), op, map[string]any{"title": "new"})
	require.NoError(t, err)

	_, ok := f.cache.Get("task:1")
	assert.False(t, ok)
	_, ok = f.cache.Get("task_list:")
	assert.False(t, ok)
	_, ok = f.cache.Get("task_list:status=open")
	assert.False(t, ok)
	_, ok = f.cache.Get("project:9")
	assert.True(t, ok, "unrelated entries survive")
}

func TestExecuteConsecutiveFailuresTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 0})
	op := writeOp("task_create", http.MethodPost, "/api/tasks")

	for i := 0; i < 5; i++ {
		_, err := f.client.Execute(context.Background(), op, map[string]any{"title": "x"})
		require.Error(t, err)
		require.False(t, IsCircuitOpen(err), "call %d should reach the upstream", i)
	}

	assert.Equal(t, breaker.Open, f.breaker.State("taskboard"))

	_, err := f.client.Execute(context.Background(), op, map[string]any{"title": "x"})
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Contains(t, err.(*Error).Message, "Circuit")
}

func TestExecuteClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"task not found"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{})
	op := readOp("task_get", "/api/tasks/404", "task:404")

	for i := 0; i < 10; i++ {
		_, err := f.client.Execute(context.Background(), op, nil)
		require.Error(t, err)
		assert.True(t, IsClientError(err))
		assert.Equal(t, "task not found", err.(*Error).Message)
	}

	assert.Equal(t, breaker.Closed, f.breaker.State("taskboard"))
}

func TestExecuteServesStaleFromCacheWhileOpen(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"1"}]`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 0})
	op := readOp("task_list", "/api/tasks", "task_list:")

	// Warm the cache.
	_, err := f.client.Execute(context.Background(), op, nil)
	require.NoError(t, err)

	// Trip the circuit.
	healthy.Store(false)
	for i := 0; i < 5; i++ {
		_, err := f.client.Execute(context.Background(), op, nil)
		require.Error(t, err)
	}
	require.Equal(t, breaker.Open, f.breaker.State("taskboard"))

	// Degraded read served from cache, marked stale.
	resp, err := f.client.Execute(context.Background(), op, nil)
	require.NoError(t, err)
	assert.True(t, resp.Stale)
	assert.JSONEq(t, `[{"id":"1"}]`, string(resp.Body))
}

func TestExecuteCacheMissWhileOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 0})
	op := readOp("task_list", "/api/tasks", "task_list:")

	for i := 0; i < 5; i++ {
		_, _ = f.client.Execute(context.Background(), op, nil)
	}
	require.Equal(t, breaker.Open, f.breaker.State("taskboard"))

	_, err := f.client.Execute(context.Background(), op, nil)
	require.Error(t, err)
	berr := err.(*Error)
	assert.Equal(t, KindCacheMissAfterOpen, berr.Kind)
	assert.Contains(t, berr.Message, "Circuit")
}

func TestExecuteMutationNeverServedStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 0})
	op := writeOp("task_create", http.MethodPost, "/api/tasks")

	for i := 0; i < 5; i++ {
		_, _ = f.client.Execute(context.Background(), op, map[string]any{"title": "x"})
	}
	require.Equal(t, breaker.Open, f.breaker.State("taskboard"))

	_, err := f.client.Execute(context.Background(), op, map[string]any{"title": "x"})
	require.Error(t, err)
	berr := err.(*Error)
	assert.Equal(t, KindCircuitOpen, berr.Kind)
	assert.Contains(t, berr.Message, "Circuit")
}

func TestExecuteRecoveryThroughHalfOpen(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 0})
	op := readOp("task_get", "/api/tasks/1", "task:1")

	for i := 0; i < 5; i++ {
		_, _ = f.client.Execute(context.Background(), op, nil)
	}
	require.Equal(t, breaker.Open, f.breaker.State("taskboard"))

	// Upstream recovers; after the cooldown the trial call closes the circuit.
	healthy.Store(true)
	time.Sleep(350 * time.Millisecond)

	resp, err := f.client.Execute(context.Background(), op, nil)
	require.NoError(t, err)
	assert.False(t, resp.Stale, "trial call reaches the live upstream")
	assert.Equal(t, breaker.Closed, f.breaker.State("taskboard"))
}

func TestExecuteRetriesIdempotentReads(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 2})

	resp, err := f.client.Execute(context.Background(), readOp("task_get", "/api/tasks/1", "task:1"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), calls.Load())

	// A single failure streak fully recovered counts one breaker success.
	assert.Equal(t, breaker.Closed, f.breaker.State("taskboard"))
}

func TestExecuteDoesNotRetryMutations(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 2})

	_, err := f.client.Execute(context.Background(), writeOp("task_create", http.MethodPost, "/api/tasks"), map[string]any{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "mutations get exactly one attempt")
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad filter"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 2})

	_, err := f.client.Execute(context.Background(), readOp("task_list", "/api/tasks", "task_list:"), nil)
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{Timeout: 20 * time.Millisecond, MaxRetries: 0})

	_, err := f.client.Execute(context.Background(), readOp("task_get", "/api/tasks/1", "task:1"), nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestExecuteCallerCancellationDoesNotCountAgainstBreaker(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, Config{MaxRetries: 2})
	op := readOp("task_get", "/api/tasks/1", "task:1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.client.Execute(ctx, op, nil)
	require.Error(t, err)
	berr := err.(*Error)
	assert.Equal(t, KindCanceled, berr.Kind)
	assert.False(t, IsTimeout(err))

	// A client disconnect says nothing about upstream health.
	assert.Equal(t, breaker.Closed, f.breaker.State("taskboard"))
	snap := f.breaker.Snapshot()
	assert.Equal(t, 0, snap["taskboard"].ConsecutiveFailures)
}

func TestExecuteConnectionRefusedClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	f := newFixture(t, srv.URL, Config{MaxRetries: 0})

	_, err := f.client.Execute(context.Background(), readOp("task_get", "/api/tasks/1", "task:1"), nil)
	require.Error(t, err)
	assert.Equal(t, KindConnection, err.(*Error).Kind)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestExecuteWithOversizedCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.DiscardHandler)
	rec := metrics.NewRecorder(true)
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLog, err := audit.New(auditPath, logger, rec)
	require.NoError(t, err)

	cache, err := fallback.New(10, time.Minute, rec, logger)
	require.NoError(t, err)
	br := breaker.New(breaker.Config{FailureThreshold: 5, OpenTimeout: time.Minute, HalfOpenMaxTrials: 1}, logger, nil)
	client, err := New(Config{BaseURL: srv.URL}, br, cache, rec, auditLog, logger)
	require.NoError(t, err)

	// A caller-supplied correlation id of arbitrary length must not break
	// the metrics or audit path of a live call.
	ctx := correlation.WithID(context.Background(), strings.Repeat("x", 200))
	resp, err := client.Execute(ctx, readOp("task_get", "/api/tasks/1", "task:1"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	require.NoError(t, auditLog.Close())
	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)

	var record audit.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &record))
	assert.Equal(t, strings.Repeat("x", 200), record.CorrelationID)
}

func TestExecuteWritesAuditTrail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.DiscardHandler)
	rec := metrics.NewRecorder(false)
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLog, err := audit.New(auditPath, logger, rec)
	require.NoError(t, err)

	cache, err := fallback.New(10, time.Minute, rec, logger)
	require.NoError(t, err)
	br := breaker.New(breaker.Config{FailureThreshold: 5, OpenTimeout: time.Minute, HalfOpenMaxTrials: 1}, logger, nil)
	client, err := New(Config{BaseURL: srv.URL}, br, cache, rec, auditLog, logger)
	require.NoError(t, err)

	ctx := correlation.WithID(context.Background(), "corr-audit")
	_, err = client.Execute(ctx, writeOp("task_delete", http.MethodDelete, "/api/tasks/1"), nil)
	require.NoError(t, err)
	require.NoError(t, auditLog.Close())

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var record audit.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "corr-audit", record.CorrelationID)
	assert.Equal(t, "task_delete", record.Tool)
	assert.Equal(t, "DELETE /api/tasks/1", record.Operation)
	assert.Equal(t, audit.ResultSuccess, record.Result)
	assert.Equal(t, "CLOSED", record.BreakerState)
	assert.False(t, record.CacheUsed)
}
