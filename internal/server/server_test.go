package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerio-ai/taskgate/internal/breaker"
	"github.com/nerio-ai/taskgate/internal/fallback"
	"github.com/nerio-ai/taskgate/internal/metrics"
)

func newTestServer(t *testing.T, metricsEnabled bool) (*Server, *breaker.Breaker) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	rec := metrics.NewRecorder(metricsEnabled)

	cache, err := fallback.New(10, time.Minute, rec, logger)
	require.NoError(t, err)

	br := breaker.New(breaker.Config{
		FailureThreshold:  1,
		OpenTimeout:       time.Minute,
		HalfOpenMaxTrials: 1,
	}, logger, nil)

	srv := New(Config{
		MCPServer: mcpserver.NewMCPServer("taskgate", "test"),
		Breaker:   br,
		Cache:     cache,
		Recorder:  rec,
		Logger:    logger,
		Version:   "test",
		Port:      0,
	})
	return srv, br
}

func TestHealthzHealthy(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 0, resp.CacheEntries)
}

func TestHealthzDegradedWhenCircuitOpen(t *testing.T) {
	srv, br := newTestServer(t, false)
	br.RecordFailure("taskboard")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Contains(t, resp.Circuits, "taskboard")
	assert.Equal(t, "OPEN", resp.Circuits["taskboard"].State)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, metrics.DisabledMarker, rec.Body.String())
}

func TestMetricsEndpointEnabled(t *testing.T) {
	srv, _ := newTestServer(t, true)

	// One request through the stack so the counters exist.
	warm := httptest.NewRecorder()
	srv.Handler().ServeHTTP(warm, httptest.NewRequest("GET", "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskgate_http_requests_total")
}

func TestCorrelationHeaderGenerated(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationHeaderHonored(t *testing.T) {
	srv, _ := newTestServer(t, false)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "upstream-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", rec.Header().Get("X-Correlation-ID"))
}
