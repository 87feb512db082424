package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nerio-ai/taskgate/internal/breaker"
	"github.com/nerio-ai/taskgate/internal/fallback"
	"github.com/nerio-ai/taskgate/internal/metrics"
)

// Server is the TaskGate HTTP server. It exposes the MCP transport at /mcp,
// a health endpoint, and the Prometheus metrics endpoint.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	MCPServer *mcpserver.MCPServer
	Breaker   *breaker.Breaker
	Cache     *fallback.Cache
	Recorder  *metrics.Recorder
	Logger    *slog.Logger
	Version   string

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HealthResponse is the body returned by GET /healthz.
type HealthResponse struct {
	Status       string                           `json:"status"`
	Version      string                           `json:"version"`
	Uptime       int64                            `json:"uptime_seconds"`
	CacheEntries int                              `json:"cache_entries"`
	Circuits     map[string]breaker.ServiceStatus `json:"circuits"`
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	startedAt := time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		httpStatus := http.StatusOK

		circuits := cfg.Breaker.Snapshot()
		for _, c := range circuits {
			if c.State != breaker.Closed.String() {
				status = "degraded"
				break
			}
		}

		resp := HealthResponse{
			Status:       status,
			Version:      cfg.Version,
			Uptime:       int64(time.Since(startedAt).Seconds()),
			CacheEntries: cfg.Cache.Len(),
			Circuits:     circuits,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("GET /metrics", cfg.Recorder.Handler())

	// MCP StreamableHTTP transport.
	mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
	mux.Handle("/mcp", mcpHTTP)

	// Middleware chain (outermost executes first):
	// correlation ID → logging → metrics → handler.
	var handler http.Handler = mux
	handler = metricsMiddleware(cfg.Recorder, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = correlationMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
