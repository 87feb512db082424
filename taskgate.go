// Package taskgate is the public API for embedding the TaskGate MCP gateway.
//
// Consumers import this package to construct and run the gateway:
//
//	app, err := taskgate.New(
//	    taskgate.WithVersion(version),
//	    taskgate.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: taskgate (root) imports
// internal/*, but internal/* never imports taskgate (root).
package taskgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nerio-ai/taskgate/internal/audit"
	"github.com/nerio-ai/taskgate/internal/backend"
	"github.com/nerio-ai/taskgate/internal/breaker"
	"github.com/nerio-ai/taskgate/internal/config"
	"github.com/nerio-ai/taskgate/internal/dispatch"
	"github.com/nerio-ai/taskgate/internal/fallback"
	"github.com/nerio-ai/taskgate/internal/mcp"
	"github.com/nerio-ai/taskgate/internal/metrics"
	"github.com/nerio-ai/taskgate/internal/server"
)

// App is the TaskGate gateway lifecycle. Construct with New(), run with Run().
type App struct {
	cfg      config.Config
	srv      *server.Server
	mcpSrv   *mcp.Server
	client   *backend.Client
	brk      *breaker.Breaker
	cache    *fallback.Cache
	recorder *metrics.Recorder
	auditLog *audit.Logger
	logger   *slog.Logger
	version  string
}

// New initialises the gateway. It loads configuration, wires all subsystems,
// and returns a ready-to-run App. It does NOT start any goroutines or accept
// HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.backendBaseURL != "" {
		cfg.BackendBaseURL = o.backendBaseURL
	}
	if o.auditPath != "" {
		cfg.AuditLogPath = o.auditPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("taskgate starting",
		"version", version,
		"port", cfg.Port,
		"backend", cfg.BackendBaseURL,
	)

	recorder := metrics.NewRecorder(cfg.EnableMetrics)

	auditLog, err := audit.New(cfg.AuditLogPath, logger, recorder)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	cache, err := fallback.New(cfg.CacheMaxEntries, cfg.CacheTTL, recorder, logger)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("fallback cache: %w", err)
	}

	brk := breaker.New(breaker.Config{
		FailureThreshold:  cfg.CircuitFailureThreshold,
		OpenTimeout:       cfg.CircuitOpenTimeout,
		HalfOpenMaxTrials: cfg.CircuitHalfOpenTrials,
	}, logger, func(service string, state breaker.State) {
		recorder.RecordCircuitBreakerEvent(service, state.String())
	})

	client, err := backend.New(backend.Config{
		BaseURL:    cfg.BackendBaseURL,
		Timeout:    cfg.BackendTimeout,
		MaxRetries: cfg.BackendMaxRetries,
	}, brk, cache, recorder, auditLog, logger)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("backend client: %w", err)
	}

	dispatcher := dispatch.New(client, recorder, auditLog, logger)
	mcpSrv := mcp.New(dispatcher, logger, version)

	srv := server.New(server.Config{
		MCPServer:    mcpSrv.MCPServer(),
		Breaker:      brk,
		Cache:        cache,
		Recorder:     recorder,
		Logger:       logger,
		Version:      version,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &App{
		cfg:      cfg,
		srv:      srv,
		mcpSrv:   mcpSrv,
		client:   client,
		brk:      brk,
		cache:    cache,
		recorder: recorder,
		auditLog: auditLog,
		logger:   logger,
		version:  version,
	}, nil
}

// Run starts the HTTP server and background loops, then blocks until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.cache.SweepLoop(gctx, a.cfg.CacheSweepInterval)
		return nil
	})

	if a.recorder.Enabled() {
		g.Go(func() error {
			a.systemMetricsLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Block until signal or server error, then drain.
	<-gctx.Done()
	shutdownErr := a.Shutdown(context.Background())

	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown drains in-flight HTTP requests and closes the audit log.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("taskgate shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if err := a.auditLog.Close(); err != nil {
		return fmt.Errorf("audit log close: %w", err)
	}
	return nil
}

// Handler returns the root HTTP handler for use in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func (a *App) systemMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SystemMetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.recorder.RecordSystemMetrics()
		}
	}
}
