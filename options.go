package taskgate

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port           int
	backendBaseURL string
	auditPath      string
	logger         *slog.Logger
	version        string
}

// WithPort overrides the TCP port from config (TASKGATE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithBackendBaseURL overrides the task API base URL from config
// (BACKEND_BASE_URL env var).
func WithBackendBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.backendBaseURL = url }
}

// WithAuditPath overrides the audit log file path from config
// (AUDIT_LOG_PATH env var).
func WithAuditPath(path string) Option {
	return func(o *resolvedOptions) { o.auditPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
