// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Backend settings.
	BackendBaseURL    string
	BackendTimeout    time.Duration
	BackendMaxRetries int

	// Circuit breaker settings.
	CircuitFailureThreshold int
	CircuitOpenTimeout      time.Duration
	CircuitHalfOpenTrials   int

	// Fallback cache settings.
	CacheTTL           time.Duration
	CacheMaxEntries    int
	CacheSweepInterval time.Duration

	// Metrics settings.
	EnableMetrics         bool
	SystemMetricsInterval time.Duration

	// Audit settings.
	AuditLogPath string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                    envInt("TASKGATE_PORT", 8080),
		ReadTimeout:             envDuration("TASKGATE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            envDuration("TASKGATE_WRITE_TIMEOUT", 30*time.Second),
		BackendBaseURL:          envStr("BACKEND_BASE_URL", "http://localhost:3001"),
		BackendTimeout:          envMillis("BACKEND_TIMEOUT_MS", 5000),
		BackendMaxRetries:       envInt("BACKEND_MAX_RETRIES", 2),
		CircuitFailureThreshold: envInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitOpenTimeout:      envMillis("CIRCUIT_OPEN_TIMEOUT_MS", 30000),
		CircuitHalfOpenTrials:   envInt("CIRCUIT_HALF_OPEN_TRIALS", 1),
		CacheTTL:                envSeconds("CACHE_TTL_SECONDS", 300),
		CacheMaxEntries:         envInt("CACHE_MAX_ENTRIES", 500),
		CacheSweepInterval:      envMillis("CACHE_SWEEP_INTERVAL_MS", 60000),
		EnableMetrics:           envBool("ENABLE_METRICS", true),
		SystemMetricsInterval:   envDuration("TASKGATE_SYSTEM_METRICS_INTERVAL", 15*time.Second),
		AuditLogPath:            envStr("AUDIT_LOG_PATH", "taskgate-audit.jsonl"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("config: BACKEND_BASE_URL is required")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("config: BACKEND_TIMEOUT_MS must be positive")
	}
	if c.BackendMaxRetries < 0 {
		return fmt.Errorf("config: BACKEND_MAX_RETRIES must not be negative")
	}
	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("config: CIRCUIT_FAILURE_THRESHOLD must be positive")
	}
	if c.CircuitOpenTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_OPEN_TIMEOUT_MS must be positive")
	}
	if c.CircuitHalfOpenTrials <= 0 {
		return fmt.Errorf("config: CIRCUIT_HALF_OPEN_TRIALS must be positive")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL_SECONDS must be positive")
	}
	if c.CacheSweepInterval <= 0 {
		return fmt.Errorf("config: CACHE_SWEEP_INTERVAL_MS must be positive")
	}
	if c.SystemMetricsInterval <= 0 {
		return fmt.Errorf("config: TASKGATE_SYSTEM_METRICS_INTERVAL must be positive")
	}
	if c.AuditLogPath == "" {
		return fmt.Errorf("config: AUDIT_LOG_PATH is required")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envMillis reads an integer number of milliseconds.
func envMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(envInt(key, defaultMillis)) * time.Millisecond
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}
