// Package audit writes the append-only JSONL record of gateway operations.
//
// The sink is a dedicated file, one JSON object per line, never intermixed
// with application logs. Records are written for every mutating and every
// failed operation (and for reads, which makes healthy traffic auditable
// too): the absence of an error is never treated as proof of success.
// A sink failure degrades to the application error log plus an observable
// counter — it never fails the request that produced the record.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nerio-ai/taskgate/internal/metrics"
)

// Result values for Record.Result.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Record is one audit line. Append-only; never mutated after Write.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Tool          string    `json:"tool_name"`
	Operation     string    `json:"operation"`
	Result        string    `json:"result"`
	LatencyMS     int64     `json:"latency_ms"`
	BreakerState  string    `json:"breaker_state"`
	CacheUsed     bool      `json:"cache_used"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}

// Logger appends Records to a JSONL file. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	log    *slog.Logger
	rec    *metrics.Recorder
	closed bool
}

// New opens (creating if needed) the JSONL sink at path.
func New(path string, log *slog.Logger, rec *metrics.Recorder) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{file: f, path: path, log: log, rec: rec}, nil
}

// Write appends one record. A timestamp is stamped if the caller left it
// zero. Failures are logged and counted, never returned — the request path
// must not depend on the audit sink.
func (l *Logger) Write(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(r)
	if err != nil {
		l.fail(r, err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.fail(r, fmt.Errorf("audit: sink closed"))
		return
	}
	if _, err := l.file.Write(line); err != nil {
		l.fail(r, err)
	}
}

// Close flushes and closes the sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// fail routes a record that could not be written to the general error log
// and increments the audit_write_failures counter.
func (l *Logger) fail(r Record, err error) {
	l.rec.RecordAuditWriteFailure()
	l.log.Error("audit write failed",
		"error", err,
		"path", l.path,
		"correlation_id", r.CorrelationID,
		"tool_name", r.Tool,
		"operation", r.Operation,
		"result", r.Result,
	)
}
