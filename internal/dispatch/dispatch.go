// Package dispatch is the single entry point every MCP tool handler calls
// through. It binds a correlation id to the invocation, executes the backend
// operation, records tool-level metrics, and converts every outcome into a
// structured result — a backend failure never leaks to the transport as an
// unstructured error.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nerio-ai/taskgate/internal/audit"
	"github.com/nerio-ai/taskgate/internal/backend"
	"github.com/nerio-ai/taskgate/internal/correlation"
	"github.com/nerio-ai/taskgate/internal/metrics"
)

// ErrorInfo is the structured error surfaced to tool callers. Kind is a
// stable discriminant; Message is human-readable (for a short-circuited
// call it contains the substring "Circuit" so operators and tests can spot
// degraded mode without decoding kinds).
type ErrorInfo struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// Result is the outcome of one dispatched tool invocation: exactly one of
// Data (success) or Err (failure) is set.
type Result struct {
	IsError bool
	Data    json.RawMessage
	Stale   bool
	Err     *ErrorInfo
}

// MCP converts the result to the MCP tool-result wire shape.
func (r Result) MCP() *mcplib.CallToolResult {
	if r.IsError {
		payload, _ := json.Marshal(r.Err)
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: r.Err.Message},
			},
			StructuredContent: json.RawMessage(payload),
			IsError:           true,
		}
	}
	result := &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(r.Data)},
		},
	}
	if r.Stale {
		result.StructuredContent = map[string]any{"stale": true}
	}
	return result
}

// Dispatcher wires correlation, the backend client, metrics, and audit into
// one call path for all tool handlers.
type Dispatcher struct {
	backend  *backend.Client
	recorder *metrics.Recorder
	auditLog *audit.Logger
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(client *backend.Client, rec *metrics.Recorder, auditLog *audit.Logger, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		backend:  client,
		recorder: rec,
		auditLog: auditLog,
		logger:   logger,
	}
}

// Dispatch executes op for the named tool and returns a structured result.
// A correlation id is bound to the context for the whole invocation,
// including any retries the backend client spawns.
func (d *Dispatcher) Dispatch(ctx context.Context, op backend.Operation, body any) Result {
	ctx, corrID := correlation.Ensure(ctx)
	start := time.Now()

	resp, err := d.backend.Execute(ctx, op, body)
	duration := time.Since(start)

	if err != nil {
		var berr *backend.Error
		if !errors.As(err, &berr) {
			// Not a typed backend error: a dispatcher or cache bug.
			// Always surfaced, always audited with full context.
			berr = &backend.Error{
				Kind:      backend.KindInternal,
				Service:   op.Service,
				Operation: op.Name,
				Message:   "internal gateway error",
				Cause:     err,
			}
			d.auditLog.Write(audit.Record{
				CorrelationID: corrID,
				Tool:          op.Name,
				Operation:     op.Method + " " + op.Path,
				Result:        audit.ResultError,
				LatencyMS:     duration.Milliseconds(),
				ErrorKind:     string(backend.KindInternal),
			})
		}

		d.recorder.RecordToolExecution(op.Name, "error", duration)
		d.logger.Warn("tool dispatch failed",
			"tool", op.Name,
			"error_kind", string(berr.Kind),
			"error", err,
			"duration_ms", duration.Milliseconds(),
			"correlation_id", corrID,
		)
		return Result{
			IsError: true,
			Err: &ErrorInfo{
				Kind:          string(berr.Kind),
				Message:       berr.Message,
				CorrelationID: corrID,
			},
		}
	}

	d.recorder.RecordToolExecution(op.Name, "success", duration)
	d.logger.Info("tool dispatched",
		"tool", op.Name,
		"stale", resp.Stale,
		"duration_ms", duration.Milliseconds(),
		"correlation_id", corrID,
	)
	return Result{Data: resp.Body, Stale: resp.Stale}
}
