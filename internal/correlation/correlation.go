// Package correlation assigns and propagates the correlation id that threads
// one logical tool invocation across the dispatcher, backend client, metrics,
// and audit log.
//
// The id is carried on the context, never in a package-level variable, so
// concurrent tool invocations cannot leak each other's ids. Retries spawned
// inside a single invocation reuse the invocation's id.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const keyCorrelationID contextKey = "correlation_id"

// New returns a fresh correlation id (UUIDv4).
func New() string {
	return uuid.New().String()
}

// WithID returns a new context carrying the given correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// FromContext extracts the correlation id from the context.
// Returns the empty string when none is bound.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// Ensure returns a context guaranteed to carry a correlation id, creating
// one when the incoming context has none, along with the id itself.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return WithID(ctx, id), id
}
