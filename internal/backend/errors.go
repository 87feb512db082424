package backend

import (
	"errors"
	"fmt"
)

// Kind classifies a backend error. Kinds are stable strings surfaced to
// tool callers and recorded in audit records and metric labels.
type Kind string

const (
	// KindClient is a 4xx response: bad tool input, not service ill-health.
	// Never counts toward the circuit breaker and is never retried.
	KindClient Kind = "client_error"
	// KindTimeout is an attempt that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindConnection is a connection-level failure (refused, reset, DNS).
	KindConnection Kind = "connection_refused"
	// KindCanceled is a request abandoned because the caller's context was
	// cancelled. Says nothing about upstream health: never counts toward the
	// circuit breaker and is never retried.
	KindCanceled Kind = "canceled"
	// KindHTTPStatus is a 5xx response from the upstream.
	KindHTTPStatus Kind = "http_status"
	// KindCircuitOpen is a call short-circuited by an open circuit with no
	// fallback path.
	KindCircuitOpen Kind = "circuit_open"
	// KindCacheMissAfterOpen is a short-circuited read with no cached value
	// to degrade to.
	KindCacheMissAfterOpen Kind = "cache_miss_after_open"
	// KindInternal is a gateway bug, always surfaced and always audited.
	KindInternal Kind = "internal"
)

// Error is the typed result for every expected backend failure. Callers
// branch on Kind; the gateway never panics or throws for an expected
// upstream failure.
type Error struct {
	Kind      Kind
	Service   string
	Operation string
	Status    int // HTTP status when Kind is KindClient or KindHTTPStatus
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend: %s %s: %s: %v", e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("backend: %s %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// retryable reports whether the error may be retried for idempotent reads.
// Short-circuit kinds are excluded: retrying during the cooldown window
// wastes it and risks re-tripping a probe.
func (e *Error) retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindHTTPStatus:
		return true
	}
	return false
}

// countsAsBreakerFailure reports whether the error indicates upstream
// ill-health. Client errors prove the upstream is responding.
func (e *Error) countsAsBreakerFailure() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindHTTPStatus:
		return true
	}
	return false
}

// IsCircuitOpen reports whether err is a short-circuited call
// (circuit open, with or without a failed cache fallback).
func IsCircuitOpen(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindCircuitOpen || e.Kind == KindCacheMissAfterOpen
	}
	return false
}

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTimeout
	}
	return false
}

// IsClientError reports whether err is a 4xx client error.
func IsClientError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindClient
	}
	return false
}
