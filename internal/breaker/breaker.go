// Package breaker implements a per-service circuit breaker gating calls to
// upstream services.
//
// Each service name gets an independent state machine:
//
//	CLOSED --(failures >= threshold)--> OPEN
//	OPEN   --(open timeout elapsed)---> HALF_OPEN
//	HALF_OPEN --(all trials succeed)--> CLOSED
//	HALF_OPEN --(any failure)---------> OPEN
//
// The breaker never decides what counts as a failure — callers classify
// outcomes and report them via RecordSuccess/RecordFailure. Client errors
// (4xx) indicate bad input rather than service health and must be reported
// as successes so they never trip the breaker.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the health state of one service's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Decision is the outcome of Allow.
type Decision int

const (
	// Allowed means the call may proceed to the upstream.
	Allowed Decision = iota
	// ShortCircuit means the call must not be attempted.
	ShortCircuit
)

// Config holds the breaker tuning knobs shared by all services.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// a CLOSED circuit.
	FailureThreshold int
	// OpenTimeout is how long an OPEN circuit rejects calls before
	// admitting half-open trials.
	OpenTimeout time.Duration
	// HalfOpenMaxTrials is the number of concurrent probe calls admitted
	// in HALF_OPEN; they must all succeed to close the circuit.
	HalfOpenMaxTrials int
}

// EventFunc is invoked on every state transition, for metrics.
type EventFunc func(service string, state State)

// serviceState is the mutable circuit record for one service name.
// Created lazily at first call, lives for the process lifetime, and is
// mutated only under Breaker.mu.
type serviceState struct {
	state               State
	consecutiveFailures int
	lastTransition      time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int
}

// Breaker tracks circuit state per service name. Safe for concurrent use.
type Breaker struct {
	cfg     Config
	logger  *slog.Logger
	onEvent EventFunc

	mu       sync.Mutex
	services map[string]*serviceState
}

// New creates a Breaker. onEvent may be nil.
func New(cfg Config, logger *slog.Logger, onEvent EventFunc) *Breaker {
	return &Breaker{
		cfg:      cfg,
		logger:   logger,
		onEvent:  onEvent,
		services: make(map[string]*serviceState),
	}
}

// Allow reports whether a call to service may proceed.
//
// An OPEN circuit whose timeout has elapsed transitions to HALF_OPEN and
// admits the caller as the first trial. In HALF_OPEN, up to
// HalfOpenMaxTrials callers are admitted concurrently; every admitted
// caller must later report exactly one RecordSuccess or RecordFailure.
func (b *Breaker) Allow(service string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(service)
	switch s.state {
	case Closed:
		return Allowed
	case Open:
		if time.Since(s.lastTransition) >= b.cfg.OpenTimeout {
			b.transition(service, s, HalfOpen)
			s.halfOpenInFlight = 1
			return Allowed
		}
		return ShortCircuit
	case HalfOpen:
		if s.halfOpenInFlight < b.cfg.HalfOpenMaxTrials {
			s.halfOpenInFlight++
			return Allowed
		}
		return ShortCircuit
	}
	return ShortCircuit
}

// RecordSuccess reports a successful call to service.
func (b *Breaker) RecordSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(service)
	switch s.state {
	case Closed:
		s.consecutiveFailures = 0
	case HalfOpen:
		if s.halfOpenInFlight > 0 {
			s.halfOpenInFlight--
		}
		s.halfOpenSuccesses++
		if s.halfOpenSuccesses >= b.cfg.HalfOpenMaxTrials {
			b.transition(service, s, Closed)
		}
	case Open:
		// A straggler from before the trip. The circuit stays open until
		// the timeout admits a fresh probe.
	}
}

// RecordFailure reports a failed call to service.
func (b *Breaker) RecordFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(service)
	switch s.state {
	case Closed:
		s.consecutiveFailures++
		if s.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(service, s, Open)
		}
	case HalfOpen:
		b.transition(service, s, Open)
	case Open:
		s.consecutiveFailures++
	}
}

// State returns the current circuit state for service without mutating it.
// An unknown service reports CLOSED.
func (b *Breaker) State(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.services[service]; ok {
		return s.state
	}
	return Closed
}

// ServiceStatus is a point-in-time view of one circuit, for health reporting.
type ServiceStatus struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition,omitzero"`
}

// Snapshot returns the status of every known service circuit.
func (b *Breaker) Snapshot() map[string]ServiceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]ServiceStatus, len(b.services))
	for name, s := range b.services {
		out[name] = ServiceStatus{
			State:               s.state.String(),
			ConsecutiveFailures: s.consecutiveFailures,
			LastTransition:      s.lastTransition,
		}
	}
	return out
}

// get returns the state record for service, creating it lazily.
// Callers must hold b.mu.
func (b *Breaker) get(service string) *serviceState {
	s, ok := b.services[service]
	if !ok {
		s = &serviceState{state: Closed}
		b.services[service] = s
	}
	return s
}

// transition moves s to the given state and resets the counters that the
// new state starts fresh with. Callers must hold b.mu.
func (b *Breaker) transition(service string, s *serviceState, to State) {
	from := s.state
	s.state = to
	s.lastTransition = time.Now()
	s.halfOpenInFlight = 0
	s.halfOpenSuccesses = 0
	if to == Closed {
		s.consecutiveFailures = 0
	}

	if b.logger != nil {
		b.logger.Info("circuit breaker transition",
			"service", service,
			"from", from.String(),
			"to", to.String(),
			"consecutive_failures", s.consecutiveFailures,
		)
	}
	if b.onEvent != nil {
		b.onEvent(service, to)
	}
}
