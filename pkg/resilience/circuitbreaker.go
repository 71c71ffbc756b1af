// Package resilience provides fault-tolerance primitives for downstream
// reads and writes: a circuit breaker per candidate source, exponential
// backoff retry for impression writes, and a deadline wrapper for tier reads.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current phase of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls failure thresholds and recovery timing.
// OnStateChange is called with the breaker lock held and must not call back
// into the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	OnStateChange       func(name string, to State)
	// IsFailure decides which errors count against the breaker. Defaults to
	// every non-nil error.
	IsFailure func(err error) bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// CircuitBreaker trips open after FailureThreshold consecutive failures,
// rejects calls for ResetTimeout, then lets up to HalfOpenMaxRequests probes
// through. A successful probe closes it; a failed one reopens it.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker fills in defaults for zero config values.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// GetState returns the current state. An open breaker whose reset timeout
// has elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{State: cb.state, ConsecutiveFailures: cb.failures, OpenedAt: cb.openedAt}
}

// Check reports ErrCircuitOpen while the breaker is not closed, so it can
// back a health probe.
func (cb *CircuitBreaker) Check(context.Context) error {
	if s := cb.GetState(); s != StateClosed {
		return fmt.Errorf("%w: %s is %s", ErrCircuitOpen, cb.name, s)
	}
	return nil
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "manual reset")
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s (retry after %v)", ErrCircuitOpen, cb.name, wait)
		}
		cb.transition(StateHalfOpen, "reset timeout elapsed")
		cb.probes = 1
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s (half-open probe limit reached)", ErrCircuitOpen, cb.name)
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.cfg.IsFailure(err) {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed, "probe succeeded")
		}
		return
	}
	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen, "probe failed")
	case cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.transition(StateOpen, "failure threshold reached")
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State, reason string) {
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}
	if to == StateClosed {
		cb.failures = 0
		cb.probes = 0
	}
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "circuit state changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"consecutive_failures", cb.failures,
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, to)
	}
}
