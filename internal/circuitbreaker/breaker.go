// Package circuitbreaker implements the CLOSED/OPEN/HALF_OPEN state machine
// that protects the agent's bus publish path. An open circuit is a normal
// operating condition for an agent: publishes divert to the durable queue
// and collection continues.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // failure threshold reached, calls rejected
	StateHalfOpen              // probing whether the bus recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when a call is rejected by an open circuit.
// Callers treat it as a divert signal, not a failure.
var ErrCircuitOpen = errors.New("circuitbreaker: circuit is open")

// Config holds the breaker thresholds.
type Config struct {
	// Name identifies this breaker in logs and metrics.
	Name string

	// FailureThreshold is the count of consecutive failures that trips the
	// circuit from CLOSED to OPEN.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays OPEN before allowing a
	// HALF_OPEN probe.
	RecoveryTimeout time.Duration

	// HalfOpenAttempts is the count of consecutive probe successes that
	// closes the circuit again.
	HalfOpenAttempts int

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the standard publish-path thresholds.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenAttempts: 3,
		OnStateChange: func(name string, from, to State) {
			log.Printf("[BREAKER:%s] %s -> %s", name, from, to)
		},
	}
}

// CircuitBreaker tracks consecutive outcomes and gates calls accordingly.
type CircuitBreaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int       // consecutive failures in CLOSED
	probeSuccess int       // consecutive successes in HALF_OPEN
	openedAt     time.Time // entry time of the current OPEN period
	now          func() time.Time
}

// New creates a breaker in the CLOSED state. Zero-valued config fields fall
// back to defaults.
func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenAttempts <= 0 {
		cfg.HalfOpenAttempts = def.HalfOpenAttempts
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// State returns the current state, promoting OPEN to HALF_OPEN when the
// recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// the circuit is OPEN.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.currentState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Execute runs fn under the breaker, recording its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

// RecordSuccess feeds an out-of-band success (used when the call itself is
// made elsewhere).
func (cb *CircuitBreaker) RecordSuccess() { cb.record(true) }

// RecordFailure feeds an out-of-band failure.
func (cb *CircuitBreaker) RecordFailure() { cb.record(false) }

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			cb.setState(StateOpen)
			return
		}
		cb.probeSuccess++
		if cb.probeSuccess >= cb.cfg.HalfOpenAttempts {
			cb.setState(StateClosed)
		}
	case StateOpen:
		// A result that raced the trip; the open timer governs recovery.
	}
}

// currentState must be called with the lock held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.probeSuccess = 0
	if next == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, next)
	}
}
