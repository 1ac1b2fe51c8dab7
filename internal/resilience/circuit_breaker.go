// Package resilience wraps calls to the distributed backend with retry and
// circuit-breaking (spec's supplemented "resilience around the distributed
// backend" feature — the original distillation only specifies the backend
// contract itself, not what happens when it is flaky).
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // normal operation
	StateOpen     CircuitState = "open"      // failures exceeded threshold
	StateHalfOpen CircuitState = "half-open" // testing if recovered
)

// OnStateChange is invoked whenever a circuit transitions, e.g. to feed a
// telemetry gauge. May be nil.
type OnStateChange func(key string, state CircuitState)

// CircuitBreaker is in-memory, keyed by an arbitrary string (typically one
// per backend instance, since ratefleet has a single distributed backend
// rather than the teacher's per-tenant/per-provider matrix).
type CircuitBreaker struct {
	mu            sync.Mutex
	circuits      map[string]*circuitStatus
	threshold     int
	openTimeout   time.Duration
	onStateChange OnStateChange
}

type circuitStatus struct {
	state        CircuitState
	failureCount int
	openedAt     time.Time
}

// NewCircuitBreaker builds a CircuitBreaker that opens after threshold
// consecutive failures and probes again after openTimeout.
func NewCircuitBreaker(threshold int, openTimeout time.Duration, onStateChange OnStateChange) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		circuits:      make(map[string]*circuitStatus),
		threshold:     threshold,
		openTimeout:   openTimeout,
		onStateChange: onStateChange,
	}
}

func (cb *CircuitBreaker) statusLocked(key string) *circuitStatus {
	s, ok := cb.circuits[key]
	if !ok {
		s = &circuitStatus{state: StateClosed}
		cb.circuits[key] = s
	}
	return s
}

// Allow reports whether a call against key may proceed, transitioning an
// open circuit to half-open once openTimeout has elapsed.
func (cb *CircuitBreaker) Allow(key string) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.statusLocked(key)

	switch s.state {
	case StateClosed, StateHalfOpen:
		return true, nil
	case StateOpen:
		if time.Since(s.openedAt) > cb.openTimeout {
			cb.transition(key, s, StateHalfOpen)
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker open for %s", key)
	default:
		return true, nil
	}
}

// RecordSuccess closes a half-open circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.statusLocked(key)
	s.failureCount = 0
	if s.state == StateHalfOpen {
		cb.transition(key, s, StateClosed)
	}
}

// RecordFailure increments the failure count and opens the circuit once
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.statusLocked(key)
	s.failureCount++
	if s.state == StateHalfOpen || s.failureCount >= cb.threshold {
		cb.transition(key, s, StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(key string, s *circuitStatus, to CircuitState) {
	s.state = to
	if to == StateOpen {
		s.openedAt = time.Now()
	}
	if cb.onStateChange != nil {
		cb.onStateChange(key, to)
	}
}

// Call runs fn guarded by the circuit for key: refuses immediately when
// open, and records success/failure based on fn's outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ok, err := cb.Allow(key)
	if !ok {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure(key)
		return err
	}
	cb.RecordSuccess(key)
	return nil
}
