package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	var states []CircuitState
	cb := NewCircuitBreaker(3, time.Minute, func(key string, state CircuitState) {
		states = append(states, state)
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure("redis")
	}

	ok, err := cb.Allow("redis")
	if ok || err == nil {
		t.Fatal("expected circuit to be open after 3 failures")
	}
	if len(states) == 0 || states[len(states)-1] != StateOpen {
		t.Fatalf("expected last recorded state to be open, got %v", states)
	}
}

func TestCircuitBreakerHalfOpensAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, nil)
	cb.RecordFailure("redis")

	ok, _ := cb.Allow("redis")
	if ok {
		t.Fatal("expected circuit to still be open immediately after failure")
	}

	time.Sleep(20 * time.Millisecond)
	ok, err := cb.Allow("redis")
	if !ok {
		t.Fatalf("expected circuit to allow a half-open probe after timeout, got err=%v", err)
	}
}

func TestCircuitBreakerClosesOnSuccessAfterHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond, nil)
	cb.RecordFailure("redis")
	cb.RecordFailure("redis")
	time.Sleep(20 * time.Millisecond)
	cb.Allow("redis") // transitions to half-open
	cb.RecordSuccess("redis")

	cb.RecordFailure("redis") // single failure should not reopen a freshly closed circuit
	ok, _ := cb.Allow("redis")
	if !ok {
		t.Fatal("expected circuit to remain closed after a single failure post-recovery")
	}
}

func TestCircuitBreakerCallShortCircuitsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)
	cb.RecordFailure("redis")

	calls := 0
	err := cb.Call(context.Background(), "redis", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected Call to short-circuit while open")
	}
	if calls != 0 {
		t.Fatalf("expected underlying fn not to run, got %d calls", calls)
	}
}

func TestCircuitBreakerCallRecordsFailure(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		err := cb.Call(context.Background(), "redis", func(ctx context.Context) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}

	ok, _ := cb.Allow("redis")
	if ok {
		t.Fatal("expected circuit open after 2 recorded failures")
	}
}
