package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"ratefleet/internal/domain"
)

// RetryConfig controls Retry's backoff and which error classes from a
// distributed-backend round trip are worth retrying. Unlike the teacher's
// provider-facing retry (HTTP 429/5xx from an LLM API), ratefleet only
// retries the Redis coordinator's own round trips, so the retryable set is
// connection/timeout faults rather than upstream HTTP status codes.
type RetryConfig struct {
	MaxRetries             int
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	Jitter                 bool
	RetryOnTimeout         bool // context deadline exceeded / i/o timeout
	RetryOnConnectionError bool // dial/reset/refused/broken pipe against Redis
}

// Retry executes fn with exponential backoff, retrying only errors
// isRetryableError accepts for config.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt, config.BackoffBase, config.BackoffMax, config.Jitter)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableError(err, config) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff calculates exponential backoff with optional jitter.
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))

	if backoff > max {
		backoff = max
	}

	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

// isRetryableError reports whether err from a backend round trip should be
// retried under config. A caller-initiated cancellation (domain.ErrCancelled)
// is never retryable regardless of config — retrying it would ignore the
// caller giving up.
func isRetryableError(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if config.RetryOnTimeout && (errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")) {
		return true
	}

	if config.RetryOnConnectionError && (strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "eof")) {
		return true
	}

	return false
}
