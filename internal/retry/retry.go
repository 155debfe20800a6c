package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls the generic retry executor.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// OnRetry is invoked before each sleep with the failed attempt number
// (0-based), the error, and the computed delay. Used for logging/metrics.
type OnRetry func(attempt int, err error, delay time.Duration)

// Do runs op up to cfg.MaxAttempts times. A non-retryable error is returned
// immediately without sleeping, as is the error from the final attempt.
// Between retryable failures it sleeps the backoff delay for the attempt,
// aborting early if ctx is canceled.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, onRetry OnRetry) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := Delay(attempt, cfg.BaseDelay, cfg.MaxDelay)
		if onRetry != nil {
			onRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
