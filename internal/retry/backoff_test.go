package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "tagged transient",
			err:  Transient(errors.New("broker hiccup")),
			want: true,
		},
		{
			name: "tagged permanent",
			err:  Permanent(errors.New("bad document")),
			want: false,
		},
		{
			name: "tagged transient wins over permanent message text",
			err:  Transient(errors.New("validation service unreachable")),
			want: true,
		},
		{
			name: "tagged permanent wins over retryable message text",
			err:  Permanent(errors.New("render timeout")),
			want: false,
		},
		{
			name: "wrapped transient",
			err:  fmt.Errorf("outer: %w", Transient(errors.New("inner"))),
			want: true,
		},
		{
			name: "consistency violation never retried",
			err:  NewConsistencyViolation("quota exhausted for user abc"),
			want: false,
		},
		{
			name: "configuration error never retried",
			err:  &ConfigurationError{Reason: "allowlist empty"},
			want: false,
		},
		{
			name: "http 429 retryable",
			err:  &HTTPError{Status: 429},
			want: true,
		},
		{
			name: "http 500 retryable",
			err:  &HTTPError{Status: 500},
			want: true,
		},
		{
			name: "http 503 retryable",
			err:  &HTTPError{Status: 503},
			want: true,
		},
		{
			name: "http 404 not retryable",
			err:  &HTTPError{Status: 404},
			want: false,
		},
		{
			name: "http 400 not retryable",
			err:  &HTTPError{Status: 400},
			want: false,
		},
		{
			name: "timeout message",
			err:  errors.New("request timeout exceeded"),
			want: true,
		},
		{
			name: "connection refused message",
			err:  errors.New("dial tcp: connection refused"),
			want: true,
		},
		{
			name: "permanent pattern wins over retryable pattern",
			err:  errors.New("validation failed after network call"),
			want: false,
		},
		{
			name: "not found message",
			err:  errors.New("offer not found"),
			want: false,
		},
		{
			name: "unclassified error defaults to not retryable",
			err:  errors.New("something odd happened"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	t.Run("grows exponentially up to the cap", func(t *testing.T) {
		for attempt := 0; attempt < 10; attempt++ {
			d := Delay(attempt, base, max)

			expected := base
			for i := 0; i < attempt; i++ {
				expected *= 2
				if expected >= max {
					expected = max
					break
				}
			}

			// Jitter adds 0-20% of the capped delay.
			assert.GreaterOrEqual(t, d, expected, "attempt %d", attempt)
			assert.LessOrEqual(t, d, expected+expected/5, "attempt %d", attempt)
		}
	})

	t.Run("never exceeds max plus jitter", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(20, base, max)
			assert.LessOrEqual(t, d, max+max/5)
			assert.GreaterOrEqual(t, d, max)
		}
	})

	t.Run("negative attempt treated as zero", func(t *testing.T) {
		d := Delay(-3, base, max)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/5)
	})

	t.Run("zero base and max fall back to defaults", func(t *testing.T) {
		d := Delay(0, 0, 0)
		assert.Greater(t, d, time.Duration(0))
	})
}

func TestDo(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return Transient(errors.New("flaky"))
			}
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error returns immediately", func(t *testing.T) {
		calls := 0
		cause := Permanent(errors.New("bad input"))
		err := Do(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			return cause
		}, nil)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, cause, err)
	})

	t.Run("exhausted attempts wrap the last error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func(ctx context.Context) error {
			calls++
			return Transient(errors.New("still down"))
		}, nil)
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "all 3 attempts failed")

		var transient *TransientError
		assert.True(t, errors.As(err, &transient))
	})

	t.Run("onRetry observes each sleep", func(t *testing.T) {
		var attempts []int
		err := Do(context.Background(), cfg, func(ctx context.Context) error {
			return Transient(errors.New("down"))
		}, func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		})
		require.Error(t, err)
		assert.Equal(t, []int{0, 1}, attempts)
	})

	t.Run("canceled context aborts between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(ctx context.Context) error {
			calls++
			cancel()
			return Transient(errors.New("down"))
		}, nil)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
