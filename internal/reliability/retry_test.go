package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/resumebus/internal/rabbitmq"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("negative max retries is unlimited", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)

		shouldRetry, delay := eb.ShouldRetry(10_000, rabbitmq.ErrConnectionNotReady)
		assert.True(t, shouldRetry)
		assert.LessOrEqual(t, delay, time.Second+150*time.Millisecond)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("NextDelay with jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(750*time.Millisecond, 2)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
	}

	shouldRetry, _ := fd.ShouldRetry(1, errors.New("boom"))
	assert.True(t, shouldRetry)
	shouldRetry, _ = fd.ShouldRetry(2, errors.New("boom"))
	assert.False(t, shouldRetry)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"marked permanent", Permanent(errors.New("bad input")), false},
		{"marked retryable", RetryableError{Err: rabbitmq.ErrInvalidConfiguration, Retryable: true}, true},
		{"broker not ready", &rabbitmq.ChannelError{Op: "open channel", Err: rabbitmq.ErrConnectionNotReady}, true},
		{"precondition failed", &rabbitmq.TopologyError{Err: &amqp.Error{Code: amqp.PreconditionFailed}}, false},
		{"circuit open", &CircuitBreakerError{State: StateOpen}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "op", NewFixedDelay(time.Millisecond, 3), func(context.Context) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "op", NewFixedDelay(time.Millisecond, 3), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return rabbitmq.ErrConnectionNotReady
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		attempts := 0
		boom := errors.New("boom")
		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 2), func(context.Context) error {
			attempts++
			return boom
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, attempts)
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "declare", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			attempts++
			return rabbitmq.ErrInvalidConfiguration
		})

		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := Retry(ctx, "op", NewFixedDelay(time.Hour, -1), func(context.Context) error {
			attempts++
			cancel()
			return errors.New("boom")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}
