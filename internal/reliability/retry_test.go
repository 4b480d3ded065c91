package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbittich/v3/contracts"
	"github.com/nbittich/v3/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
			retry, delay := eb.ShouldRetry(i, errors.New("broker down"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("broker down"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("zero max attempts retries forever", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 0)
		retry, _ := eb.ShouldRetry(1000, errors.New("broker down"))
		assert.True(t, retry)
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
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
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
	fd := NewFixedDelay(50*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(1, errors.New("x"))
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errors.New("x"))
	assert.False(t, retry)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"cancelled", fmt.Errorf("loop: %w", context.Canceled), false},
		{"pool closed", &rabbitmq.ConnectionError{Op: "acquire", Err: rabbitmq.ErrPoolClosed}, false},
		{"empty routing key", &rabbitmq.PublishError{Err: rabbitmq.ErrEmptyRoutingKey}, false},
		{"consumer cancelled", &rabbitmq.ConsumerError{Op: "receive", Err: rabbitmq.ErrConsumerCancelled}, true},
		{"handler failure", &rabbitmq.HandlerError{Err: errors.New("db down")}, true},
		{"explicitly final", RetryableError{Err: errors.New("x"), Retryable: false}, false},
		{"wrapped explicit", fmt.Errorf("ctx: %w", RetryableError{Err: context.Canceled, Retryable: true}), true},
		{"sentinel", fmt.Errorf("bad input: %w", ErrNonRetryable), false},
		{"undecodable envelope", &contracts.DecodeError{Target: "envelope", Field: "payload", Err: contracts.ErrMissingField}, false},
		{"undecodable payload in handler", &rabbitmq.HandlerError{Err: &contracts.DecodeError{Target: "payload"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up with a retry error", func(t *testing.T) {
		cause := errors.New("still down")
		var calls int32
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 2), func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, "publish", retryErr.Op)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("does not retry final errors", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, "publish", NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return rabbitmq.ErrPoolClosed
		})
		assert.ErrorIs(t, err, rabbitmq.ErrPoolClosed)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("stops waiting when cancelled", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := Retry(cctx, "publish", NewFixedDelay(time.Hour, 5), func(context.Context) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
