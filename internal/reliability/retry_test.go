package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("BrokerBackoff doubles from two seconds", func(t *testing.T) {
		eb := BrokerBackoff()

		assert.False(t, eb.Jitter)
		assert.Equal(t, 5, eb.MaxRetries())
		for n, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second} {
			assert.Equal(t, want, eb.NextDelay(n+1))
		}
	})

	t.Run("ShouldRetry stops after max retries", func(t *testing.T) {
		eb := BrokerBackoff()

		for failures := 1; failures <= 5; failures++ {
			ok, delay := eb.ShouldRetry(failures, errors.New("boom"))
			assert.True(t, ok)
			assert.Greater(t, delay, time.Duration(0))
		}

		ok, delay := eb.ShouldRetry(6, errors.New("boom"))
		assert.False(t, ok)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay caps at max interval", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = false

		assert.Equal(t, time.Second, eb.NextDelay(8))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 0, 2.0, 5)

		for i := 0; i < 50; i++ {
			d := eb.NextDelay(1)
			assert.GreaterOrEqual(t, d, 1700*time.Millisecond)
			assert.LessOrEqual(t, d, 2300*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	t.Run("exhausts five retries with increasing backoff", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		calls := 0
		var hooked []int

		err := Retry(context.Background(), BrokerBackoff(), func() error {
			calls++
			return errors.New("unreachable")
		},
			WithOperation("connect"),
			WithSleeper(sleeper.sleep),
			WithOnRetry(func(attempt int, delay time.Duration, err error) {
				hooked = append(hooked, attempt)
			}),
		)

		require.Error(t, err)
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 6, retryErr.Attempts)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.EqualError(t, retryErr.LastError, "unreachable")

		assert.Equal(t, 6, calls)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, hooked)
		assert.Equal(t, []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
		}, sleeper.delays)
	})

	t.Run("stops as soon as an attempt succeeds", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		calls := 0

		err := Retry(context.Background(), BrokerBackoff(), func() error {
			calls++
			if calls < 4 {
				return errors.New("unreachable")
			}
			return nil
		}, WithSleeper(sleeper.sleep))

		require.NoError(t, err)
		assert.Equal(t, 4, calls)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.delays)
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		calls := 0
		permanent := RetryableError{Err: errors.New("bad credentials"), Retryable: false}

		err := Retry(context.Background(), BrokerBackoff(), func() error {
			calls++
			return permanent
		}, WithSleeper((&recordingSleeper{}).sleep))

		assert.Equal(t, 1, calls)
		assert.Equal(t, permanent, err)
	})

	t.Run("returns context error when cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		err := Retry(ctx, BrokerBackoff(), func() error {
			calls++
			cancel()
			return errors.New("unreachable")
		}, WithSleeper((&recordingSleeper{}).sleep))

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
