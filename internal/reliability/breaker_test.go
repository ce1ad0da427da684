package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDown = errors.New("broker unreachable")

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	newBreaker := func(opts ...BreakerOption) (*Breaker, *fakeClock, *[]string) {
		clock := &fakeClock{now: time.Unix(1700000000, 0)}
		var transitions []string
		base := []BreakerOption{
			WithBreakerName("notify"),
			WithFailureThreshold(3),
			WithSuccessThreshold(2),
			WithCooldown(10 * time.Second),
			WithClock(clock.Now),
			WithStateChange(func(name string, from, to BreakerState) {
				transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			}),
		}
		return NewBreaker(append(base, opts...)...), clock, &transitions
	}

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b, _, transitions := newBreaker()

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, b.Execute(ctx, fail), errDown)
		}
		assert.Equal(t, BreakerOpen, b.State())
		assert.Equal(t, []string{"notify:closed->open"}, *transitions)

		called := false
		err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrBreakerOpen)
		var openErr *BreakerOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "notify", openErr.Name)
		assert.Equal(t, 3, openErr.Failures)
	})

	t.Run("a success resets the failure count while closed", func(t *testing.T) {
		b, _, _ := newBreaker()

		_ = b.Execute(ctx, fail)
		_ = b.Execute(ctx, fail)
		require.NoError(t, b.Execute(ctx, succeed))
		_ = b.Execute(ctx, fail)
		_ = b.Execute(ctx, fail)

		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("lets trials through after the cooldown and closes on enough successes", func(t *testing.T) {
		b, clock, transitions := newBreaker()
		for i := 0; i < 3; i++ {
			_ = b.Execute(ctx, fail)
		}

		clock.Advance(9 * time.Second)
		assert.ErrorIs(t, b.Execute(ctx, succeed), ErrBreakerOpen)

		clock.Advance(time.Second)
		require.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, BreakerHalfOpen, b.State())
		require.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, BreakerClosed, b.State())

		assert.Equal(t, []string{
			"notify:closed->open", "notify:open->half-open", "notify:half-open->closed",
		}, *transitions)
	})

	t.Run("a failed trial reopens", func(t *testing.T) {
		b, clock, _ := newBreaker()
		for i := 0; i < 3; i++ {
			_ = b.Execute(ctx, fail)
		}
		clock.Advance(10 * time.Second)

		assert.ErrorIs(t, b.Execute(ctx, fail), errDown)
		assert.Equal(t, BreakerOpen, b.State())
		assert.ErrorIs(t, b.Execute(ctx, succeed), ErrBreakerOpen)
	})

	t.Run("limits concurrent trials", func(t *testing.T) {
		b, clock, _ := newBreaker()
		for i := 0; i < 3; i++ {
			_ = b.Execute(ctx, fail)
		}
		clock.Advance(10 * time.Second)

		inTrial := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Execute(ctx, func(context.Context) error {
				close(inTrial)
				<-release
				return nil
			})
		}()
		<-inTrial

		assert.ErrorIs(t, b.Execute(ctx, succeed), ErrBreakerOpen)
		close(release)
		assert.NoError(t, <-done)
	})

	t.Run("errors outside the predicate are ignored", func(t *testing.T) {
		b, _, _ := newBreaker(WithFailurePredicate(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}))

		for i := 0; i < 5; i++ {
			_ = b.Execute(ctx, func(context.Context) error { return context.Canceled })
		}
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("does not run fn for a cancelled context", func(t *testing.T) {
		b, _, _ := newBreaker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := b.Execute(cctx, func(context.Context) error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
