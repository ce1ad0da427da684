package rpc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("resolves a registered waiter once", func(t *testing.T) {
		r := NewRegistry()
		w, err := r.Register("t1")
		require.NoError(t, err)
		assert.True(t, r.Contains("t1"))
		assert.Equal(t, 1, r.Len())

		assert.True(t, r.Resolve("t1", []byte("reply")))
		assert.False(t, r.Resolve("t1", []byte("again")))
		assert.False(t, r.CancelAndRemove("t1", ErrCancelled))

		body, err := w.Wait()
		require.NoError(t, err)
		assert.Equal(t, "reply", string(body))
		assert.False(t, r.Contains("t1"))
		assert.Zero(t, r.Len())
	})

	t.Run("rejects a pending token", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Register("t1")
		require.NoError(t, err)

		_, err = r.Register("t1")
		assert.ErrorIs(t, err, ErrDuplicateToken)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("ignores unknown tokens without touching other waiters", func(t *testing.T) {
		r := NewRegistry()
		w, err := r.Register("pending")
		require.NoError(t, err)

		assert.False(t, r.Resolve("stale", []byte("x")))
		assert.False(t, r.CancelAndRemove("stale", ErrCancelled))

		assert.True(t, r.Contains("pending"))
		select {
		case <-w.done:
			t.Fatal("pending waiter completed by an unrelated token")
		default:
		}
	})

	t.Run("drops a reply that arrives after cancellation", func(t *testing.T) {
		r := NewRegistry()
		w, err := r.Register("t1")
		require.NoError(t, err)

		assert.True(t, r.CancelAndRemove("t1", ErrCancelled))
		assert.False(t, r.Resolve("t1", []byte("late")))

		body, err := w.Wait()
		assert.Nil(t, body)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Empty(t, w.done)
	})

	t.Run("completes each token at most once under races", func(t *testing.T) {
		r := NewRegistry()
		const n = 500
		waiters := make([]*Waiter, n)
		for i := range waiters {
			w, err := r.Register(fmt.Sprintf("t%d", i))
			require.NoError(t, err)
			waiters[i] = w
		}

		var resolved, cancelled atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			token := fmt.Sprintf("t%d", i)
			wg.Add(2)
			go func() {
				defer wg.Done()
				if r.Resolve(token, []byte(token)) {
					resolved.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if r.CancelAndRemove(token, ErrTimeout) {
					cancelled.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(n), resolved.Load()+cancelled.Load())
		assert.Zero(t, r.Len())
		for _, w := range waiters {
			assert.Len(t, w.done, 1)
		}
	})

	t.Run("cancels all or one reply route", func(t *testing.T) {
		r := NewRegistry()
		a, _ := r.register("a", 1)
		b, _ := r.register("b", 2)
		c, _ := r.register("c", 2)

		assert.Equal(t, 2, r.cancelRoute(2, errors.New("route lost")))
		assert.True(t, r.Contains("a"))
		_, errB := b.Wait()
		_, errC := c.Wait()
		assert.EqualError(t, errB, "route lost")
		assert.EqualError(t, errC, "route lost")
		assert.Zero(t, r.cancelRoute(2, errors.New("route lost")))

		assert.Equal(t, 1, r.CancelAll(ErrClosed))
		_, errA := a.Wait()
		assert.ErrorIs(t, errA, ErrClosed)
		assert.Zero(t, r.Len())
	})
}

func TestError(t *testing.T) {
	t.Run("matches the sentinel of its kind", func(t *testing.T) {
		err := &Error{Kind: KindTimeout, Op: "await", CorrelationID: "abc", Err: errors.New("deadline")}

		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrCancelled)
		assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("notify: %w", err)))
		assert.Equal(t, "rpc await [abc]: timeout: deadline", err.Error())
	})

	t.Run("unwraps the cause", func(t *testing.T) {
		cause := errors.New("boom")
		err := &Error{Kind: KindPublish, Op: "publish", Err: cause}

		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrPublish)
		assert.Equal(t, "rpc publish: publish: boom", err.Error())
	})

	t.Run("foreign errors are internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	})
}
