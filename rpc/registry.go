package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type outcome struct {
	body []byte
	err  error
}

// Waiter is the completion slot of one pending call. It is completed exactly
// once, by Resolve or by CancelAndRemove.
type Waiter struct {
	token   string
	route   uint64 // reply route the call waits on; 0 when untagged
	created time.Time
	done    chan outcome
}

// Token returns the correlation token
func (w *Waiter) Token() string {
	return w.token
}

// Age returns how long the call has been pending
func (w *Waiter) Age() time.Duration {
	return time.Since(w.created)
}

// Wait blocks until the waiter is completed and returns the reply body or
// the cancellation reason.
func (w *Waiter) Wait() ([]byte, error) {
	o := <-w.done
	return o.body, o.err
}

// Registry maps correlation tokens to pending calls. Removal and completion
// happen in one step, so a token is completed at most once no matter how
// replies, timeouts and cancellations race.
type Registry struct {
	pending sync.Map // token -> *Waiter
	size    atomic.Int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a waiter for token. A token that is still pending is a
// programming error and yields ErrDuplicateToken.
func (r *Registry) Register(token string) (*Waiter, error) {
	return r.register(token, 0)
}

func (r *Registry) register(token string, route uint64) (*Waiter, error) {
	w := &Waiter{
		token:   token,
		route:   route,
		created: time.Now(),
		done:    make(chan outcome, 1),
	}
	if _, loaded := r.pending.LoadOrStore(token, w); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	r.size.Add(1)
	return w, nil
}

// Resolve completes the waiter for token with body. It reports false, and
// does nothing, for unknown or already completed tokens.
func (r *Registry) Resolve(token string, body []byte) bool {
	w, ok := r.take(token)
	if !ok {
		return false
	}
	w.done <- outcome{body: body}
	return true
}

// CancelAndRemove completes the waiter for token with reason. It reports
// false when the token is not pending.
func (r *Registry) CancelAndRemove(token string, reason error) bool {
	w, ok := r.take(token)
	if !ok {
		return false
	}
	w.done <- outcome{err: reason}
	return true
}

// CancelAll cancels every pending waiter and returns how many were cancelled
func (r *Registry) CancelAll(reason error) int {
	return r.cancelWhere(func(*Waiter) bool { return true }, reason)
}

// cancelRoute cancels the waiters of one reply route. Waiters of a newer
// route on the same broker session are left alone.
func (r *Registry) cancelRoute(route uint64, reason error) int {
	return r.cancelWhere(func(w *Waiter) bool { return w.route == route }, reason)
}

func (r *Registry) cancelWhere(match func(*Waiter) bool, reason error) int {
	n := 0
	r.pending.Range(func(key, value any) bool {
		if match(value.(*Waiter)) && r.CancelAndRemove(key.(string), reason) {
			n++
		}
		return true
	})
	return n
}

// Contains reports whether token is pending
func (r *Registry) Contains(token string) bool {
	_, ok := r.pending.Load(token)
	return ok
}

// Len returns the number of pending calls
func (r *Registry) Len() int {
	return int(r.size.Load())
}

func (r *Registry) take(token string) (*Waiter, bool) {
	v, ok := r.pending.LoadAndDelete(token)
	if !ok {
		return nil, false
	}
	r.size.Add(-1)
	return v.(*Waiter), true
}
