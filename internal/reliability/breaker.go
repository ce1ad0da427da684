package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is matched by every BreakerOpenError
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerOpenError is returned when Execute rejects a call
type BreakerOpenError struct {
	Name     string
	State    BreakerState
	Failures int
	RetryAt  time.Time
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s after %d failures, retry at %s",
		e.Name, e.State, e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

// Breaker stops calling a failing dependency. After threshold consecutive
// failures it opens and rejects calls until the cooldown has passed, then
// lets a limited number of trials through; enough successful trials close
// it again and any failed trial reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	trials    int

	name             string
	threshold        int
	successThreshold int
	cooldown         time.Duration
	maxTrials        int
	counts           func(error) bool
	onChange         func(name string, from, to BreakerState)
	now              func() time.Time
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithSuccessThreshold sets how many successful trials close the breaker
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithCooldown sets how long the breaker stays open
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.cooldown = d }
}

// WithHalfOpenRequests caps concurrent trials while half-open
func WithHalfOpenRequests(n int) BreakerOption {
	return func(b *Breaker) { b.maxTrials = n }
}

// WithBreakerName names the breaker in errors and callbacks
func WithBreakerName(name string) BreakerOption {
	return func(b *Breaker) { b.name = name }
}

// WithFailurePredicate decides which errors count as failures. Errors it
// rejects neither trip nor reset the breaker.
func WithFailurePredicate(counts func(error) bool) BreakerOption {
	return func(b *Breaker) { b.counts = counts }
}

// WithStateChange registers a callback run on each transition. It runs
// under the breaker's lock and must not call back into the breaker.
func WithStateChange(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a closed breaker
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             "default",
		threshold:        5,
		successThreshold: 2,
		cooldown:         30 * time.Second,
		maxTrials:        1,
		counts:           func(error) bool { return true },
		now:              time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Execute runs fn unless the breaker rejects it
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(trial, err)
	return err
}

// State returns the current state. An open breaker whose cooldown has
// passed still reports open until the next call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		retryAt := b.openedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			return false, &BreakerOpenError{Name: b.name, State: b.state, Failures: b.failures, RetryAt: retryAt}
		}
		b.transition(BreakerHalfOpen)
		b.successes = 0
		b.trials = 0
	}

	if b.state == BreakerHalfOpen {
		if b.trials >= b.maxTrials {
			return false, &BreakerOpenError{Name: b.name, State: b.state, Failures: b.failures, RetryAt: b.now()}
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.trials > 0 {
		b.trials--
	}
	switch {
	case err != nil && b.counts(err):
		b.failures++
		switch b.state {
		case BreakerClosed:
			if b.failures >= b.threshold {
				b.open()
			}
		case BreakerHalfOpen:
			b.open()
		}
	case err != nil:
		return
	default:
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.successThreshold {
				b.failures = 0
				b.transition(BreakerClosed)
			}
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(BreakerOpen)
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
