package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt follows the given number of
	// failures, and how long to wait before it.
	ShouldRetry(failures int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the delay before retry number n (1-based)
	NextDelay(n int) time.Duration
}

// ExponentialBackoff waits InitialInterval * Multiplier^n before retry n.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration // zero means uncapped
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// BrokerBackoff is the policy used for broker connection establishment and
// fire-and-forget publishes: five retries waiting 2, 4, 8, 16 and 32 seconds.
func BrokerBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(failures int, err error) (bool, time.Duration) {
	if failures > e.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(failures)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(n int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(n))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryOption configures a single Retry call
type RetryOption func(*retryConfig)

type retryConfig struct {
	op      string
	onRetry func(attempt int, delay time.Duration, err error)
	sleep   Sleeper
}

// WithOperation names the operation in the returned RetryError
func WithOperation(op string) RetryOption {
	return func(c *retryConfig) {
		c.op = op
	}
}

// WithOnRetry registers a hook invoked after every failed attempt that will be
// retried, before the wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(c *retryConfig) {
		c.onRetry = fn
	}
}

// WithSleeper replaces the timer-based wait
func WithSleeper(s Sleeper) RetryOption {
	return func(c *retryConfig) {
		c.sleep = s
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes fn until it succeeds, the policy gives up or ctx is done.
// Exhaustion is reported as *RetryError wrapping the last failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, opts ...RetryOption) error {
	cfg := &retryConfig{op: "operation", sleep: sleepContext}
	for _, opt := range opts {
		opt(cfg)
	}

	start := time.Now()
	var lastErr error

	for failures := 0; ; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		failures++

		shouldRetry, delay := policy.ShouldRetry(failures, err)
		if !shouldRetry {
			if !isRetryableError(err) {
				return err
			}
			return &RetryError{
				Op:          cfg.op,
				Attempts:    failures,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   lastErr,
				Duration:    time.Since(start),
			}
		}

		if cfg.onRetry != nil {
			cfg.onRetry(failures, delay, err)
		}

		if err := cfg.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	// Default to retryable for unknown errors
	return true
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
