// Package reliability provides the retry machinery shared by broker
// connection establishment and fire-and-forget publishing.
//
// The default policy (BrokerBackoff) performs one initial attempt followed by
// up to five retries, waiting 2^n seconds before retry n:
//
//	err := reliability.Retry(ctx, reliability.BrokerBackoff(), dial,
//	    reliability.WithOperation("connect"),
//	    reliability.WithOnRetry(func(attempt int, delay time.Duration, err error) {
//	        logger.Warn("connect failed", "attempt", attempt, "nextRetryIn", delay, "error", err)
//	    }),
//	)
//
// Errors implementing IsRetryable() bool can opt out of retries; see
// RetryableError.
//
// Breaker is a circuit breaker used to stop calling a dependency that keeps
// failing; the order service guards fulfillment notifications with it.
package reliability
