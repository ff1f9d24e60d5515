// Package reliability provides the retry and circuit breaker policies the
// messaging core and service process use to ride out broker restarts and
// failing peer services.
//
//   - Retry policies: exponential backoff and fixed delay. Retry classifies
//     errors with rabbitmq.IsRetryable, so configuration and topology
//     mistakes fail fast while transport losses are retried.
//   - Circuit breaker: stops calling a peer service over RPC for a
//     cool-down period after consecutive failures.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, -1)
//	err := Retry(ctx, "connect", policy, func(ctx context.Context) error {
//	    return manager.Connect(ctx)
//	})
package reliability
