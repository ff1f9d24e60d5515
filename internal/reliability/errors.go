package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
	ErrUnknownState         = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError represents a circuit breaker rejection with context
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: call limited", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s error in state %v", e.Name, e.State)
	}
}

// Is matches ErrCircuitOpen and ErrCircuitHalfOpenLimit
func (e *CircuitBreakerError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.State == StateOpen
	case ErrCircuitHalfOpenLimit:
		return e.State == StateHalfOpen
	}
	return false
}

// IsRetryable reports false: retrying into an open circuit only burns the
// cool-down
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// RetryError represents a retry operation that gave up
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int // zero or less when unlimited
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	if e.MaxAttempts <= 0 {
		return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
			e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
	}
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
