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

	// Redelivery errors
	ErrMaxRetriesExceeded = errors.New("redelivery: maximum attempts exceeded")
	ErrNoRepublisher      = errors.New("redelivery: no republisher configured")
)

// CircuitBreakerError is returned while the breaker rejects calls
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open: blocked after %d failures, retry in %v",
			e.Name, e.Failures, time.Until(e.NextRetry).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: request limited", e.Name, e.State)
}

func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateOpen {
		return ErrCircuitOpen
	}
	return ErrCircuitHalfOpenLimit
}

// DeadLetterError reports a failure to move a message on
type DeadLetterError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead letter error: %s failed for message %s from queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}
