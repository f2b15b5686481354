package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/messaging"
)

// Interceptor wraps message handling with a cross-cutting concern
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain turns interceptors into subscriber middleware. The first interceptor
// sees the message first.
func Chain(interceptors ...Interceptor) messaging.Middleware {
	return func(next messaging.MessageHandler) messaging.MessageHandler {
		handler := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			current := handler
			handler = messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				return interceptor.Intercept(ctx, msg, current)
			})
		}
		return handler
	}
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"queue", msg.Queue,
		"messageId", msg.Delivery.MessageId,
		"messageType", msg.Type(),
		"retryCount", msg.RetryCount(),
	)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"queue", msg.Queue,
			"messageId", msg.Delivery.MessageId,
			"messageType", msg.Type(),
			"duration", duration,
			"permanent", reliability.IsPermanent(err),
			"error", err,
		)
	} else {
		i.logger.Info("message processed",
			"queue", msg.Queue,
			"messageId", msg.Delivery.MessageId,
			"messageType", msg.Type(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector records per message type processing metrics
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// Error types reported to MetricsCollector
const (
	ErrorTypeProcessing = "processing_error"
	ErrorTypePermanent  = "permanent_error"
	ErrorTypeTimeout    = "timeout"
	ErrorTypePanic      = "panic"
)

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	start := time.Now()
	messageType := msg.Type()

	i.collector.IncrementMessageCount(messageType)

	err := next.Handle(ctx, msg)
	i.collector.RecordProcessingTime(messageType, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(messageType, errorType(err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrPanic):
		return ErrorTypePanic
	case errors.Is(err, ErrHandlerTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case reliability.IsPermanent(err):
		return ErrorTypePermanent
	default:
		return ErrorTypeProcessing
	}
}

// ErrHandlerTimeout is returned when a handler outlives its TimeoutInterceptor
var ErrHandlerTimeout = errors.New("interceptors: handler timed out")

// TimeoutInterceptor bounds how long a handler may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The handler keeps running in the
// background after a timeout; it should watch its context.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v for message %s", ErrHandlerTimeout, i.timeout, msg.Delivery.MessageId)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ErrPanic wraps a panic recovered from a handler
var ErrPanic = errors.New("interceptors: handler panicked")

// RecoveryInterceptor turns handler panics into errors, so the message is
// settled like any other failure
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"queue", msg.Queue,
				"messageType", msg.Type(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// CircuitBreakerInterceptor stops calling the handler while a downstream
// dependency keeps failing. Rejected messages fail with
// reliability.ErrCircuitOpen and are redelivered later.
type CircuitBreakerInterceptor struct {
	circuitBreaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker *reliability.CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor. Permanent errors say nothing about the
// dependency and do not count as failures.
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	var handlerErr error
	err := i.circuitBreaker.Execute(ctx, func() error {
		handlerErr = next.Handle(ctx, msg)
		if reliability.IsPermanent(handlerErr) {
			return nil
		}
		return handlerErr
	})
	if handlerErr != nil {
		return handlerErr
	}
	return err
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
