package messaging

import (
	"context"
	"time"

	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
)

// Subscription is a running consumer. Cancel stops it; Done is closed once
// its delivery loop has returned.
type Subscription = rabbitmq.Subscription

// MessageHandler processes one message
type MessageHandler interface {
	Handle(ctx context.Context, msg *Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Middleware wraps a handler with cross-cutting behavior
type Middleware func(next MessageHandler) MessageHandler

// Chain applies middleware so that the first one is the outermost
func Chain(handler MessageHandler, middleware ...Middleware) MessageHandler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// SyncHandler answers one synchronous request. It receives the raw request
// body; the returned value is JSON encoded into the reply.
type SyncHandler func(ctx context.Context, body []byte) (any, error)

// Consume outcomes reported to MetricsCollector
const (
	OutcomeSuccess      = "success"
	OutcomeFailed       = "failed"
	OutcomeRejected     = "rejected"
	OutcomeRequeued     = "requeued"
	OutcomeRedelivered  = "redelivered"
	OutcomeDeadLettered = "dead_lettered"
)

// Request outcomes reported to MetricsCollector
const (
	RequestSuccess        = "success"
	RequestTimeout        = "timeout"
	RequestRemoteError    = "remote_error"
	RequestConnectionLost = "connection_lost"
	RequestCancelled      = "cancelled"
	RequestFailed         = "failed"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records one publish to a queue or exchange
	RecordPublish(destination, kind string, err error)

	// RecordConsume records the outcome of handling one delivery
	RecordConsume(queue, outcome string, duration time.Duration)

	// RecordRequest records one synchronous request as seen by the caller
	RecordRequest(queue, outcome string, duration time.Duration)

	// RecordRedelivery records a failed message sent back to its queue
	RecordRedelivery(queue string)

	// RecordDeadLetter records a message moved to a dead-letter queue
	RecordDeadLetter(queue, reason string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(destination, kind string, err error) {}

// RecordConsume does nothing
func (NoOpMetricsCollector) RecordConsume(queue, outcome string, duration time.Duration) {}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(queue, outcome string, duration time.Duration) {}

// RecordRedelivery does nothing
func (NoOpMetricsCollector) RecordRedelivery(queue string) {}

// RecordDeadLetter does nothing
func (NoOpMetricsCollector) RecordDeadLetter(queue, reason string) {}
