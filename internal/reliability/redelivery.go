package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers carried by redelivered and dead-lettered messages
const (
	HeaderRetryCount     = "x-retry-count"
	HeaderOriginalQueue  = "x-original-queue"
	HeaderLastError      = "x-last-error"
	HeaderFirstDeathTime = "x-first-death-time"
	HeaderDeathReason    = "x-death-reason"
)

// Dead-letter reasons
const (
	ReasonMaxRetries = "max_retries_exceeded"
	ReasonPermanent  = "permanent_failure"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
const DeadLetterSuffix = ".dead-letter"

const maxErrorHeaderLength = 1024

// Outcome is what happened to a failed delivery
type Outcome string

const (
	OutcomeRedelivered  Outcome = "redelivered"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRequeued     Outcome = "requeued"
)

// Republisher sends a message straight to a named queue
type Republisher interface {
	Republish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// MetricsCollector records redelivery outcomes
type MetricsCollector interface {
	RecordRedelivery(queue string)
	RecordDeadLetter(queue, reason string)
}

// Redeliverer applies a bounded redelivery policy to failed deliveries.
// A retry is a copy of the message republished to its queue with the
// retry counter incremented; once the policy refuses, the message goes
// to the dead-letter queue. The original delivery is acked either way.
type Redeliverer struct {
	policy          RetryPolicy
	republisher     Republisher
	deadLetterQueue string
	metrics         MetricsCollector
	logger          *slog.Logger
}

// RedelivererOption configures the Redeliverer
type RedelivererOption func(*Redeliverer)

// WithPolicy sets the retry policy
func WithPolicy(policy RetryPolicy) RedelivererOption {
	return func(r *Redeliverer) {
		r.policy = policy
	}
}

// WithDeadLetterQueue routes exhausted messages to a fixed queue instead of <queue>.dead-letter
func WithDeadLetterQueue(name string) RedelivererOption {
	return func(r *Redeliverer) {
		r.deadLetterQueue = name
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(collector MetricsCollector) RedelivererOption {
	return func(r *Redeliverer) {
		r.metrics = collector
	}
}

// WithRedeliveryLogger sets the logger
func WithRedeliveryLogger(logger *slog.Logger) RedelivererOption {
	return func(r *Redeliverer) {
		r.logger = logger
	}
}

// NewRedeliverer creates a redeliverer with three attempts and exponential backoff
func NewRedeliverer(republisher Republisher, options ...RedelivererOption) *Redeliverer {
	r := &Redeliverer{
		policy:      DefaultRedeliveryPolicy(3),
		republisher: republisher,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// DeadLetterQueueName returns the dead-letter queue for queue
func (r *Redeliverer) DeadLetterQueueName(queue string) string {
	if r.deadLetterQueue != "" {
		return r.deadLetterQueue
	}
	return queue + DeadLetterSuffix
}

// Handle settles a delivery whose handler failed with cause. If the message
// cannot be moved on it is nacked with requeue so it is not lost.
func (r *Redeliverer) Handle(ctx context.Context, queue string, d amqp.Delivery, cause error) (Outcome, error) {
	if r.republisher == nil {
		return r.requeue(d, ErrNoRepublisher)
	}

	attempt := RetryCount(d.Headers)
	headers := failureHeaders(d.Headers, queue, cause)

	if retry, delay := r.policy.ShouldRetry(attempt, cause); retry {
		if err := sleep(ctx, delay); err != nil {
			return r.requeue(d, err)
		}

		headers[HeaderRetryCount] = int32(attempt + 1)
		if err := r.republisher.Republish(ctx, queue, toPublishing(d, headers)); err != nil {
			return r.requeue(d, &DeadLetterError{Queue: queue, MessageID: d.MessageId, Op: "redeliver", Err: err})
		}

		if r.metrics != nil {
			r.metrics.RecordRedelivery(queue)
		}
		r.logger.Debug("message scheduled for redelivery",
			"queue", queue,
			"messageId", d.MessageId,
			"attempt", attempt+1,
			"maxRetries", r.policy.MaxRetries(),
			"error", cause)
		return OutcomeRedelivered, d.Ack(false)
	}

	reason := ReasonMaxRetries
	if IsPermanent(cause) {
		reason = ReasonPermanent
	}
	headers[HeaderRetryCount] = int32(attempt)
	headers[HeaderDeathReason] = reason

	deadLetterQueue := r.DeadLetterQueueName(queue)
	if err := r.republisher.Republish(ctx, deadLetterQueue, toPublishing(d, headers)); err != nil {
		return r.requeue(d, &DeadLetterError{Queue: queue, MessageID: d.MessageId, Op: "dead-letter", Err: err})
	}

	if r.metrics != nil {
		r.metrics.RecordDeadLetter(queue, reason)
	}
	r.logger.Warn("message dead-lettered",
		"queue", queue,
		"deadLetterQueue", deadLetterQueue,
		"messageId", d.MessageId,
		"retryCount", attempt,
		"reason", reason,
		"error", cause)
	return OutcomeDeadLettered, d.Ack(false)
}

func (r *Redeliverer) requeue(d amqp.Delivery, cause error) (Outcome, error) {
	r.logger.Error("could not move failed message, requeueing",
		"messageId", d.MessageId,
		"error", cause)
	if err := d.Nack(false, true); err != nil {
		return OutcomeRequeued, errors.Join(cause, err)
	}
	return OutcomeRequeued, cause
}

// Metadata describes a message's failure history
type Metadata struct {
	OriginalQueue string
	LastError     string
	Reason        string
	RetryCount    int
	FirstDeathAt  time.Time
}

// ExtractMetadata reads the failure headers of a redelivered or dead-lettered message
func ExtractMetadata(headers amqp.Table) Metadata {
	return Metadata{
		OriginalQueue: headerString(headers, HeaderOriginalQueue),
		LastError:     headerString(headers, HeaderLastError),
		Reason:        headerString(headers, HeaderDeathReason),
		RetryCount:    headerInt(headers, HeaderRetryCount),
		FirstDeathAt:  headerTime(headers, HeaderFirstDeathTime),
	}
}

// RetryCount returns how many times a message has been redelivered
func RetryCount(headers amqp.Table) int {
	return headerInt(headers, HeaderRetryCount)
}

func failureHeaders(original amqp.Table, queue string, cause error) amqp.Table {
	headers := amqp.Table{}
	for k, v := range original {
		headers[k] = v
	}

	if _, ok := headers[HeaderOriginalQueue]; !ok {
		headers[HeaderOriginalQueue] = queue
	}
	if _, ok := headers[HeaderFirstDeathTime]; !ok {
		headers[HeaderFirstDeathTime] = time.Now().Unix()
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	headers[HeaderLastError] = truncate(msg, maxErrorHeaderLength)
	return headers
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func toPublishing(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func headerString(headers amqp.Table, key string) string {
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

func headerInt(headers amqp.Table, key string) int {
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}

func headerTime(headers amqp.Table, key string) time.Time {
	switch val := headers[key].(type) {
	case int64:
		return time.Unix(val, 0)
	case int32:
		return time.Unix(int64(val), 0)
	case float64:
		return time.Unix(int64(val), 0)
	case time.Time:
		return val
	}
	return time.Time{}
}
