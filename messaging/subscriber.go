package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
)

// Subscriber consumes work queues and fanout exchanges
type Subscriber struct {
	registry    *rabbitmq.ChannelRegistry
	consumer    *rabbitmq.Consumer
	republisher reliability.Republisher
	middleware  []Middleware
	ackDefaults []AckOption
	metrics     MetricsCollector
	logger      *slog.Logger
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = metrics
	}
}

// WithMiddleware wraps every handler the subscriber runs
func WithMiddleware(middleware ...Middleware) SubscriberOption {
	return func(s *Subscriber) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// WithDefaultAckOptions sets options applied to every ConsumeQueueWithAck
// call before the call's own options
func WithDefaultAckOptions(options ...AckOption) SubscriberOption {
	return func(s *Subscriber) {
		s.ackDefaults = append(s.ackDefaults, options...)
	}
}

// NewSubscriber creates a subscriber. republisher moves failed messages for
// ConsumeQueueWithAck; it is normally the Publisher.
func NewSubscriber(registry *rabbitmq.ChannelRegistry, consumer *rabbitmq.Consumer, republisher reliability.Republisher, options ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		registry:    registry,
		consumer:    consumer,
		republisher: republisher,
		metrics:     NoOpMetricsCollector{},
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// AckOption configures ConsumeQueueWithAck
type AckOption func(*ackConfig)

type ackConfig struct {
	policy           reliability.RetryPolicy
	deadLetterQueue  string
	deadLetterSuffix string
	unbounded        bool
	prefetch         int
}

// WithMaxRedeliveries caps redeliveries with the default exponential policy
func WithMaxRedeliveries(n int) AckOption {
	return func(c *ackConfig) {
		c.policy = reliability.DefaultRedeliveryPolicy(n)
	}
}

// WithRedeliveryPolicy sets the redelivery policy
func WithRedeliveryPolicy(policy reliability.RetryPolicy) AckOption {
	return func(c *ackConfig) {
		c.policy = policy
	}
}

// WithDeadLetterQueue sends exhausted messages to name instead of <queue>.dead-letter
func WithDeadLetterQueue(name string) AckOption {
	return func(c *ackConfig) {
		c.deadLetterQueue = name
	}
}

// WithDeadLetterSuffix changes the suffix that names a queue's dead-letter queue
func WithDeadLetterSuffix(suffix string) AckOption {
	return func(c *ackConfig) {
		c.deadLetterSuffix = suffix
	}
}

// WithUnboundedRedelivery nacks failed messages with requeue, without a cap
// or a dead-letter queue. A message that always fails is redelivered forever.
func WithUnboundedRedelivery() AckOption {
	return func(c *ackConfig) {
		c.unbounded = true
	}
}

// WithPrefetch limits unacknowledged deliveries held by the consumer
func WithPrefetch(n int) AckOption {
	return func(c *ackConfig) {
		c.prefetch = n
	}
}

func (c ackConfig) deadLetterFor(queue string) string {
	if c.deadLetterQueue != "" {
		return c.deadLetterQueue
	}
	if c.deadLetterSuffix != "" {
		return queue + c.deadLetterSuffix
	}
	return queue + reliability.DeadLetterSuffix
}

// ConsumeQueue consumes a work queue with automatic acknowledgment. A message
// is gone once delivered: a handler error is logged and the message is lost.
// The subscription lives until ctx ends or it is cancelled.
func (s *Subscriber) ConsumeQueue(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	ch, err := s.registry.Get(ctx, queue, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", queue, err)
	}

	h := Chain(handler, s.middleware...)
	return s.consumer.Subscribe(ctx, ch, queue, rabbitmq.ConsumeOptions{AutoAck: true},
		func(ctx context.Context, d amqp.Delivery) error {
			start := time.Now()
			err := s.dispatch(ctx, queue, d, h)
			s.metrics.RecordConsume(queue, outcomeOf(err), time.Since(start))
			return err
		})
}

// SubscribeToQueue joins a fanout broadcast. Each call declares its own
// anonymous exclusive queue bound to the exchange, so every subscriber gets
// every message published while it is consuming.
func (s *Subscriber) SubscribeToQueue(ctx context.Context, exchange contracts.Exchange, name string, handler MessageHandler) (*Subscription, error) {
	decl := exchangeDeclaration(exchange)
	ch, err := s.registry.Get(ctx, name, &decl)
	if err != nil {
		return nil, fmt.Errorf("subscribe to exchange %s: %w", exchange.Name, err)
	}

	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.ExclusiveQueue())
	if err != nil {
		return nil, fmt.Errorf("subscribe to exchange %s: %w", exchange.Name, err)
	}

	err = rabbitmq.BindQueue(ch, rabbitmq.Binding{Queue: q.Name, Exchange: exchange.Name})
	if err != nil {
		s.discardQueue(ctx, q.Name)
		return nil, fmt.Errorf("subscribe to exchange %s: %w", exchange.Name, err)
	}

	h := Chain(handler, s.middleware...)
	return s.consumer.Subscribe(ctx, ch, q.Name, rabbitmq.ConsumeOptions{AutoAck: true, Exclusive: true},
		func(ctx context.Context, d amqp.Delivery) error {
			start := time.Now()
			err := s.dispatch(ctx, q.Name, d, h)
			s.metrics.RecordConsume(exchange.Name, outcomeOf(err), time.Since(start))
			return err
		})
}

// discardQueue deletes a subscriber queue that could not be bound. A failed
// bind closes its channel, so the delete goes through a fresh one.
func (s *Subscriber) discardQueue(ctx context.Context, name string) {
	ch, err := s.registry.Open(ctx)
	if err != nil {
		s.logger.Warn("failed to open channel to delete unbound queue", "queue", name, "error", err)
		return
	}
	defer ch.Close()

	if err := rabbitmq.DeleteQueue(ch, name); err != nil {
		s.logger.Warn("failed to delete unbound queue", "queue", name, "error", err)
	}
}

// ConsumeQueueWithAck consumes a work queue with manual acknowledgment.
// Success acks the message. A failed message is republished with its retry
// counter incremented until the redelivery policy gives up, then moved to
// the dead-letter queue. reliability.Permanent errors skip the retries.
func (s *Subscriber) ConsumeQueueWithAck(ctx context.Context, queue string, handler MessageHandler, options ...AckOption) (*Subscription, error) {
	cfg := ackConfig{policy: reliability.DefaultRedeliveryPolicy(3)}
	for _, opt := range s.ackDefaults {
		opt(&cfg)
	}
	for _, opt := range options {
		opt(&cfg)
	}

	ch, err := s.registry.Get(ctx, queue, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", queue, err)
	}

	redeliverer := reliability.NewRedeliverer(s.republisher,
		reliability.WithPolicy(cfg.policy),
		reliability.WithDeadLetterQueue(cfg.deadLetterFor(queue)),
		reliability.WithMetricsCollector(s.metrics),
		reliability.WithRedeliveryLogger(s.logger),
	)

	h := Chain(handler, s.middleware...)
	opts := rabbitmq.ConsumeOptions{PrefetchCount: cfg.prefetch}
	return s.consumer.Subscribe(ctx, ch, queue, opts, func(ctx context.Context, d amqp.Delivery) error {
		start := time.Now()

		err := s.dispatch(ctx, queue, d, h)
		if err == nil {
			if ackErr := d.Ack(false); ackErr != nil {
				s.metrics.RecordConsume(queue, OutcomeFailed, time.Since(start))
				return fmt.Errorf("ack message %s: %w", d.MessageId, ackErr)
			}
			s.metrics.RecordConsume(queue, OutcomeSuccess, time.Since(start))
			return nil
		}

		if cfg.unbounded {
			s.metrics.RecordConsume(queue, OutcomeRequeued, time.Since(start))
			if nackErr := d.Nack(false, true); nackErr != nil {
				return errors.Join(err, nackErr)
			}
			return err
		}

		outcome, settleErr := redeliverer.Handle(ctx, queue, d, err)
		s.metrics.RecordConsume(queue, string(outcome), time.Since(start))
		if settleErr != nil {
			return errors.Join(err, settleErr)
		}
		return err
	})
}

// Close stops every subscription started by this subscriber
func (s *Subscriber) Close() error {
	return s.consumer.UnsubscribeAll()
}

func (s *Subscriber) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	msg, err := newMessage(queue, d)
	if err != nil {
		return err
	}
	return handler.Handle(ctx, msg)
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if reliability.IsPermanent(err) {
		return OutcomeRejected
	}
	return OutcomeFailed
}
