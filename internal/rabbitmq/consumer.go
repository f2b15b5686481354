package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one incoming delivery. With manual
// acknowledgment the handler owns the ack/nack decision.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumeOptions configures a single subscription
type ConsumeOptions struct {
	AutoAck       bool
	Exclusive     bool
	PrefetchCount int // applied with Qos when > 0
	ConsumerTag   string
}

// Consumer runs delivery loops for subscriptions
type Consumer struct {
	handlerTimeout  time.Duration
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithHandlerTimeout bounds the context passed to each handler call (0 disables)
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is a running consumer on one queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	ch       Channel
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Done is closed when the delivery loop has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the subscription and waits for the in-flight handler to
// return. It must not be called from inside the subscription's own handler.
func (s *Subscription) Cancel() error {
	s.cancel()
	err := s.stopBroker()
	<-s.done
	if err != nil {
		return &ConsumerError{
			Queue:       s.Queue,
			ConsumerTag: s.ConsumerTag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// stopBroker tells the broker to stop delivering, at most once
func (s *Subscription) stopBroker() error {
	var err error
	s.stopOnce.Do(func() {
		if !s.ch.IsClosed() {
			err = s.ch.Cancel(s.ConsumerTag, false)
		}
	})
	return err
}

// Subscribe starts consuming queue on ch. Deliveries are handled one at a
// time, in the order the broker sends them.
func (c *Consumer) Subscribe(ctx context.Context, ch Channel, queue string, opts ConsumeOptions, handler DeliveryHandler) (*Subscription, error) {
	tag := opts.ConsumerTag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			return nil, &ConsumerError{
				Queue:       queue,
				ConsumerTag: tag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		ch:          ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.activeConsumers.Store(tag, sub)

	go c.processMessages(consumerCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"autoAck", opts.AutoAck,
		"prefetchCount", opts.PrefetchCount,
	)

	return sub, nil
}

// processMessages handles incoming messages until the context ends or the
// broker closes the delivery stream
func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		if ctx.Err() != nil {
			_ = sub.stopBroker()
		}
		c.activeConsumers.Delete(sub.ConsumerTag)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				}
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// handleMessage runs the handler for a single delivery
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler DeliveryHandler) (err error) {
	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(msgCtx, delivery)
}

// Unsubscribe stops the subscription with the given consumer tag
func (c *Consumer) Unsubscribe(consumerTag string) error {
	value, ok := c.activeConsumers.Load(consumerTag)
	if !ok {
		return fmt.Errorf("no active consumer with tag: %s", consumerTag)
	}
	return value.(*Subscription).Cancel()
}

// UnsubscribeAll stops all active subscriptions
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := sub.Cancel(); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", sub.Queue, "error", err)
			}
		}(value.(*Subscription))
		return true
	})

	wg.Wait()
	return nil
}

// GetActiveConsumers returns the consumer tags of running subscriptions
func (c *Consumer) GetActiveConsumers() []string {
	var tags []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}
