package messaging

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/internal/tracing"
)

const contentTypeJSON = "application/json"

// Publisher sends envelopes to work queues and fanout exchanges
type Publisher struct {
	registry  *rabbitmq.ChannelRegistry
	publisher *rabbitmq.Publisher
	metrics   MetricsCollector
	logger    *slog.Logger
	appID     string
}

var _ reliability.Republisher = (*Publisher)(nil)

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithAppID stamps outgoing messages with the publishing service name
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// NewPublisher creates a publisher on top of a channel registry
func NewPublisher(registry *rabbitmq.ChannelRegistry, publisher *rabbitmq.Publisher, options ...PublisherOption) *Publisher {
	p := &Publisher{
		registry:  registry,
		publisher: publisher,
		metrics:   NoOpMetricsCollector{},
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// SendToQueue publishes env to the named work queue, declaring the queue on
// first use. Delivery is fire-and-forget.
func (p *Publisher) SendToQueue(ctx context.Context, queue string, env contracts.Envelope) error {
	ch, err := p.registry.Get(ctx, queue, nil)
	if err != nil {
		p.metrics.RecordPublish(queue, env.Type, err)
		return fmt.Errorf("send %s to queue %s: %w", env.Type, queue, err)
	}

	msg, err := p.newPublishing(ctx, env)
	if err != nil {
		return err
	}

	err = p.publisher.Publish(ctx, ch, "", queue, msg)
	p.metrics.RecordPublish(queue, env.Type, err)
	if err != nil {
		p.logger.Error("failed to send message",
			"queue", queue,
			"type", env.Type,
			"error", err)
		return fmt.Errorf("send %s to queue %s: %w", env.Type, queue, err)
	}
	return nil
}

// PublishInQueue broadcasts env through a fanout exchange. name is the
// registry key for the channel; the exchange is declared on first use.
func (p *Publisher) PublishInQueue(ctx context.Context, exchange contracts.Exchange, name string, env contracts.Envelope) error {
	decl := exchangeDeclaration(exchange)
	ch, err := p.registry.Get(ctx, name, &decl)
	if err != nil {
		p.metrics.RecordPublish(exchange.Name, env.Type, err)
		return fmt.Errorf("publish %s to exchange %s: %w", env.Type, exchange.Name, err)
	}

	msg, err := p.newPublishing(ctx, env)
	if err != nil {
		return err
	}

	err = p.publisher.Publish(ctx, ch, exchange.Name, "", msg)
	p.metrics.RecordPublish(exchange.Name, env.Type, err)
	if err != nil {
		p.logger.Error("failed to publish message",
			"exchange", exchange.Name,
			"type", env.Type,
			"error", err)
		return fmt.Errorf("publish %s to exchange %s: %w", env.Type, exchange.Name, err)
	}
	return nil
}

// PublishEvent sends a typed event along its route: broadcast when the route
// has an exchange, otherwise to the route's queue
func (p *Publisher) PublishEvent(ctx context.Context, route contracts.Route, event contracts.Event) error {
	env, err := contracts.EnvelopeOf(event)
	if err != nil {
		return err
	}

	if route.IsBroadcast() {
		return p.PublishInQueue(ctx, *route.Exchange, route.Queue, env)
	}
	return p.SendToQueue(ctx, route.Queue, env)
}

// Republish sends an already built message straight to queue. It is used for
// redelivery and dead-lettering.
func (p *Publisher) Republish(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, err := p.registry.Get(ctx, queue, nil)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, ch, "", queue, msg)
}

func (p *Publisher) newPublishing(ctx context.Context, env contracts.Envelope) (amqp.Publishing, error) {
	body, err := env.Bytes()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		Headers:      tracing.Inject(ctx, nil),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Transient,
		Type:         env.Type,
		AppId:        p.appID,
		Body:         body,
	}, nil
}

func exchangeDeclaration(exchange contracts.Exchange) rabbitmq.ExchangeDeclaration {
	decl := rabbitmq.FanoutExchange(exchange.Name)
	if exchange.Type != "" {
		decl.Type = exchange.Type
	}
	return decl
}
