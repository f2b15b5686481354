// Copyright 2026 Rentbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rentbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/health"
	"github.com/rentalhub/rentbus-go/interceptors"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/messaging"
)

// Client is the entry point for a service. It owns one broker connection and
// every component built on it.
type Client struct {
	serviceName string
	logger      *slog.Logger

	conn       *rabbitmq.ConnectionManager
	registry   *rabbitmq.ChannelRegistry
	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	rpcClient  *messaging.RequestReplyClient
	rpcServer  *messaging.RequestReplyServer
	health     *health.Registry

	mu            sync.Mutex
	subscriptions []*messaging.Subscription
	closed        bool
}

type clientConfig struct {
	logger         *slog.Logger
	serviceName    string
	metrics        messaging.MetricsCollector
	tracerProvider trace.TracerProvider
	requestTimeout time.Duration
	dialer         rabbitmq.Dialer
	interceptors   []interceptors.Interceptor
	connOptions    []rabbitmq.ConnectionOption
	ackOptions     []messaging.AckOption
	errorReplies   bool
	breakerConfig  *breakerConfig
}

type breakerConfig struct {
	failureThreshold int
	openTimeout      time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName names the service. It becomes the AppId of published
// messages and the broker connection name.
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithMetrics sets the metrics collector. A collector that also implements
// interceptors.MetricsCollector, rabbitmq.ConnectionStateListener or
// reliability.StateChangeListener is wired into those as well.
func WithMetrics(collector messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithTracerProvider enables a consumer span around every handler
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = provider
	}
}

// WithRequestTimeout sets the default synchronous request timeout. Zero
// waits for the caller's context only.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = timeout
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithInterceptors adds interceptors to every consumer. They run inside the
// built-in logging, metrics and recovery interceptors.
func WithInterceptors(interceptors ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connOptions = append(cfg.connOptions, options...)
	}
}

// WithAckOptions sets the defaults for ConsumeQueueWithAck
func WithAckOptions(options ...messaging.AckOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.ackOptions = append(cfg.ackOptions, options...)
	}
}

// WithErrorReplies controls whether failed synchronous requests are answered
// with an error reply
func WithErrorReplies(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.errorReplies = enabled
	}
}

// WithRequestCircuitBreaker stops sending requests after failureThreshold
// consecutive timeouts or connection failures, for openTimeout
func WithRequestCircuitBreaker(failureThreshold int, openTimeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerConfig = &breakerConfig{
			failureThreshold: failureThreshold,
			openTimeout:      openTimeout,
		}
	}
}

// NewClient builds a client for the broker at url. Nothing is dialed until
// Connect or the first operation.
func NewClient(url string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:         slog.Default(),
		serviceName:    "rentbus",
		metrics:        messaging.NoOpMetricsCollector{},
		requestTimeout: messaging.DefaultRequestTimeout,
		errorReplies:   true,
	}
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.logger.With("service", cfg.serviceName)

	connOptions := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithConnectionName(cfg.serviceName),
	}
	if cfg.dialer != nil {
		connOptions = append(connOptions, rabbitmq.WithDialer(cfg.dialer))
	}
	conn := rabbitmq.NewConnectionManager(url, append(connOptions, cfg.connOptions...)...)
	if listener, ok := cfg.metrics.(rabbitmq.ConnectionStateListener); ok {
		conn.AddStateListener(listener)
	}

	registry := rabbitmq.NewChannelRegistry(conn, rabbitmq.WithRegistryLogger(logger))
	rawPublisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(logger))

	publisher := messaging.NewPublisher(registry, rawPublisher,
		messaging.WithPublisherLogger(logger),
		messaging.WithPublisherMetrics(cfg.metrics),
		messaging.WithAppID(cfg.serviceName),
	)

	subscriber := messaging.NewSubscriber(registry,
		rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(logger)),
		publisher,
		messaging.WithSubscriberLogger(logger),
		messaging.WithSubscriberMetrics(cfg.metrics),
		messaging.WithMiddleware(interceptors.Chain(consumerInterceptors(cfg, logger)...)),
		messaging.WithDefaultAckOptions(cfg.ackOptions...),
	)

	clientOptions := []messaging.RequestReplyClientOption{
		messaging.WithClientLogger(logger),
		messaging.WithClientMetrics(cfg.metrics),
		messaging.WithRequestTimeout(cfg.requestTimeout),
	}
	if cfg.breakerConfig != nil {
		breakerOptions := []reliability.CircuitBreakerOption{
			reliability.WithFailureThreshold(cfg.breakerConfig.failureThreshold),
			reliability.WithOpenTimeout(cfg.breakerConfig.openTimeout),
		}
		if listener, ok := cfg.metrics.(reliability.StateChangeListener); ok {
			breakerOptions = append(breakerOptions, reliability.WithStateListener(listener))
		}
		clientOptions = append(clientOptions,
			messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(cfg.serviceName+"-requests", breakerOptions...)))
	}
	rpcClient := messaging.NewRequestReplyClient(registry,
		rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(logger)),
		rawPublisher,
		clientOptions...,
	)
	conn.AddStateListener(rpcClient)

	rpcServer := messaging.NewRequestReplyServer(registry,
		rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(logger)),
		rawPublisher,
		messaging.WithServerLogger(logger),
		messaging.WithServerMetrics(cfg.metrics),
		messaging.WithErrorReplies(cfg.errorReplies),
	)

	healthRegistry := health.NewRegistry()
	healthRegistry.SetMetadata("service", cfg.serviceName)
	healthRegistry.Register(health.NewBrokerChecker(conn))
	healthRegistry.Register(health.NewRegistryChecker(registry))

	return &Client{
		serviceName: cfg.serviceName,
		logger:      logger,
		conn:        conn,
		registry:    registry,
		publisher:   publisher,
		subscriber:  subscriber,
		rpcClient:   rpcClient,
		rpcServer:   rpcServer,
		health:      healthRegistry,
	}
}

// consumerInterceptors orders the built-ins so that tracing sees the whole
// run and recovery sits next to the handler
func consumerInterceptors(cfg *clientConfig, logger *slog.Logger) []interceptors.Interceptor {
	var chain []interceptors.Interceptor
	if cfg.tracerProvider != nil {
		chain = append(chain, interceptors.NewTracingInterceptor(cfg.tracerProvider))
	}
	chain = append(chain, interceptors.NewLoggingInterceptor(logger))
	if collector, ok := cfg.metrics.(interceptors.MetricsCollector); ok {
		chain = append(chain, interceptors.NewMetricsInterceptor(collector))
	}
	chain = append(chain, interceptors.NewRecoveryInterceptor(logger))
	return append(chain, cfg.interceptors...)
}

// ServiceName returns the configured service name
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Connect dials the broker. Operations connect lazily, so calling it is
// only needed to fail fast at startup.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// IsConnected reports whether the broker connection is open
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// HealthRegistry returns the registry holding the broker and channel checks.
// Services can register their own checkers on it.
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// SendToQueue sends an envelope to a work queue
func (c *Client) SendToQueue(ctx context.Context, queue string, env contracts.Envelope) error {
	return c.publisher.SendToQueue(ctx, queue, env)
}

// PublishInQueue broadcasts an envelope through a fanout exchange
func (c *Client) PublishInQueue(ctx context.Context, exchange contracts.Exchange, name string, env contracts.Envelope) error {
	return c.publisher.PublishInQueue(ctx, exchange, name, env)
}

// PublishEvent sends a typed event along its route
func (c *Client) PublishEvent(ctx context.Context, route contracts.Route, event contracts.Event) error {
	return c.publisher.PublishEvent(ctx, route, event)
}

// ConsumeQueue consumes a work queue with automatic acknowledgment
func (c *Client) ConsumeQueue(ctx context.Context, queue string, handler messaging.MessageHandler) (*messaging.Subscription, error) {
	return c.track(c.subscriber.ConsumeQueue(ctx, queue, handler))
}

// SubscribeToQueue receives every message broadcast on exchange
func (c *Client) SubscribeToQueue(ctx context.Context, exchange contracts.Exchange, name string, handler messaging.MessageHandler) (*messaging.Subscription, error) {
	return c.track(c.subscriber.SubscribeToQueue(ctx, exchange, name, handler))
}

// ConsumeQueueWithAck consumes a work queue with manual acknowledgment and
// redelivery of failed messages
func (c *Client) ConsumeQueueWithAck(ctx context.Context, queue string, handler messaging.MessageHandler, options ...messaging.AckOption) (*messaging.Subscription, error) {
	return c.track(c.subscriber.ConsumeQueueWithAck(ctx, queue, handler, options...))
}

// SendSyncMessage sends a request and waits for its reply body
func (c *Client) SendSyncMessage(ctx context.Context, queue string, env contracts.Envelope, options ...messaging.CallOption) (string, error) {
	return c.rpcClient.SendSyncMessage(ctx, queue, env, options...)
}

// SendQuery sends a typed query and waits for its reply body
func (c *Client) SendQuery(ctx context.Context, route contracts.Route, query contracts.Event, options ...messaging.CallOption) (string, error) {
	return c.rpcClient.SendQuery(ctx, route, query, options...)
}

// ReceiveSyncMessage answers requests arriving on queue
func (c *Client) ReceiveSyncMessage(ctx context.Context, queue string, handler messaging.SyncHandler) (*messaging.Subscription, error) {
	return c.track(c.rpcServer.ReceiveSyncMessage(ctx, queue, handler))
}

// PendingRequests returns the number of requests waiting for a reply
func (c *Client) PendingRequests() int {
	return c.rpcClient.PendingCount()
}

func (c *Client) track(sub *messaging.Subscription, err error) (*messaging.Subscription, error) {
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = sub.Cancel()
		return nil, ErrClientClosed
	}
	c.subscriptions = append(c.subscriptions, sub)
	return sub, nil
}

// Shutdown stops every subscription and waits for in-flight handlers until
// ctx ends. The connection stays open.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		g.Go(sub.Cancel)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops all subscriptions, fails pending requests and closes the
// connection. Calling it twice is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{c.Shutdown(ctx)}
	errs = append(errs,
		c.subscriber.Close(),
		c.rpcClient.Close(),
		c.registry.Close(),
		c.conn.Close(),
	)
	c.logger.Info("client closed")
	return errors.Join(errs...)
}
