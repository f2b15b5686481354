package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/internal/tracing"
)

// ReplyTypeError marks a reply carrying a RemoteError instead of a result
const ReplyTypeError = "error"

// DefaultRequestTimeout bounds a synchronous request unless configured otherwise
const DefaultRequestTimeout = 30 * time.Second

// RequestReplyClient performs synchronous calls over the broker. Every call
// gets its own exclusive reply queue and correlation ID.
type RequestReplyClient struct {
	registry       *rabbitmq.ChannelRegistry
	consumer       *rabbitmq.Consumer
	publisher      *rabbitmq.Publisher
	circuitBreaker *reliability.CircuitBreaker
	timeout        time.Duration
	metrics        MetricsCollector
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	mismatched atomic.Int64
}

var _ rabbitmq.ConnectionStateListener = (*RequestReplyClient)(nil)

type pendingCall struct {
	queue string
	lost  chan struct{}
	once  sync.Once
}

func (p *pendingCall) fail() {
	p.once.Do(func() { close(p.lost) })
}

// RequestReplyClientOption configures the client
type RequestReplyClientOption func(*RequestReplyClient)

// WithRequestTimeout sets the default timeout of every call. Zero disables it.
func WithRequestTimeout(timeout time.Duration) RequestReplyClientOption {
	return func(c *RequestReplyClient) {
		c.timeout = timeout
	}
}

// WithCircuitBreaker fails calls fast while a responder keeps timing out.
// Error replies count as successful round trips.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) RequestReplyClientOption {
	return func(c *RequestReplyClient) {
		c.circuitBreaker = cb
	}
}

// WithClientMetrics sets the metrics collector
func WithClientMetrics(metrics MetricsCollector) RequestReplyClientOption {
	return func(c *RequestReplyClient) {
		c.metrics = metrics
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) RequestReplyClientOption {
	return func(c *RequestReplyClient) {
		c.logger = logger
	}
}

// NewRequestReplyClient creates a request/reply client. The consumer should
// not be shared with long-lived subscriptions.
func NewRequestReplyClient(registry *rabbitmq.ChannelRegistry, consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher, options ...RequestReplyClientOption) *RequestReplyClient {
	c := &RequestReplyClient{
		registry:  registry,
		consumer:  consumer,
		publisher: publisher,
		timeout:   DefaultRequestTimeout,
		metrics:   NoOpMetricsCollector{},
		logger:    slog.Default(),
		pending:   make(map[string]*pendingCall),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout overrides the client timeout for one call. Zero waits for the
// context only.
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
		o.hasTimeout = true
	}
}

// SendSyncMessage publishes env to queue and waits for the matching reply.
// It returns the reply body as a string. An error reply from the responder
// is returned as *RemoteError.
func (c *RequestReplyClient) SendSyncMessage(ctx context.Context, queue string, env contracts.Envelope, options ...CallOption) (string, error) {
	opts := callOptions{timeout: c.timeout}
	for _, opt := range options {
		opt(&opts)
	}

	start := time.Now()
	var reply string
	var err error

	if c.circuitBreaker == nil {
		reply, err = c.call(ctx, queue, env, opts.timeout)
	} else {
		cbErr := c.circuitBreaker.Execute(ctx, func() error {
			reply, err = c.call(ctx, queue, env, opts.timeout)
			var remote *RemoteError
			if errors.As(err, &remote) {
				return nil
			}
			return err
		})
		if cbErr != nil && err == nil {
			err = &RequestError{Queue: queue, Op: "send", Err: cbErr}
		}
	}

	c.metrics.RecordRequest(queue, requestOutcome(err), time.Since(start))
	return reply, err
}

// SendQuery sends a typed query along its route
func (c *RequestReplyClient) SendQuery(ctx context.Context, route contracts.Route, query contracts.Event, options ...CallOption) (string, error) {
	env, err := contracts.EnvelopeOf(query)
	if err != nil {
		return "", err
	}
	return c.SendSyncMessage(ctx, route.Queue, env, options...)
}

// PendingCount returns the number of calls awaiting a reply
func (c *RequestReplyClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// MismatchedReplies returns how many replies were dropped because their
// correlation ID matched no call on their reply queue
func (c *RequestReplyClient) MismatchedReplies() int64 {
	return c.mismatched.Load()
}

// Close fails pending calls and rejects new ones
func (c *RequestReplyClient) Close() error {
	c.mu.Lock()
	c.closed = true
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		calls = append(calls, p)
	}
	c.mu.Unlock()

	for _, p := range calls {
		p.fail()
	}
	return nil
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *RequestReplyClient) OnConnected() {}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *RequestReplyClient) OnReconnecting(attempt int) {}

// OnDisconnected fails every pending call. Exclusive reply queues are
// deleted with the connection, so their replies can never arrive.
func (c *RequestReplyClient) OnDisconnected(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		calls = append(calls, p)
	}
	c.mu.Unlock()

	if len(calls) > 0 {
		c.logger.Warn("connection lost, failing pending requests", "pending", len(calls), "error", err)
	}
	for _, p := range calls {
		p.fail()
	}
}

func (c *RequestReplyClient) call(ctx context.Context, queue string, env contracts.Envelope, timeout time.Duration) (string, error) {
	body, err := env.Bytes()
	if err != nil {
		return "", &RequestError{Queue: queue, Op: "encode", Err: err}
	}

	ch, err := c.registry.Get(ctx, queue, nil)
	if err != nil {
		return "", &RequestError{Queue: queue, Op: "channel", Err: err}
	}

	replyQueue, err := rabbitmq.DeclareQueue(ch, rabbitmq.ExclusiveQueue())
	if err != nil {
		return "", &RequestError{Queue: queue, Op: "declare reply queue", Err: err}
	}

	correlationID := uuid.NewString()
	call, err := c.register(correlationID, queue)
	if err != nil {
		_ = rabbitmq.DeleteQueue(ch, replyQueue.Name)
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "send", Err: err}
	}
	defer c.unregister(correlationID)

	// The reply consumer must exist before the request is published
	replies := make(chan amqp.Delivery, 1)
	sub, err := c.consumer.Subscribe(context.WithoutCancel(ctx), ch, replyQueue.Name,
		rabbitmq.ConsumeOptions{AutoAck: true, Exclusive: true},
		func(_ context.Context, d amqp.Delivery) error {
			if d.CorrelationId != correlationID {
				c.mismatched.Add(1)
				c.logger.Debug("ignoring reply with unknown correlation id",
					"queue", queue,
					"replyQueue", replyQueue.Name,
					"correlationId", d.CorrelationId)
				return nil
			}
			select {
			case replies <- d:
			default:
			}
			return nil
		})
	if err != nil {
		_ = rabbitmq.DeleteQueue(ch, replyQueue.Name)
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "consume reply queue", Err: err}
	}
	defer c.cleanup(ch, sub)

	msg := amqp.Publishing{
		Headers:       tracing.Inject(ctx, nil),
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Transient,
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		Type:          env.Type,
		Body:          body,
	}
	if err := c.publisher.Publish(ctx, ch, "", queue, msg); err != nil {
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "publish", Err: err}
	}

	c.logger.Debug("request sent",
		"queue", queue,
		"type", env.Type,
		"correlationId", correlationID,
		"replyQueue", replyQueue.Name)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-replies:
		return decodeReply(d)
	case <-sub.Done():
		// The reply may have landed just before the consumer stopped
		select {
		case d := <-replies:
			return decodeReply(d)
		default:
		}
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "await", Err: ErrConnectionLost}
	case <-call.lost:
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "await", Err: c.lostReason()}
	case <-expired:
		c.logger.Warn("request timed out",
			"queue", queue,
			"type", env.Type,
			"correlationId", correlationID,
			"timeout", timeout)
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "await", Err: ErrRequestTimeout}
	case <-ctx.Done():
		return "", &RequestError{Queue: queue, CorrelationID: correlationID, Op: "await", Err: ctx.Err()}
	}
}

// cleanup stops the reply consumer and deletes the reply queue
func (c *RequestReplyClient) cleanup(ch rabbitmq.Channel, sub *Subscription) {
	if err := sub.Cancel(); err != nil {
		c.logger.Debug("failed to cancel reply consumer", "replyQueue", sub.Queue, "error", err)
	}
	if ch.IsClosed() {
		return
	}
	if err := rabbitmq.DeleteQueue(ch, sub.Queue); err != nil {
		c.logger.Debug("failed to delete reply queue", "replyQueue", sub.Queue, "error", err)
	}
}

func (c *RequestReplyClient) register(correlationID, queue string) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	call := &pendingCall{queue: queue, lost: make(chan struct{})}
	c.pending[correlationID] = call
	return call, nil
}

func (c *RequestReplyClient) unregister(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

func (c *RequestReplyClient) lostReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return ErrConnectionLost
}

func decodeReply(d amqp.Delivery) (string, error) {
	if d.Type != ReplyTypeError {
		return string(d.Body), nil
	}

	remote := &RemoteError{}
	if err := json.Unmarshal(d.Body, remote); err != nil || remote.Message == "" {
		remote.Message = string(d.Body)
	}
	if remote.Code == "" {
		remote.Code = CodeRequestFailed
	}
	return "", remote
}

func requestOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return RequestSuccess
	case errors.As(err, &remote):
		return RequestRemoteError
	case errors.Is(err, ErrRequestTimeout):
		return RequestTimeout
	case errors.Is(err, ErrConnectionLost):
		return RequestConnectionLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RequestCancelled
	default:
		return RequestFailed
	}
}
