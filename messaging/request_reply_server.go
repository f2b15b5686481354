package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/tracing"
)

// RequestReplyServer answers synchronous requests on a named queue
type RequestReplyServer struct {
	registry     *rabbitmq.ChannelRegistry
	consumer     *rabbitmq.Consumer
	publisher    *rabbitmq.Publisher
	errorReplies bool
	metrics      MetricsCollector
	logger       *slog.Logger
}

// RequestReplyServerOption configures the server
type RequestReplyServerOption func(*RequestReplyServer)

// WithErrorReplies controls whether a failed handler answers with an error
// reply. When disabled the caller only learns of the failure by timing out.
func WithErrorReplies(enabled bool) RequestReplyServerOption {
	return func(s *RequestReplyServer) {
		s.errorReplies = enabled
	}
}

// WithServerMetrics sets the metrics collector
func WithServerMetrics(metrics MetricsCollector) RequestReplyServerOption {
	return func(s *RequestReplyServer) {
		s.metrics = metrics
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) RequestReplyServerOption {
	return func(s *RequestReplyServer) {
		s.logger = logger
	}
}

// NewRequestReplyServer creates a server with error replies enabled
func NewRequestReplyServer(registry *rabbitmq.ChannelRegistry, consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher, options ...RequestReplyServerOption) *RequestReplyServer {
	s := &RequestReplyServer{
		registry:     registry,
		consumer:     consumer,
		publisher:    publisher,
		errorReplies: true,
		metrics:      NoOpMetricsCollector{},
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// ReceiveSyncMessage serves requests on queue one at a time. For each
// request the handler result is JSON encoded and sent to the request's
// ReplyTo queue under its correlation ID, then the request is acked. A
// failed request is nacked without requeue and answered with an error reply.
func (s *RequestReplyServer) ReceiveSyncMessage(ctx context.Context, queue string, handler SyncHandler) (*Subscription, error) {
	ch, err := s.registry.Get(ctx, queue, nil)
	if err != nil {
		return nil, fmt.Errorf("serve queue %s: %w", queue, err)
	}

	if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.WorkQueue(queue)); err != nil {
		return nil, fmt.Errorf("serve queue %s: %w", queue, err)
	}

	opts := rabbitmq.ConsumeOptions{PrefetchCount: 1}
	return s.consumer.Subscribe(ctx, ch, queue, opts, func(ctx context.Context, d amqp.Delivery) error {
		return s.serve(tracing.Extract(ctx, d.Headers), ch, queue, d, handler)
	})
}

func (s *RequestReplyServer) serve(ctx context.Context, ch rabbitmq.Channel, queue string, d amqp.Delivery, handler SyncHandler) error {
	start := time.Now()

	result, err := callSync(ctx, handler, d.Body)
	var body []byte
	if err == nil {
		body, err = json.Marshal(result)
		if err != nil {
			err = fmt.Errorf("encode reply: %w", err)
		}
	}

	if err != nil {
		s.metrics.RecordConsume(queue, OutcomeFailed, time.Since(start))
		s.logger.Error("sync handler failed",
			"queue", queue,
			"correlationId", d.CorrelationId,
			"error", err)

		var replyErr error
		if s.errorReplies && d.ReplyTo != "" {
			replyErr = s.reply(ctx, ch, d, ReplyTypeError, errorReplyBody(err))
		}
		if nackErr := d.Nack(false, false); nackErr != nil {
			return errors.Join(err, replyErr, nackErr)
		}
		return errors.Join(err, replyErr)
	}

	if d.ReplyTo == "" {
		s.logger.Warn("request has no reply queue, dropping result",
			"queue", queue,
			"correlationId", d.CorrelationId)
	} else if err := s.reply(ctx, ch, d, "", body); err != nil {
		// The caller cannot be answered; do not run the handler again
		s.metrics.RecordConsume(queue, OutcomeFailed, time.Since(start))
		if nackErr := d.Nack(false, false); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return err
	}

	s.metrics.RecordConsume(queue, OutcomeSuccess, time.Since(start))
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack request %s: %w", d.CorrelationId, err)
	}
	return nil
}

func (s *RequestReplyServer) reply(ctx context.Context, ch rabbitmq.Channel, d amqp.Delivery, kind string, body []byte) error {
	msg := amqp.Publishing{
		Headers:       tracing.Inject(ctx, nil),
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Transient,
		CorrelationId: d.CorrelationId,
		Type:          kind,
		Body:          body,
	}
	if err := s.publisher.Publish(ctx, ch, "", d.ReplyTo, msg); err != nil {
		return fmt.Errorf("reply to %s: %w", d.ReplyTo, err)
	}
	return nil
}

func errorReplyBody(err error) []byte {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		remote = NewRemoteError(CodeRequestFailed, err.Error())
	}
	if remote.Code == "" {
		remote = NewRemoteError(CodeRequestFailed, remote.Message)
	}
	body, _ := json.Marshal(remote)
	return body
}

// callSync runs handler and turns a panic into an error so the request is
// still settled
func callSync(ctx context.Context, handler SyncHandler, body []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, body)
}
