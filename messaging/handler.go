package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/reliability"
)

// Message is a delivery whose body parsed as an envelope
type Message struct {
	Queue    string
	Envelope contracts.Envelope
	Delivery amqp.Delivery
}

// Type returns the envelope type
func (m *Message) Type() string {
	return m.Envelope.Type
}

// Body returns the raw message body
func (m *Message) Body() []byte {
	return m.Delivery.Body
}

// Headers returns the AMQP headers
func (m *Message) Headers() amqp.Table {
	return m.Delivery.Headers
}

// RetryCount returns how many times the message has been redelivered
func (m *Message) RetryCount() int {
	return reliability.RetryCount(m.Delivery.Headers)
}

// newMessage parses the envelope of d. A body that is not an envelope can
// never succeed, so the error is permanent.
func newMessage(queue string, d amqp.Delivery) (*Message, error) {
	env, err := contracts.ParseEnvelope(d.Body)
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("message %s on %s: %w", d.MessageId, queue, err))
	}
	return &Message{Queue: queue, Envelope: env, Delivery: d}, nil
}

// HandleEnvelope adapts a typed handler to a MessageHandler. decode is one
// of the contracts.Decode* functions, so a message kind the stream does not
// define fails with *contracts.UnknownKindError instead of being skipped.
//
//	handler := messaging.HandleEnvelope(contracts.DecodeUserEvent,
//		func(ctx context.Context, event contracts.UserEvent) error {
//			switch e := event.(type) {
//			case contracts.UserCreated:
//				return users.Insert(ctx, e.Record)
//			...
//			}
//		})
func HandleEnvelope[T any](decode func(contracts.Envelope) (T, error), handle func(ctx context.Context, payload T) error) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, msg *Message) error {
		payload, err := decode(msg.Envelope)
		if err != nil {
			return reliability.Permanent(err)
		}
		return handle(ctx, payload)
	})
}
