package messaging

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("SendToQueue declares the queue and publishes the envelope", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})

		env := contracts.MustEnvelope(contracts.KindBlockUser, contracts.BlockUser{ConversationID: "c-1", Blocker: "u-1"})
		require.NoError(t, bus.publisher.SendToQueue(ctx, "chat-queue", env))

		require.True(t, bus.broker.HasQueue("chat-queue"))
		msgs := bus.broker.Messages("chat-queue")
		require.Len(t, msgs, 1)

		msg := msgs[0]
		assert.JSONEq(t, `{"type":"BLOCK_USER","data":{"conversationId":"c-1","blocker":"u-1"}}`, string(msg.Body))
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, amqp.Transient, msg.DeliveryMode)
		assert.Equal(t, contracts.KindBlockUser, msg.Type)
		assert.Equal(t, "test-service", msg.AppId)
		assert.NotEmpty(t, msg.MessageId)
		assert.Equal(t, 1, bus.metrics.count(bus.metrics.published, "chat-queue"))
	})

	t.Run("repeated sends reuse the channel", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})

		env := contracts.MustEnvelope("PING", 1)
		for i := 0; i < 3; i++ {
			require.NoError(t, bus.publisher.SendToQueue(ctx, "q", env))
		}

		assert.Equal(t, 1, bus.broker.DeclareCount("queue:q"))
		assert.Equal(t, 3, bus.broker.QueueLength("q"))
		assert.Equal(t, 1, bus.registry.Size())
	})

	t.Run("PublishInQueue declares the fanout exchange", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})

		exchange := contracts.Exchange{Name: "user-service-exchange", Type: "fanout"}
		env := contracts.MustEnvelope(contracts.KindUserDeleted, map[string]string{"id": "u-1"})
		require.NoError(t, bus.publisher.PublishInQueue(ctx, exchange, "user-service-user-queue", env))

		assert.Equal(t, 1, bus.broker.DeclareCount("exchange:user-service-exchange"))
		assert.False(t, bus.broker.HasQueue("user-service-user-queue"))
		assert.Equal(t, 1, bus.broker.PublishedCount())
	})

	t.Run("PublishEvent follows the route", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})

		require.NoError(t, bus.publisher.PublishEvent(ctx, contracts.ChatRoute,
			contracts.ReadChat{ConversationID: "c-1", UserID: "u-2"}))
		require.NoError(t, bus.publisher.PublishEvent(ctx, contracts.PropertyRoute,
			contracts.PropertyDeleted{PropertyID: "p-1"}))

		msgs := bus.broker.Messages(contracts.ChatRoute.Queue)
		require.Len(t, msgs, 1)
		assert.Equal(t, contracts.KindReadChat, msgs[0].Type)

		assert.Equal(t, 1, bus.broker.DeclareCount("exchange:property-service-exchange"))
		assert.False(t, bus.broker.HasQueue(contracts.PropertyRoute.Queue))
	})

	t.Run("Republish keeps headers and body", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})

		msg := amqp.Publishing{
			Headers:   amqp.Table{"x-retry-count": int32(2)},
			MessageId: "m-1",
			Body:      []byte(`{"type":"X","data":null}`),
		}
		require.NoError(t, bus.publisher.Republish(ctx, "q.dead-letter", msg))

		msgs := bus.broker.Messages("q.dead-letter")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-1", msgs[0].MessageId)
		assert.Equal(t, int32(2), msgs[0].Headers["x-retry-count"])
	})

	t.Run("broker failures are returned", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		bus.broker.SetDialError(errors.New("connection refused"))

		err := bus.publisher.SendToQueue(ctx, "q", contracts.MustEnvelope("PING", 1))
		require.Error(t, err)

		var connErr *rabbitmq.ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, 1, bus.metrics.publishErrs)
	})

	t.Run("envelopes without a type are refused", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})

		err := bus.publisher.SendToQueue(ctx, "q", contracts.Envelope{})
		assert.ErrorIs(t, err, contracts.ErrInvalidEnvelope)
		assert.Equal(t, 0, bus.broker.QueueLength("q"))
	})
}
