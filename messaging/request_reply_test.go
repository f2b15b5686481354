package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
)

// incrementHandler answers {"type":..., "data": n} with n+1
func incrementHandler(ctx context.Context, body []byte) (any, error) {
	env, err := contracts.ParseEnvelope(body)
	if err != nil {
		return nil, err
	}
	var n int
	if err := env.Decode(&n); err != nil {
		return nil, err
	}
	return n + 1, nil
}

// declareQueue declares a work queue on a channel of its own
func declareQueue(t *testing.T, bus *testBus, name string) rabbitmq.Channel {
	t.Helper()
	ch, err := bus.registry.Open(context.Background())
	require.NoError(t, err)
	_, err = rabbitmq.DeclareQueue(ch, rabbitmq.WorkQueue(name))
	require.NoError(t, err)
	return ch
}

type callResult struct {
	reply string
	err   error
}

func sendAsync(bus *testBus, ctx context.Context, queue string, env contracts.Envelope, opts ...CallOption) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		reply, err := bus.client.SendSyncMessage(ctx, queue, env, opts...)
		out <- callResult{reply: reply, err: err}
	}()
	return out
}

func TestRequestReplyClient(t *testing.T) {
	ctx := context.Background()

	t.Run("the reply body is returned", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		_, err := bus.server.ReceiveSyncMessage(ctx, "q", incrementHandler)
		require.NoError(t, err)

		reply, err := bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("INCREMENT", 1))
		require.NoError(t, err)
		assert.Equal(t, "2", reply)

		assert.Equal(t, 0, bus.client.PendingCount())
		assert.Equal(t, 1, bus.metrics.count(bus.metrics.requests, "q/"+RequestSuccess))
	})

	t.Run("replies are matched by correlation id", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		ch := declareQueue(t, bus, "q")

		// collect both requests, then answer them in reverse order
		requests := make(chan amqp.Delivery, 2)
		responder := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(quietLogger()))
		_, err := responder.Subscribe(ctx, ch, "q", rabbitmq.ConsumeOptions{AutoAck: true},
			func(ctx context.Context, d amqp.Delivery) error {
				requests <- d
				return nil
			})
		require.NoError(t, err)
		t.Cleanup(func() { _ = responder.UnsubscribeAll() })

		first := sendAsync(bus, ctx, "q", contracts.MustEnvelope("ECHO", "first"))
		second := sendAsync(bus, ctx, "q", contracts.MustEnvelope("ECHO", "second"))

		var got []amqp.Delivery
		for len(got) < 2 {
			select {
			case d := <-requests:
				got = append(got, d)
			case <-time.After(waitFor):
				t.Fatal("requests not received")
			}
		}

		for i := len(got) - 1; i >= 0; i-- {
			env, err := contracts.ParseEnvelope(got[i].Body)
			require.NoError(t, err)
			require.NoError(t, ch.PublishWithContext(ctx, "", got[i].ReplyTo, false, false, amqp.Publishing{
				CorrelationId: got[i].CorrelationId,
				Body:          env.Data,
			}))
		}

		r1, r2 := <-first, <-second
		require.NoError(t, r1.err)
		require.NoError(t, r2.err)
		assert.Equal(t, `"first"`, r1.reply)
		assert.Equal(t, `"second"`, r2.reply)
	})

	t.Run("a request without a reply times out and removes its reply queue", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		declareQueue(t, bus, "q")

		_, err := bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("PING", nil), WithTimeout(50*time.Millisecond))
		require.ErrorIs(t, err, ErrRequestTimeout)

		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, "q", reqErr.Queue)
		assert.NotEmpty(t, reqErr.CorrelationID)

		assert.Equal(t, []string{"q"}, bus.broker.Queues())
		assert.Equal(t, 0, bus.client.PendingCount())
		assert.Equal(t, 1, bus.metrics.count(bus.metrics.requests, "q/"+RequestTimeout))
	})

	t.Run("the client default timeout applies", func(t *testing.T) {
		bus := newTestBus(t, busOptions{client: []RequestReplyClientOption{WithRequestTimeout(30 * time.Millisecond)}})
		declareQueue(t, bus, "q")

		_, err := bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("PING", nil))
		assert.ErrorIs(t, err, ErrRequestTimeout)
	})

	t.Run("without a timeout the call waits until the context ends", func(t *testing.T) {
		bus := newTestBus(t, busOptions{client: []RequestReplyClientOption{WithRequestTimeout(10 * time.Millisecond)}})
		declareQueue(t, bus, "q")

		callCtx, cancel := context.WithCancel(ctx)
		result := sendAsync(bus, callCtx, "q", contracts.MustEnvelope("PING", nil), WithTimeout(0))

		select {
		case r := <-result:
			t.Fatalf("call returned early: %v", r.err)
		case <-time.After(100 * time.Millisecond):
		}
		assert.Equal(t, 1, bus.client.PendingCount())

		cancel()
		select {
		case r := <-result:
			assert.ErrorIs(t, r.err, context.Canceled)
		case <-time.After(waitFor):
			t.Fatal("call did not return after cancel")
		}
		assert.Equal(t, 0, bus.client.PendingCount())
		assert.Equal(t, 1, bus.metrics.count(bus.metrics.requests, "q/"+RequestCancelled))
	})

	t.Run("pending calls fail when the connection drops", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		declareQueue(t, bus, "q")

		result := sendAsync(bus, ctx, "q", contracts.MustEnvelope("PING", nil), WithTimeout(0))
		require.Eventually(t, func() bool { return bus.client.PendingCount() == 1 }, waitFor, tick)

		bus.broker.DropConnections()

		select {
		case r := <-result:
			assert.ErrorIs(t, r.err, ErrConnectionLost)
		case <-time.After(waitFor):
			t.Fatal("pending call not failed")
		}
		assert.Equal(t, 0, bus.client.PendingCount())
	})

	t.Run("replies with another correlation id are ignored", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		declareQueue(t, bus, "q")

		result := sendAsync(bus, ctx, "q", contracts.MustEnvelope("PING", nil), WithTimeout(waitFor))
		require.Eventually(t, func() bool { return bus.broker.QueueLength("q") == 1 }, waitFor, tick)
		request := bus.broker.Messages("q")[0]

		require.NoError(t, bus.broker.Inject("", request.ReplyTo, amqp.Publishing{CorrelationId: "someone-else", Body: []byte(`"wrong"`)}))
		require.Eventually(t, func() bool { return bus.client.MismatchedReplies() == 1 }, waitFor, tick)

		require.NoError(t, bus.broker.Inject("", request.ReplyTo, amqp.Publishing{CorrelationId: request.CorrelationId, Body: []byte(`"right"`)}))

		r := <-result
		require.NoError(t, r.err)
		assert.Equal(t, `"right"`, r.reply)
	})

	t.Run("error replies become remote errors", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		_, err := bus.server.ReceiveSyncMessage(ctx, "q", func(ctx context.Context, body []byte) (any, error) {
			return nil, errors.New("property not found")
		})
		require.NoError(t, err)

		_, err = bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope(contracts.KindGetPropertyByID, "p-1"))

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, CodeRequestFailed, remote.Code)
		assert.Equal(t, "property not found", remote.Message)
		assert.Equal(t, 1, bus.metrics.count(bus.metrics.requests, "q/"+RequestRemoteError))
	})

	t.Run("an open circuit rejects calls without publishing", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker("q", reliability.WithFailureThreshold(1), reliability.WithOpenTimeout(time.Minute))
		bus := newTestBus(t, busOptions{client: []RequestReplyClientOption{WithCircuitBreaker(cb)}})
		declareQueue(t, bus, "q")

		_, err := bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("PING", nil), WithTimeout(20*time.Millisecond))
		require.ErrorIs(t, err, ErrRequestTimeout)
		assert.Equal(t, reliability.StateOpen, cb.State())

		published := bus.broker.PublishedCount()
		_, err = bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("PING", nil))
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		assert.Equal(t, published, bus.broker.PublishedCount())
	})

	t.Run("remote errors do not trip the circuit", func(t *testing.T) {
		cb := reliability.NewCircuitBreaker("q", reliability.WithFailureThreshold(1))
		bus := newTestBus(t, busOptions{client: []RequestReplyClientOption{WithCircuitBreaker(cb)}})
		_, err := bus.server.ReceiveSyncMessage(ctx, "q", func(ctx context.Context, body []byte) (any, error) {
			return nil, errors.New("nope")
		})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err := bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("PING", nil))
			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
		}
		assert.Equal(t, reliability.StateClosed, cb.State())
	})

	t.Run("a closed client refuses calls", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		require.NoError(t, bus.client.Close())

		_, err := bus.client.SendSyncMessage(ctx, "q", contracts.MustEnvelope("PING", nil))
		assert.ErrorIs(t, err, ErrClientClosed)
	})

	t.Run("SendQuery follows the route", func(t *testing.T) {
		bus := newTestBus(t, busOptions{})
		_, err := bus.server.ReceiveSyncMessage(ctx, contracts.EstateQueryRoute.Queue, func(ctx context.Context, body []byte) (any, error) {
			env, err := contracts.ParseEnvelope(body)
			if err != nil {
				return nil, err
			}
			query, err := contracts.DecodeEstateQuery(env)
			if err != nil {
				return nil, err
			}
			id, ok := query.(contracts.GetUserDetail)
			if !ok {
				return nil, NewRemoteError("UNSUPPORTED", env.Type)
			}
			return map[string]string{"id": string(id), "name": "Ada"}, nil
		})
		require.NoError(t, err)

		reply, err := bus.client.SendQuery(ctx, contracts.EstateQueryRoute, contracts.GetUserDetail("u-1"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"u-1","name":"Ada"}`, reply)
	})
}
