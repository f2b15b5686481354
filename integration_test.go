//go:build integration

package rentbus

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/messaging"
)

// startRabbitMQ runs a broker container for the lifetime of the test and
// returns its AMQP URL
func startRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:4-management",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp").WithStartupTimeout(60*time.Second),
				wait.ForExec([]string{"rabbitmq-diagnostics", "check_running"}).
					WithExitCodeMatcher(func(exitCode int) bool { return exitCode == 0 }).
					WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestIntegration(t *testing.T) {
	url := startRabbitMQ(t)
	ctx := context.Background()

	client := NewClient(url, WithServiceName("integration"), WithRequestTimeout(5*time.Second))
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Connect(ctx))

	t.Run("request reply increments the payload", func(t *testing.T) {
		_, err := client.ReceiveSyncMessage(ctx, "rpc-increment", func(ctx context.Context, body []byte) (any, error) {
			env, err := contracts.ParseEnvelope(body)
			if err != nil {
				return nil, err
			}
			var n int
			if err := env.Decode(&n); err != nil {
				return nil, err
			}
			return n + 1, nil
		})
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			reply, err := client.SendSyncMessage(ctx, "rpc-increment", contracts.MustEnvelope("INCREMENT", i))
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(i+1), reply)
		}
		assert.Zero(t, client.PendingRequests())
	})

	t.Run("every subscriber receives a broadcast", func(t *testing.T) {
		var count atomic.Int32
		handler := messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
			count.Add(1)
			return nil
		})
		for i := 0; i < 3; i++ {
			_, err := client.SubscribeToQueue(ctx, *contracts.PropertyRoute.Exchange, contracts.PropertyRoute.Queue, handler)
			require.NoError(t, err)
		}

		require.NoError(t, client.PublishInQueue(ctx, *contracts.PropertyRoute.Exchange, contracts.PropertyRoute.Queue,
			contracts.MustEnvelope(contracts.KindPropertyDeleted, map[string]string{"id": "p-1"})))

		require.Eventually(t, func() bool { return count.Load() == 3 }, 10*time.Second, 50*time.Millisecond)
	})

	t.Run("failing messages end in the dead-letter queue", func(t *testing.T) {
		var attempts atomic.Int32
		_, err := client.ConsumeQueueWithAck(ctx, "integration-work",
			messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				attempts.Add(1)
				return fmt.Errorf("notification store unavailable")
			}),
			messaging.WithMaxRedeliveries(2),
		)
		require.NoError(t, err)

		dead := make(chan *messaging.Message, 1)
		_, err = client.ConsumeQueue(ctx, "integration-work.dead-letter",
			messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				dead <- msg
				return nil
			}))
		require.NoError(t, err)

		require.NoError(t, client.SendToQueue(ctx, "integration-work",
			contracts.MustEnvelope(contracts.KindCreateNotification, map[string]string{"title": "rent due"})))

		select {
		case msg := <-dead:
			assert.Equal(t, contracts.KindCreateNotification, msg.Type())
			assert.Equal(t, 2, msg.RetryCount())
		case <-time.After(15 * time.Second):
			t.Fatal("message never reached the dead-letter queue")
		}
		assert.Equal(t, int32(3), attempts.Load())
	})
}
