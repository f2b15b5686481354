// Package messaging implements the four ways services talk over the bus.
//
//   - Work queues: Publisher.SendToQueue and Subscriber.ConsumeQueue. Auto-ack,
//     at most once.
//   - Broadcast: Publisher.PublishInQueue and Subscriber.SubscribeToQueue. Every
//     subscriber has its own exclusive queue bound to a fanout exchange.
//   - Reliable work queues: Subscriber.ConsumeQueueWithAck. Manual ack with a
//     bounded redelivery counter and a dead-letter queue.
//   - Synchronous calls: RequestReplyClient.SendSyncMessage and
//     RequestReplyServer.ReceiveSyncMessage, correlated through an exclusive
//     reply queue per call.
//
// Message bodies are contracts.Envelope values. Handlers see a *Message with
// the parsed envelope; HandleEnvelope turns a typed stream decoder into a
// handler:
//
//	sub, err := subscriber.SubscribeToQueue(ctx, *contracts.UserRoute.Exchange, contracts.UserRoute.Queue,
//		messaging.HandleEnvelope(contracts.DecodeUserEvent, onUserEvent))
//
// Channels come from a rabbitmq.ChannelRegistry, so the first caller for a
// name decides its topology and later callers reuse the channel.
package messaging
