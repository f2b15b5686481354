// Package rabbitmq is the AMQP 0-9-1 transport underneath the rentbus messaging layer.
//
// This package includes:
//   - ConnectionManager: one lazily dialed connection per process, reconnected with backoff
//   - ChannelRegistry: one channel per logical name, topology declared on first use
//   - Publisher: publishing on a registry channel
//   - Consumer: delivery loops with caller-controlled acknowledgment
//   - Topology helpers for exchanges, queues and bindings
//
// Connection and Channel are interfaces so the package can run against the
// in-memory broker in rabbitmqtest as well as a real RabbitMQ server.
package rabbitmq
