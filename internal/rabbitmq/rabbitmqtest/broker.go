// Package rabbitmqtest provides an in-memory AMQP broker for tests.
//
// The broker implements rabbitmq.Connection and rabbitmq.Channel with the
// semantics the bus relies on: named and server-named queues, exclusive
// queues owned by a connection, fanout and direct routing, automatic and
// manual acknowledgment, nack with requeue, per-consumer prefetch and
// round-robin delivery between competing consumers.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
)

const deliveryBuffer = 4096

// Broker is an in-memory message broker
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	conns     map[*Connection]struct{}
	declares  map[string]int
	published int
	nextTag   uint64
	nextName  int

	dials     int
	dialErr   error
	dialDelay time.Duration
}

// Option configures a Broker
type Option func(*Broker)

// WithDialDelay makes every dial take d, widening the window for races
func WithDialDelay(d time.Duration) Option {
	return func(b *Broker) {
		b.dialDelay = d
	}
}

// NewBroker creates an empty broker with the default exchange
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		conns:     make(map[*Connection]struct{}),
		declares:  make(map[string]int),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	b.dials++
	err := b.dialErr
	delay := b.dialDelay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	conn := &Connection{broker: b}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	return conn, nil
}

// SetDialError makes subsequent dials fail with err (nil restores dialing)
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// DialCount returns how many dials were attempted
func (b *Broker) DialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DeclareCount returns how many times a queue or exchange was declared,
// keyed as "queue:<name>" or "exchange:<name>"
func (b *Broker) DeclareCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[key]
}

// PublishedCount returns the number of accepted publishes
func (b *Broker) PublishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues returns the names of all queues
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueueLength returns the number of ready (undelivered) messages
func (b *Broker) QueueLength(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Messages returns copies of the ready messages in a queue
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.pub)
	}
	return out
}

// ConsumerCount returns the number of consumers on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Bindings returns the queues bound to an exchange
func (b *Broker) Bindings(exchangeName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ex.bindings))
	for name := range ex.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Inject routes a message as if a client had published it
func (b *Broker) Inject(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchangeName, key, msg)
}

// DropConnections force-closes every open connection with a broker error
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

type storedMessage struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	owner      *Connection
	messages   []storedMessage
	consumers  []*consumer
	next       int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings map[string]string // queue -> routing key
}

type consumer struct {
	tag        string
	ch         *Channel
	queue      *queue
	autoAck    bool
	prefetch   int
	unacked    int
	deliveries chan amqp.Delivery
}

type unackedMessage struct {
	queue    *queue
	consumer *consumer
	msg      storedMessage
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch == 0 || c.unacked < c.prefetch
}

// routeLocked delivers msg to the queues selected by the exchange
func (b *Broker) routeLocked(exchangeName, key string, msg amqp.Publishing) error {
	stored := storedMessage{exchange: exchangeName, routingKey: key, pub: msg}

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			q.messages = append(q.messages, stored)
			b.dispatchLocked(q)
		}
		b.published++
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}

	for queueName, bindingKey := range ex.bindings {
		if ex.kind != amqp.ExchangeFanout && bindingKey != key {
			continue
		}
		if q, ok := b.queues[queueName]; ok {
			q.messages = append(q.messages, stored)
			b.dispatchLocked(q)
		}
	}
	b.published++
	return nil
}

// dispatchLocked pushes ready messages to consumers with spare capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 {
		c := q.pickConsumer()
		if c == nil {
			return
		}

		msg := q.messages[0]
		tag := b.nextTag + 1
		d := amqp.Delivery{
			Acknowledger:    c.ch,
			Headers:         msg.pub.Headers,
			ContentType:     msg.pub.ContentType,
			ContentEncoding: msg.pub.ContentEncoding,
			DeliveryMode:    msg.pub.DeliveryMode,
			Priority:        msg.pub.Priority,
			CorrelationId:   msg.pub.CorrelationId,
			ReplyTo:         msg.pub.ReplyTo,
			Expiration:      msg.pub.Expiration,
			MessageId:       msg.pub.MessageId,
			Timestamp:       msg.pub.Timestamp,
			Type:            msg.pub.Type,
			UserId:          msg.pub.UserId,
			AppId:           msg.pub.AppId,
			ConsumerTag:     c.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.redelivered,
			Exchange:        msg.exchange,
			RoutingKey:      msg.routingKey,
			Body:            append([]byte(nil), msg.pub.Body...),
		}

		select {
		case c.deliveries <- d:
		default:
			return
		}

		b.nextTag = tag
		q.messages = q.messages[1:]
		if !c.autoAck {
			c.unacked++
			c.ch.unacked[tag] = &unackedMessage{queue: q, consumer: c, msg: msg}
		}
	}
}

// pickConsumer returns the next consumer in round-robin order that can take a message
func (q *queue) pickConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		if c := q.consumers[idx]; c.hasCapacity() {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// requeueLocked puts a message back at the head of its queue
func (b *Broker) requeueLocked(u *unackedMessage) {
	u.msg.redelivered = true
	if _, ok := b.queues[u.queue.name]; !ok {
		return
	}
	u.queue.messages = append([]storedMessage{u.msg}, u.queue.messages...)
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	for _, c := range append([]*consumer(nil), q.consumers...) {
		delete(c.ch.consumers, c.tag)
		close(c.deliveries)
	}
	q.consumers = nil
	for _, ex := range b.exchanges {
		delete(ex.bindings, q.name)
	}
	delete(b.queues, q.name)
	return len(q.messages)
}

// Connection is an in-memory rabbitmq.Connection
type Connection struct {
	broker   *Broker
	channels []*Channel
	closed   bool
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Connection)(nil)

// Channel opens a new channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      c,
		broker:    b,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*unackedMessage),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers a listener for connection closure
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all its channels
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	closed := c.closed
	c.broker.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(cause *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	delete(b.conns, c)

	var listeners []chan *amqp.Error
	for _, ch := range c.channels {
		listeners = append(listeners, ch.closeLocked()...)
	}
	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}
	listeners = append(listeners, c.notify...)
	c.notify = nil
	b.mu.Unlock()

	notifyAll(listeners, cause)
}

// Channel is an in-memory rabbitmq.Channel and amqp.Acknowledger
type Channel struct {
	conn      *Connection
	broker    *Broker
	prefetch  int
	closed    bool
	consumers map[string]*consumer
	unacked   map[uint64]*unackedMessage
	notify    []chan *amqp.Error
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	b.declares["exchange:"+name]++

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			b.mu.Unlock()
			return ch.fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)})
		}
		b.mu.Unlock()
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, bindings: make(map[string]string)}
	b.mu.Unlock()
	return nil
}

// QueueDeclare declares a queue; an empty name gets a server-generated one
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.nextName++
		name = fmt.Sprintf("amq.gen-%06d", b.nextName)
	}
	b.declares["queue:"+name]++

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			b.mu.Unlock()
			return amqp.Queue{}, ch.fail(&amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)})
		}
		if q.durable != durable {
			b.mu.Unlock()
			return amqp.Queue{}, ch.fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name)})
		}
		info := amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}
		b.mu.Unlock()
		return info, nil
	}

	q := &queue{name: name, durable: durable, exclusive: exclusive, autoDelete: autoDelete}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		b.mu.Unlock()
		return ch.fail(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)})
	}
	if _, ok := b.queues[name]; !ok {
		b.mu.Unlock()
		return ch.fail(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)})
	}
	ex.bindings[name] = key
	b.mu.Unlock()
	return nil
}

// QueueDelete deletes a queue and cancels its consumers
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	return b.deleteQueueLocked(q), nil
}

// Qos sets the prefetch count for consumers created afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts a consumer
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, ch.fail(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)})
	}
	if q.exclusive && q.owner != ch.conn {
		b.mu.Unlock()
		return nil, ch.fail(&amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName)})
	}
	if tag == "" {
		b.nextName++
		tag = fmt.Sprintf("amq.ctag-%06d", b.nextName)
	}
	if _, dup := ch.consumers[tag]; dup {
		b.mu.Unlock()
		return nil, ch.fail(&amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)})
	}

	c := &consumer{
		tag:        tag,
		ch:         ch,
		queue:      q,
		autoAck:    autoAck,
		prefetch:   ch.prefetch,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	b.mu.Unlock()

	return c.deliveries, nil
}

// Cancel stops a consumer. Its unacknowledged messages stay with the channel.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.queue.removeConsumer(c)
	close(c.deliveries)
	b.dispatchLocked(c.queue)
	return nil
}

// PublishWithContext routes a message
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	err := b.routeLocked(exchangeName, key, msg)
	b.mu.Unlock()

	if amqpErr, ok := err.(*amqp.Error); ok {
		return ch.fail(amqpErr)
	}
	return err
}

// NotifyClose registers a listener for channel closure
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing its unacknowledged messages
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	if ch.closed {
		ch.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	listeners := ch.closeLocked()
	ch.broker.mu.Unlock()

	notifyAll(listeners, nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, false, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, true, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, true, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, negative, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		u, ok := ch.unacked[t]
		if !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t)}
		}
		delete(ch.unacked, t)
		u.consumer.unacked--
		if negative && requeue {
			b.requeueLocked(u)
		}
		touched[u.queue] = struct{}{}
	}

	for q := range touched {
		if _, ok := b.queues[q.name]; ok {
			b.dispatchLocked(q)
		}
	}
	return nil
}

// closeLocked tears the channel down and returns the listeners to notify
func (ch *Channel) closeLocked() []chan *amqp.Error {
	if ch.closed {
		return nil
	}
	ch.closed = true
	b := ch.broker

	for tag, c := range ch.consumers {
		c.queue.removeConsumer(c)
		close(c.deliveries)
		delete(ch.consumers, tag)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		u := ch.unacked[t]
		b.requeueLocked(u)
		touched[u.queue] = struct{}{}
		delete(ch.unacked, t)
	}
	for q := range touched {
		if _, ok := b.queues[q.name]; ok {
			b.dispatchLocked(q)
		}
	}

	listeners := ch.notify
	ch.notify = nil
	return listeners
}

// fail closes the channel with a protocol error, as a real broker would
func (ch *Channel) fail(err *amqp.Error) error {
	ch.broker.mu.Lock()
	listeners := ch.closeLocked()
	ch.broker.mu.Unlock()

	notifyAll(listeners, err)
	return err
}

func notifyAll(listeners []chan *amqp.Error, cause *amqp.Error) {
	for _, l := range listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
}
