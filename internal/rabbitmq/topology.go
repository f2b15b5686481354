package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeFanout is the only exchange type the bus declares
const ExchangeFanout = amqp.ExchangeFanout

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// FanoutExchange returns a non-durable fanout exchange declaration
func FanoutExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Type: ExchangeFanout}
}

// WorkQueue returns a named, non-durable, shared queue declaration
func WorkQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name}
}

// ExclusiveQueue returns an anonymous queue owned by the declaring
// connection. The broker names it and removes it when the connection closes.
func ExclusiveQueue() QueueDeclaration {
	return QueueDeclaration{Exclusive: true}
}

// Validate checks that the declaration can be sent to the broker
func (d ExchangeDeclaration) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidTopology)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: exchange %s has no type", ErrInvalidTopology, d.Name)
	}
	return nil
}

// DeclareExchange declares an exchange on ch
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	if err := exchange.Validate(); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareQueue declares a queue on ch. An empty name asks the broker to
// generate one; the returned amqp.Queue carries it.
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// BindQueue creates a queue binding
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
			Op:        "create",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeleteQueue deletes a queue regardless of consumers or content
func DeleteQueue(ch Channel, name string) error {
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "delete",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
