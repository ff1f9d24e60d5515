package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the routing algorithm of an exchange
type ExchangeKind string

const ExchangeDirect ExchangeKind = amqp.ExchangeDirect

// DefaultExchange is the nameless exchange that routes by queue name
const DefaultExchange = ""

// Queue argument keys understood by RabbitMQ
const (
	ArgQueueType            = "x-queue-type"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"

	// HeaderDeliveryCount is set by quorum queues on redelivered messages
	HeaderDeliveryCount = "x-delivery-count"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       ExchangeKind
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

// Topology is a set of declarations applied in order: exchanges, queues,
// then bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// EventExchange is the durable direct exchange events are routed through
func EventExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Kind:    ExchangeDirect,
		Durable: true,
	}
}

// WorkQueue is the durable quorum queue a subscribing service consumes.
// A non-empty deadLetterExchange makes rejected messages flow there.
func WorkQueue(name, deadLetterExchange string) QueueDeclaration {
	args := amqp.Table{ArgQueueType: "quorum"}
	if deadLetterExchange != "" {
		args[ArgDeadLetterExchange] = deadLetterExchange
		args[ArgDeadLetterRoutingKey] = name
	}
	return QueueDeclaration{
		Name:      name,
		Durable:   true,
		Arguments: args,
	}
}

// DeadLetterQueue parks messages rejected from queue
func DeadLetterQueue(queue string) QueueDeclaration {
	return QueueDeclaration{
		Name:      queue + ".dead-letter",
		Durable:   true,
		Arguments: amqp.Table{ArgQueueType: "quorum"},
	}
}

// ReplyQueue is the anonymous queue scoped to a single RPC call
func ReplyQueue() QueueDeclaration {
	return QueueDeclaration{
		Name:       "",
		AutoDelete: true,
		Exclusive:  true,
	}
}

// RequestQueue is the well-known queue an RPC-serving service consumes
func RequestQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:       name,
		Durable:    true,
		AutoDelete: true,
	}
}

// SubscriberTopology returns what a subscriber to routingKey needs. With a
// dead-letter exchange it also declares the exchange and parking queue.
func SubscriberTopology(exchange, queue, routingKey, deadLetterExchange string) Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{EventExchange(exchange)},
		Queues:    []QueueDeclaration{WorkQueue(queue, deadLetterExchange)},
		Bindings: []Binding{{
			Queue:      queue,
			Exchange:   exchange,
			RoutingKey: routingKey,
		}},
	}

	if deadLetterExchange != "" {
		dlq := DeadLetterQueue(queue)
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{
			Name:    deadLetterExchange,
			Kind:    ExchangeDirect,
			Durable: true,
		})
		t.Queues = append(t.Queues, dlq)
		t.Bindings = append(t.Bindings, Binding{
			Queue:      dlq.Name,
			Exchange:   deadLetterExchange,
			RoutingKey: queue,
		})
	}

	return t
}

// DeclareTopology declares the complete topology on ch. Every declaration
// is idempotent, so callers re-run it freely after a reconnect.
func DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := DeclareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := DeclareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := BindQueue(ch, binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return &TopologyError{
			Component: "exchange",
			Op:        "declare",
			Err:       fmt.Errorf("%w: exchange name is required", ErrInvalidTopology),
			Timestamp: time.Now(),
		}
	}

	err := ch.ExchangeDeclare(
		exchange.Name,
		string(exchange.Kind),
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

// DeclareQueue declares a single queue and returns it with its final
// (possibly server-generated) name
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
			Name:      binding.Queue + "->" + binding.Exchange + ":" + binding.RoutingKey,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeleteQueue deletes a queue
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
