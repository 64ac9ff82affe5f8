package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/intrbiz/util-sub000/messaging"
)

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

// exchangeDeclaration maps an exchange onto AMQP flags. Non-persistent
// exchanges are auto-deleted once their last binding goes away.
func exchangeDeclaration(ex messaging.Exchange) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:       ex.Name,
		Type:       ex.Kind.String(),
		Durable:    ex.Persistent,
		AutoDelete: !ex.Persistent,
	}
}

// queueDeclaration maps a queue onto AMQP flags. Transient queues are
// exclusive to the connection and auto-deleted. In FIFO mode persistent
// queues allow a single active consumer so delivery order is kept.
func queueDeclaration(q messaging.Queue, fifo bool) QueueDeclaration {
	decl := QueueDeclaration{
		Name:       q.Name,
		Durable:    q.Persistent,
		AutoDelete: !q.Persistent,
		Exclusive:  !q.Persistent,
	}
	if fifo && q.Persistent {
		decl.Arguments = amqp.Table{"x-single-active-consumer": true}
	}
	return decl
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
