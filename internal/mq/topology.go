package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeEvents Exchange = "funnel.events"
	ExchangeDLQ    Exchange = "funnel.dlq"
)

const (
	QueueEventsPending Queue = "events.pending"
	QueueDLQEvents     Queue = "dlq.events"
)

const (
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyDLQEvents RoutingKey = "events"
)

type queueSpec struct {
	name     Queue
	exchange Exchange
	key      RoutingKey
	args     amqp.Table
}

// topology — очереди и их привязки.
var topology = []queueSpec{
	{
		name:     QueueEventsPending,
		exchange: ExchangeEvents,
		key:      RoutingKeyPending,
		args: amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
		},
	},
	{
		name:     QueueDLQEvents,
		exchange: ExchangeDLQ,
		key:      RoutingKeyDLQEvents,
	},
}

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeEvents, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, q := range topology {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if err := ch.QueueBind(string(q.name), string(q.key), string(q.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
		return nil
	})
}
