package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Funnel/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

// MessageTypeEventPending — входящее событие записано и ждёт обработки.
const MessageTypeEventPending MessageType = "event.pending"

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventPendingPayload — ссылка на запись inbound_events.
type EventPendingPayload struct {
	EventID   uuid.UUID        `json:"event_id"`
	CompanyID uuid.UUID        `json:"company_id"`
	Type      domain.EventType `json:"type"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует persistent-сообщение.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(key), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         string(msg.Type),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", key,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishEventPending сообщает orchestrator о записанном событии.
// ID сообщения совпадает с ID события.
func (p *Publisher) PublishEventPending(ctx context.Context, ev *domain.InboundEvent) error {
	msg := &Message{
		ID:   ev.ID.String(),
		Type: MessageTypeEventPending,
		Payload: EventPendingPayload{
			EventID:   ev.ID,
			CompanyID: ev.CompanyID,
			Type:      ev.Type,
		},
		Timestamp: time.Now().UTC(),
	}
	return p.Publish(ctx, ExchangeEvents, RoutingKeyPending, msg)
}
