// Package mq — транспорт событий между funnel-api и funnel-orchestrator.
//
// API записывает InboundEvent в БД и публикует event.pending; orchestrator
// потребляет очередь events.pending. Сообщение несёт только ID события:
// источник истины — таблица inbound_events, поэтому потеря сообщения
// закрывается polling-ом PENDING событий.
//
//	funnel.events (direct)
//	└── events.pending [routing: pending] → orchestrator, DLQ: dlq.events
//	funnel.dlq (direct)
//	└── dlq.events [routing: events]
package mq
