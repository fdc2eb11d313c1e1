package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType — тип входящего события.
type EventType string

const (
	// EventNewLead — новый лид из webhook.
	EventNewLead EventType = "new_lead"

	// EventKeyword — входящее сообщение WhatsApp.
	EventKeyword EventType = "keyword"

	// EventStageChange — лид перемещён между этапами воронки.
	EventStageChange EventType = "stage_change"

	// EventContinueExecution — продолжение конкретного execution
	// (ответ на вопрос, нажатие кнопки).
	EventContinueExecution EventType = "continue_execution"

	// EventSchedule — запуск schedule-flow для одного контакта.
	// Создаётся планировщиком.
	EventSchedule EventType = "schedule"
)

// Valid проверяет, что тип события известен.
func (t EventType) Valid() bool {
	switch t {
	case EventNewLead, EventKeyword, EventStageChange, EventContinueExecution, EventSchedule:
		return true
	default:
		return false
	}
}

// Event — полезная нагрузка входящего события.
//
// Набор заполненных полей зависит от Type:
//   - new_lead:           LeadID, FunnelID, StageID
//   - keyword:            ContactID или Phone, MessageText
//   - stage_change:       LeadID, FunnelID, FromStageID, StageID
//   - continue_execution: ExecutionID, ExpectedNodeID, ReplyText, ButtonIndex
//   - schedule:           FlowID, ContactID
type Event struct {
	Type      EventType `json:"type"`
	CompanyID uuid.UUID `json:"company_id"`

	LeadID      *uuid.UUID `json:"lead_id,omitempty"`
	ContactID   *uuid.UUID `json:"contact_id,omitempty"`
	FunnelID    *uuid.UUID `json:"funnel_id,omitempty"`
	StageID     *uuid.UUID `json:"stage_id,omitempty"`
	FromStageID *uuid.UUID `json:"from_stage_id,omitempty"`

	Phone       string `json:"phone,omitempty"`
	MessageText string `json:"message_text,omitempty"`

	ExecutionID    *uuid.UUID `json:"execution_id,omitempty"`
	ExpectedNodeID *uuid.UUID `json:"expected_node_id,omitempty"`
	ReplyText      *string    `json:"reply_text,omitempty"`
	ButtonIndex    *int       `json:"button_index,omitempty"`

	FlowID *uuid.UUID `json:"flow_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// InboundEvent — событие, надёжно записанное в хранилище до обработки.
//
// Webhook подтверждает приём сразу после записи; обработка идёт асинхронно.
type InboundEvent struct {
	// ID — уникальный идентификатор события.
	ID uuid.UUID `json:"id"`

	// CompanyID — компания, от имени которой пришло событие.
	CompanyID uuid.UUID `json:"company_id"`

	// Type — тип события.
	Type EventType `json:"type"`

	// IdempotencyKey — ключ отправителя. Повтор с тем же ключом
	// возвращает уже записанное событие.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Payload — содержимое события.
	Payload Event `json:"payload"`

	// Status — статус обработки.
	Status EventStatus `json:"status"`

	// Attempts — число попыток обработки.
	Attempts int `json:"attempts"`

	// Error — текст ошибки обработки.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NewInboundEvent создаёт событие в статусе PENDING.
func NewInboundEvent(ev Event, idempotencyKey string, now time.Time) *InboundEvent {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	return &InboundEvent{
		ID:             uuid.New(),
		CompanyID:      ev.CompanyID,
		Type:           ev.Type,
		IdempotencyKey: idempotencyKey,
		Payload:        ev,
		Status:         EventStatusPending,
		CreatedAt:      now,
	}
}

// MarkProcessed переводит событие в PROCESSED.
func (e *InboundEvent) MarkProcessed(now time.Time) {
	e.Status = EventStatusProcessed
	e.ProcessedAt = &now
	e.Error = ""
}

// MarkFailed переводит событие в FAILED.
func (e *InboundEvent) MarkFailed(reason string, now time.Time) {
	e.Status = EventStatusFailed
	e.ProcessedAt = &now
	e.Error = reason
}

// MarkRejected переводит событие в REJECTED.
func (e *InboundEvent) MarkRejected(reason string, now time.Time) {
	e.Status = EventStatusRejected
	e.ProcessedAt = &now
	e.Error = reason
}

// Validate проверяет обязательные поля для Type.
func (e *Event) Validate() error {
	if e.CompanyID == uuid.Nil {
		return fmt.Errorf("company_id is required")
	}
	switch e.Type {
	case EventNewLead:
		if e.LeadID == nil {
			return fmt.Errorf("lead_id is required")
		}
	case EventKeyword:
		if e.ContactID == nil && NormalizePhone(e.Phone) == "" {
			return fmt.Errorf("contact_id or phone is required")
		}
	case EventStageChange:
		if e.LeadID == nil || e.StageID == nil {
			return fmt.Errorf("lead_id and stage_id are required")
		}
	case EventContinueExecution:
		if e.ExecutionID == nil {
			return fmt.Errorf("execution_id is required")
		}
		if e.ButtonIndex != nil && *e.ButtonIndex < 0 {
			return fmt.Errorf("button_index must be >= 0")
		}
	case EventSchedule:
		if e.FlowID == nil || e.ContactID == nil {
			return fmt.Errorf("flow_id and contact_id are required")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
