package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

// Webhook DTOs

// WebhookRequest — тело webhook-а. Поля события зависят от типа в пути.
type WebhookRequest struct {
	domain.Event

	// IdempotencyKey — ключ отправителя; также принимается заголовок Idempotency-Key.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// ToStageID — синоним stage_id для stage_change.
	ToStageID *uuid.UUID `json:"to_stage_id,omitempty"`
}

// EventResponse — ответ с inbound-событием.
type EventResponse struct {
	ID             uuid.UUID          `json:"id"`
	Type           domain.EventType   `json:"type"`
	Status         domain.EventStatus `json:"status"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Attempts       int                `json:"attempts"`
	Error          string             `json:"error,omitempty"`
	Payload        domain.Event       `json:"payload"`
	ReceivedAt     time.Time          `json:"received_at"`
	ProcessedAt    *time.Time         `json:"processed_at,omitempty"`
}

// EventFromDomain конвертирует domain.InboundEvent в EventResponse.
func EventFromDomain(e *domain.InboundEvent) EventResponse {
	return EventResponse{
		ID:             e.ID,
		Type:           e.Type,
		Status:         e.Status,
		IdempotencyKey: e.IdempotencyKey,
		Attempts:       e.Attempts,
		Error:          e.Error,
		Payload:        e.Payload,
		ReceivedAt:     e.CreatedAt,
		ProcessedAt:    e.ProcessedAt,
	}
}

// Flow DTOs

// FlowRequest — импорт flow вместе с графом.
type FlowRequest struct {
	Name          string               `json:"name"`
	IsActive      bool                 `json:"is_active"`
	TriggerType   domain.TriggerType   `json:"trigger_type"`
	TriggerConfig domain.TriggerConfig `json:"trigger_config"`
	Nodes         []domain.Node        `json:"nodes"`
	Edges         []domain.Edge        `json:"edges"`
}

// SetActiveRequest — запрос на включение/выключение flow.
type SetActiveRequest struct {
	IsActive *bool `json:"is_active"`
}

// FlowResponse — ответ с flow и счётчиками executions.
type FlowResponse struct {
	ID            uuid.UUID            `json:"id"`
	Name          string               `json:"name"`
	IsActive      bool                 `json:"is_active"`
	TriggerType   domain.TriggerType   `json:"trigger_type"`
	TriggerConfig domain.TriggerConfig `json:"trigger_config"`
	Executions    repo.ExecutionCounts `json:"executions"`

	// Stopped — последний execution flow завершился ошибкой.
	Stopped bool `json:"stopped"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowDetailResponse — flow с графом.
type FlowDetailResponse struct {
	FlowResponse
	Nodes []domain.Node `json:"nodes"`
	Edges []domain.Edge `json:"edges"`
}

// FlowFromDomain конвертирует domain.Flow в FlowResponse.
func FlowFromDomain(f domain.Flow, counts repo.ExecutionCounts) FlowResponse {
	return FlowResponse{
		ID:            f.ID,
		Name:          f.Name,
		IsActive:      f.IsActive,
		TriggerType:   f.TriggerType,
		TriggerConfig: f.TriggerConfig,
		Executions:    counts,
		Stopped:       counts.Stopped(),
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}

// Execution DTOs

// ExecutionResponse — ответ с execution.
type ExecutionResponse struct {
	ID             uuid.UUID              `json:"id"`
	FlowID         uuid.UUID              `json:"flow_id"`
	ContactID      uuid.UUID              `json:"contact_id"`
	Status         domain.ExecutionStatus `json:"status"`
	CurrentNodeID  uuid.UUID              `json:"current_node_id"`
	NextActionAt   *time.Time             `json:"next_action_at,omitempty"`
	AwaitingReply  bool                   `json:"awaiting_reply"`
	Context        map[string]any         `json:"context,omitempty"`
	Attempts       int                    `json:"attempts"`
	Steps          int                    `json:"steps"`
	LastError      string                 `json:"last_error,omitempty"`
	TriggerEventID *uuid.UUID             `json:"trigger_event_id,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ExecutionFromDomain конвертирует domain.Execution в ExecutionResponse.
func ExecutionFromDomain(e *domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:             e.ID,
		FlowID:         e.FlowID,
		ContactID:      e.ContactID,
		Status:         e.Status,
		CurrentNodeID:  e.CurrentNodeID,
		NextActionAt:   e.NextActionAt,
		AwaitingReply:  e.IsAwaitingReply(),
		Context:        e.Context,
		Attempts:       e.Attempts,
		Steps:          e.Steps,
		LastError:      e.LastError,
		TriggerEventID: e.TriggerEventID,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// Schedule DTOs

// ScheduleResponse — ответ с состоянием расписания schedule-flow.
type ScheduleResponse struct {
	ID             uuid.UUID  `json:"id"`
	FlowID         uuid.UUID  `json:"flow_id"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	IntervalSec    int        `json:"interval_sec,omitempty"`
	Timezone       string     `json:"timezone"`
	Enabled        bool       `json:"enabled"`
	NextDueAt      *time.Time `json:"next_due_at,omitempty"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	LastFiredCount int        `json:"last_fired_count"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.FlowSchedule в ScheduleResponse.
func ScheduleFromDomain(s domain.FlowSchedule) ScheduleResponse {
	return ScheduleResponse{
		ID:             s.ID,
		FlowID:         s.FlowID,
		CronExpr:       s.CronExpr,
		IntervalSec:    s.IntervalSec,
		Timezone:       s.Timezone,
		Enabled:        s.Enabled,
		NextDueAt:      s.NextDueAt,
		LastFiredAt:    s.LastFiredAt,
		LastFiredCount: s.LastFiredCount,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Session DTOs

// SessionStatusRequest — обновление статуса сессии от коннектора.
//
// Detail — QR-код для qr_code, текст ошибки для error.
type SessionStatusRequest struct {
	Status domain.SessionStatus `json:"status"`
	Detail string               `json:"detail,omitempty"`
}
