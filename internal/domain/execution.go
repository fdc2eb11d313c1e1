package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Execution — один проход графа flow для одного контакта.
//
// Execution создаётся, когда триггер сработал и для пары (flow, contact)
// нет активного execution. Интерпретатор меняет его на каждом шаге,
// после каждого шага execution сохраняется.
type Execution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// FlowID — выполняемый flow.
	FlowID uuid.UUID `json:"flow_id"`

	// ContactID — контакт, для которого идёт выполнение.
	ContactID uuid.UUID `json:"contact_id"`

	// CompanyID — компания (tenant).
	CompanyID uuid.UUID `json:"company_id"`

	// Phone — нормализованный телефон контакта.
	// Используется для сопоставления входящих ответов.
	Phone string `json:"phone,omitempty"`

	// Status — текущий статус.
	Status ExecutionStatus `json:"status"`

	// CurrentNodeID — узел, который нужно выполнить (или на котором ждём).
	CurrentNodeID uuid.UUID `json:"current_node_id"`

	// NextActionAt — когда продолжить выполнение.
	// Для waiting: время окончания delay; nil значит "ждём ответа контакта".
	// Для running: время следующей попытки после transient-ошибки.
	NextActionAt *time.Time `json:"next_action_at,omitempty"`

	// Context — накопленные переменные (ответы, нажатые кнопки, данные контакта).
	Context map[string]any `json:"context"`

	// Choices — результаты розыгрышей randomizer: ключ "{node_id}#{step}" → handle.
	// Сохраняются сразу, повторная попытка шага не перебрасывает жребий.
	Choices map[string]string `json:"choices,omitempty"`

	// Attempts — число неудачных попыток текущего узла.
	Attempts int `json:"attempts"`

	// Steps — сколько узлов пройдено.
	Steps int `json:"steps"`

	// Version — версия записи для optimistic locking.
	Version int `json:"version"`

	// LastError — текст последней ошибки.
	LastError string `json:"last_error,omitempty"`

	// TriggerEventID — событие, создавшее execution.
	TriggerEventID *uuid.UUID `json:"trigger_event_id,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewExecution создаёт execution в статусе running на стартовом узле.
func NewExecution(flow *Flow, contact *Contact, startNodeID uuid.UUID, now time.Time) *Execution {
	ctx := map[string]any{}
	if contact != nil {
		ctx["contact"] = contact.Attributes()
	}
	exec := &Execution{
		ID:            uuid.New(),
		FlowID:        flow.ID,
		CompanyID:     flow.CompanyID,
		Status:        ExecutionRunning,
		CurrentNodeID: startNodeID,
		Context:       ctx,
		Choices:       map[string]string{},
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if contact != nil {
		exec.ContactID = contact.ID
		exec.Phone = NormalizePhone(contact.Phone)
	}
	return exec
}

// IsAwaitingReply возвращает true, если execution ждёт сообщения контакта.
func (e *Execution) IsAwaitingReply() bool {
	return e.Status == ExecutionWaiting && e.NextActionAt == nil
}

// IsDue проверяет, пора ли планировщику продолжить execution.
//
// Due, если:
//   - waiting с NextActionAt <= now (истёк delay);
//   - running с NextActionAt <= now (пора повторить шаг);
//   - running без NextActionAt и UpdatedAt старше lease (процесс упал посреди шага).
func (e *Execution) IsDue(now time.Time, lease time.Duration) bool {
	switch e.Status {
	case ExecutionWaiting:
		return e.NextActionAt != nil && !e.NextActionAt.After(now)
	case ExecutionRunning:
		if e.NextActionAt != nil {
			return !e.NextActionAt.After(now)
		}
		return !e.UpdatedAt.Add(lease).After(now)
	default:
		return false
	}
}

// SetVar записывает переменную в контекст.
func (e *Execution) SetVar(name string, value any) {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[name] = value
}

// ChoiceKey возвращает ключ розыгрыша randomizer для текущего шага.
func (e *Execution) ChoiceKey(nodeID uuid.UUID) string {
	return fmt.Sprintf("%s#%d", nodeID, e.Steps)
}

// RecordChoice сохраняет выбранный handle randomizer.
func (e *Execution) RecordChoice(nodeID uuid.UUID, handle string) {
	if e.Choices == nil {
		e.Choices = map[string]string{}
	}
	e.Choices[e.ChoiceKey(nodeID)] = handle
}

// Choice возвращает ранее выбранный handle randomizer для текущего шага.
func (e *Execution) Choice(nodeID uuid.UUID) (string, bool) {
	h, ok := e.Choices[e.ChoiceKey(nodeID)]
	return h, ok
}

func (e *Execution) transition(to ExecutionStatus, now time.Time) error {
	if !e.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// AdvanceTo переводит execution на следующий узел.
// Счётчик попыток и последняя ошибка сбрасываются.
func (e *Execution) AdvanceTo(next uuid.UUID, now time.Time) error {
	if err := e.transition(ExecutionRunning, now); err != nil {
		return err
	}
	e.CurrentNodeID = next
	e.NextActionAt = nil
	e.Attempts = 0
	e.LastError = ""
	e.Steps++
	return nil
}

// Suspend переводит execution в waiting.
// resumeAt == nil — ждём ответа контакта.
func (e *Execution) Suspend(resumeAt *time.Time, now time.Time) error {
	if err := e.transition(ExecutionWaiting, now); err != nil {
		return err
	}
	e.NextActionAt = resumeAt
	e.Attempts = 0
	e.LastError = ""
	return nil
}

// Resume переводит waiting execution обратно в running.
func (e *Execution) Resume(now time.Time) error {
	if e.Status != ExecutionWaiting {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, e.Status)
	}
	if err := e.transition(ExecutionRunning, now); err != nil {
		return err
	}
	e.NextActionAt = nil
	return nil
}

// ScheduleRetry фиксирует неудачную попытку и откладывает повтор до at.
func (e *Execution) ScheduleRetry(reason string, at time.Time, now time.Time) error {
	if err := e.transition(ExecutionRunning, now); err != nil {
		return err
	}
	e.Attempts++
	e.LastError = reason
	e.NextActionAt = &at
	return nil
}

// Complete завершает execution успешно.
func (e *Execution) Complete(now time.Time) error {
	if err := e.transition(ExecutionCompleted, now); err != nil {
		return err
	}
	e.NextActionAt = nil
	e.Steps++
	e.FinishedAt = &now
	return nil
}

// Fail завершает execution с ошибкой.
func (e *Execution) Fail(reason string, now time.Time) error {
	if err := e.transition(ExecutionFailed, now); err != nil {
		return err
	}
	e.NextActionAt = nil
	e.LastError = reason
	e.FinishedAt = &now
	return nil
}

// Touch обновляет UpdatedAt.
func (e *Execution) Touch(now time.Time) {
	e.UpdatedAt = now
}

// Lease захватывает due execution под обработку до until.
//
// Статус не меняется: если процесс упадёт, после until execution снова
// станет due и будет продолжен с того же узла.
func (e *Execution) Lease(until, now time.Time) {
	e.NextActionAt = &until
	e.UpdatedAt = now
}
