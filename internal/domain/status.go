package domain

// ExecutionStatus — статус execution.
//
// Жизненный цикл:
//
//	created → RUNNING ⇄ WAITING → COMPLETED
//	          RUNNING/WAITING   → FAILED
//
// Из COMPLETED и FAILED переходов нет.
type ExecutionStatus string

const (
	// ExecutionRunning — execution выполняет шаги (или ждёт retry).
	ExecutionRunning ExecutionStatus = "running"

	// ExecutionWaiting — execution приостановлен: ждёт ответа контакта
	// (NextActionAt == nil) или истечения delay (NextActionAt != nil).
	ExecutionWaiting ExecutionStatus = "waiting"

	// ExecutionCompleted — flow дошёл до end или transfer.
	ExecutionCompleted ExecutionStatus = "completed"

	// ExecutionFailed — ошибка конфигурации или исчерпаны retry.
	ExecutionFailed ExecutionStatus = "failed"
)

// IsTerminal возвращает true для финальных статусов.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для running и waiting.
// Для пары (flow, contact) допускается не больше одного активного execution.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionRunning || s == ExecutionWaiting
}

// CanTransitionTo проверяет допустимость перехода.
func (s ExecutionStatus) CanTransitionTo(to ExecutionStatus) bool {
	switch s {
	case ExecutionRunning:
		return to == ExecutionRunning || to == ExecutionWaiting ||
			to == ExecutionCompleted || to == ExecutionFailed
	case ExecutionWaiting:
		return to == ExecutionRunning || to == ExecutionFailed
	default:
		return false
	}
}

// EventStatus — статус входящего события.
//
//	PENDING → PROCESSED
//	        ↘ FAILED
//	        ↘ REJECTED (нарушение изоляции tenant)
type EventStatus string

const (
	// EventStatusPending — событие записано, ещё не обработано.
	EventStatusPending EventStatus = "PENDING"

	// EventStatusProcessed — событие обработано.
	EventStatusProcessed EventStatus = "PROCESSED"

	// EventStatusFailed — обработка упала после всех попыток.
	EventStatusFailed EventStatus = "FAILED"

	// EventStatusRejected — событие ссылается на чужие данные и отклонено.
	EventStatusRejected EventStatus = "REJECTED"
)

// IsTerminal возвращает true, если событие больше не обрабатывается.
func (s EventStatus) IsTerminal() bool {
	return s != EventStatusPending
}
