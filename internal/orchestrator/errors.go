package orchestrator

import (
	"errors"

	"github.com/shaiso/Funnel/internal/crm"
)

// Ошибки оркестратора.
var (
	// ErrTenantViolation — событие ссылается на данные другой компании.
	// Такое событие отклоняется (REJECTED) и не обрабатывается.
	ErrTenantViolation = crm.ErrTenantViolation

	// ErrReplay — событие уже применено или execution продвинул другой процесс.
	ErrReplay = errors.New("event already applied")

	// ErrExecutionFinished — execution уже завершён.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrInvalidEvent — в событии нет обязательных полей.
	ErrInvalidEvent = errors.New("invalid event payload")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// absorbed сообщает, что ошибку нужно поглотить как повтор.
func absorbed(err error) bool {
	return errors.Is(err, ErrReplay) || errors.Is(err, ErrExecutionFinished)
}
