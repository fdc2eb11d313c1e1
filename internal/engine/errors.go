package engine

import "errors"

// Категории ошибок шага.
//
// Оркестратор решает по категории, что делать с execution:
// ErrConfig — сразу failed, ErrTransient — повтор с backoff.
var (
	// ErrConfig — ошибка конфигурации flow (граф, конфиг узла, выражение).
	ErrConfig = errors.New("flow configuration error")

	// ErrTransient — временная ошибка внешней системы (gateway, CRM).
	ErrTransient = errors.New("transient delivery error")

	// ErrNoRoute — у узла нет исходящего ребра для выбранного handle.
	ErrNoRoute = errors.New("no outgoing edge for handle")
)

// Ошибки валидации графа.
var (
	// ErrNoStartNode — в графе нет start-узла.
	ErrNoStartNode = errors.New("flow has no start node")

	// ErrMultipleStartNodes — в графе больше одного start-узла.
	ErrMultipleStartNodes = errors.New("flow has multiple start nodes")

	// ErrStartHasInbound — в start-узел ведёт ребро.
	ErrStartHasInbound = errors.New("start node has inbound edges")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrDanglingEdge — ребро ссылается на несуществующий узел.
	ErrDanglingEdge = errors.New("edge references unknown node")

	// ErrDuplicateHandle — у узла два исходящих ребра с одинаковым handle.
	ErrDuplicateHandle = errors.New("duplicate source handle")

	// ErrEndHasOutgoing — у end-узла есть исходящие рёбра.
	ErrEndHasOutgoing = errors.New("end node has outgoing edges")

	// ErrInvalidNodeConfig — конфигурация узла не прошла проверку.
	ErrInvalidNodeConfig = errors.New("invalid node config")

	// ErrUnknownNode — execution ссылается на узел вне графа.
	ErrUnknownNode = errors.New("node not found in graph")
)

// Ошибки условий и шаблонов.
var (
	// ErrUnknownOperator — неизвестный оператор условия.
	ErrUnknownOperator = errors.New("unknown condition operator")

	// ErrExpression — выражение не компилируется или вернуло не bool.
	ErrExpression = errors.New("invalid condition expression")
)

// ValidationError — ошибка конфигурации с указанием узла.
//
// errors.Is(err, ErrConfig) возвращает true для любой ValidationError.
type ValidationError struct {
	NodeID  string // ID узла, где произошла ошибка
	Field   string // поле конфигурации
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is относит ValidationError к категории ErrConfig.
func (e *ValidationError) Is(target error) bool {
	return target == ErrConfig
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(nodeID, field, message string, err error) *ValidationError {
	return &ValidationError{
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// IsConfigError проверяет, что ошибка — ошибка конфигурации.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsTransient проверяет, что ошибку стоит повторить.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
