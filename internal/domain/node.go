package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NodeType — тип узла графа flow.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeMessage   NodeType = "message"
	NodeQuestion  NodeType = "question"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeDelay     NodeType = "delay"
	NodePause     NodeType = "pause"
	NodeTransfer  NodeType = "transfer"
	NodeEnd       NodeType = "end"
)

// Node — один шаг графа flow.
type Node struct {
	// ID — уникальный идентификатор узла.
	ID uuid.UUID `json:"id"`

	// FlowID — flow, которому принадлежит узел.
	FlowID uuid.UUID `json:"flow_id"`

	// Type — тип узла.
	Type NodeType `json:"node_type"`

	// Config — конфигурация узла, конкретный тип зависит от Type.
	Config NodeConfig `json:"config"`

	// Position — координаты в визуальном редакторе. На выполнение не влияют.
	Position Position `json:"position"`
}

// Position — координаты узла на холсте редактора.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge — направленное ребро графа.
//
// SourceHandle — именованный выход узла-источника: индекс кнопки ("0", "1", ...),
// "true"/"false" для condition или пусто для единственного выхода.
type Edge struct {
	ID           uuid.UUID `json:"id"`
	FlowID       uuid.UUID `json:"flow_id"`
	SourceNodeID uuid.UUID `json:"source_node_id"`
	TargetNodeID uuid.UUID `json:"target_node_id"`
	SourceHandle string    `json:"source_handle,omitempty"`
}

// Стандартные handles для condition.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// ButtonHandle возвращает handle для кнопки с индексом i.
func ButtonHandle(i int) string {
	return strconv.Itoa(i)
}

// NodeConfig — конфигурация узла.
//
// Каждому NodeType соответствует ровно одна реализация.
// Интерпретатор разбирает конфигурацию через type switch.
type NodeConfig interface {
	// NodeType возвращает тип узла, которому принадлежит конфигурация.
	NodeType() NodeType

	// Validate проверяет конфигурацию.
	Validate() error
}

// StartConfig — точка входа flow (якорь триггера).
type StartConfig struct{}

// MessageConfig — отправка сообщения контакту.
type MessageConfig struct {
	// Text — текст сообщения, поддерживает переменные {{nome}}.
	Text string `json:"text"`

	// ContentType — тип контента: text, image, audio, video, document.
	ContentType string `json:"content_type,omitempty"`

	// MediaURL — ссылка на медиафайл для нетекстовых сообщений.
	MediaURL string `json:"media_url,omitempty"`

	// Buttons — кнопки быстрого ответа. Если заданы, execution ждёт нажатия.
	Buttons []Button `json:"buttons,omitempty"`

	// Variable — имя переменной для сохранения нажатой кнопки.
	Variable string `json:"variable,omitempty"`
}

// Button — кнопка быстрого ответа.
type Button struct {
	Text string `json:"text"`
}

// QuestionConfig — вопрос с ожиданием ответа.
type QuestionConfig struct {
	// Text — текст вопроса. Пустой — вопрос без отправки сообщения.
	Text string `json:"text,omitempty"`

	// Variable — имя переменной контекста для ответа.
	Variable string `json:"variable"`

	// Buttons — варианты ответа (необязательно).
	Buttons []Button `json:"buttons,omitempty"`
}

// ConditionConfig — ветвление по условиям или случайный выбор.
type ConditionConfig struct {
	// Conditions — список предикатов. Первый сработавший определяет handle.
	Conditions []Predicate `json:"conditions,omitempty"`

	// IsRandomizer — вместо условий выбрать ребро случайно с весами.
	IsRandomizer bool `json:"is_randomizer,omitempty"`

	// Weights — веса исходящих handles для randomizer.
	Weights []Weight `json:"weights,omitempty"`
}

// Predicate — одно условие.
type Predicate struct {
	// Field — путь к значению в контексте: "nome", "contact.name", "lead.stage_id".
	Field string `json:"field,omitempty"`

	// Operator — оператор сравнения (equals, contains, gt, expr, ...).
	Operator string `json:"operator"`

	// Value — значение для сравнения. Для expr — само выражение.
	Value any `json:"value,omitempty"`

	// Handle — handle при срабатывании условия. По умолчанию "true".
	Handle string `json:"handle,omitempty"`
}

// Weight — вес handle в randomizer.
type Weight struct {
	Handle string `json:"handle"`
	Weight int    `json:"weight"`
}

// ActionKind — тип побочного действия в CRM.
type ActionKind string

const (
	ActionAddTag    ActionKind = "add_tag"
	ActionMoveStage ActionKind = "move_stage"
	ActionWebhook   ActionKind = "webhook"
)

// ActionConfig — побочное действие в CRM.
//
// Действие должно быть идемпотентным: при падении после вызова,
// но до сохранения execution, оно будет выполнено повторно.
type ActionConfig struct {
	Action   ActionKind     `json:"action"`
	Tag      string         `json:"tag,omitempty"`
	FunnelID *uuid.UUID     `json:"funnel_id,omitempty"`
	StageID  *uuid.UUID     `json:"stage_id,omitempty"`
	URL      string         `json:"url,omitempty"`
	Method   string         `json:"method,omitempty"`
	Body     map[string]any `json:"body,omitempty"`
}

// DelayConfig — пауза на фиксированное время.
type DelayConfig struct {
	Seconds int `json:"seconds,omitempty"`
	Minutes int `json:"minutes,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Days    int `json:"days,omitempty"`
}

// PauseConfig — молчаливое ожидание сообщения от контакта.
type PauseConfig struct {
	// Variable — куда сохранить текст сообщения (необязательно).
	Variable string `json:"variable,omitempty"`
}

// TransferConfig — передача диалога оператору.
type TransferConfig struct {
	Department string `json:"department,omitempty"`
	Note       string `json:"note,omitempty"`
}

// EndConfig — завершение flow.
type EndConfig struct{}

func (StartConfig) NodeType() NodeType     { return NodeStart }
func (MessageConfig) NodeType() NodeType   { return NodeMessage }
func (QuestionConfig) NodeType() NodeType  { return NodeQuestion }
func (ConditionConfig) NodeType() NodeType { return NodeCondition }
func (ActionConfig) NodeType() NodeType    { return NodeAction }
func (DelayConfig) NodeType() NodeType     { return NodeDelay }
func (PauseConfig) NodeType() NodeType     { return NodePause }
func (TransferConfig) NodeType() NodeType  { return NodeTransfer }
func (EndConfig) NodeType() NodeType       { return NodeEnd }

func (StartConfig) Validate() error    { return nil }
func (PauseConfig) Validate() error    { return nil }
func (TransferConfig) Validate() error { return nil }
func (EndConfig) Validate() error      { return nil }

// Validate проверяет конфигурацию message.
func (c MessageConfig) Validate() error {
	if c.Text == "" && c.MediaURL == "" {
		return fmt.Errorf("message requires text or media_url")
	}
	for i, b := range c.Buttons {
		if b.Text == "" {
			return fmt.Errorf("button %d has empty text", i)
		}
	}
	return nil
}

// HasButtons возвращает true, если сообщение ждёт нажатия кнопки.
func (c MessageConfig) HasButtons() bool {
	return len(c.Buttons) > 0
}

// Validate проверяет конфигурацию question.
func (c QuestionConfig) Validate() error {
	if c.Variable == "" {
		return fmt.Errorf("question requires variable")
	}
	return nil
}

// Validate проверяет конфигурацию condition.
func (c ConditionConfig) Validate() error {
	if c.IsRandomizer {
		if len(c.Weights) == 0 {
			return fmt.Errorf("randomizer requires weights")
		}
		total := 0
		for _, w := range c.Weights {
			if w.Handle == "" {
				return fmt.Errorf("randomizer weight has empty handle")
			}
			if w.Weight < 0 {
				return fmt.Errorf("randomizer weight for %q is negative", w.Handle)
			}
			total += w.Weight
		}
		if total == 0 {
			return fmt.Errorf("randomizer weights sum to zero")
		}
		return nil
	}
	if len(c.Conditions) == 0 {
		return fmt.Errorf("condition requires at least one predicate")
	}
	for i, p := range c.Conditions {
		if p.Operator == "" {
			return fmt.Errorf("predicate %d has empty operator", i)
		}
		if p.Field == "" && p.Operator != "expr" {
			return fmt.Errorf("predicate %d has empty field", i)
		}
	}
	return nil
}

// Validate проверяет конфигурацию action.
func (c ActionConfig) Validate() error {
	switch c.Action {
	case ActionAddTag:
		if c.Tag == "" {
			return fmt.Errorf("add_tag requires tag")
		}
	case ActionMoveStage:
		if c.StageID == nil {
			return fmt.Errorf("move_stage requires stage_id")
		}
	case ActionWebhook:
		if c.URL == "" {
			return fmt.Errorf("webhook requires url")
		}
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// Duration возвращает длительность задержки.
func (c DelayConfig) Duration() time.Duration {
	return time.Duration(c.Seconds)*time.Second +
		time.Duration(c.Minutes)*time.Minute +
		time.Duration(c.Hours)*time.Hour +
		time.Duration(c.Days)*24*time.Hour
}

// Validate проверяет конфигурацию delay.
func (c DelayConfig) Validate() error {
	if c.Seconds < 0 || c.Minutes < 0 || c.Hours < 0 || c.Days < 0 {
		return fmt.Errorf("delay values must not be negative")
	}
	if c.Duration() <= 0 {
		return fmt.Errorf("delay must be positive")
	}
	return nil
}

// DecodeNodeConfig декодирует JSON-конфигурацию для типа узла.
func DecodeNodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	var cfg NodeConfig
	switch t {
	case NodeStart:
		cfg = &StartConfig{}
	case NodeMessage:
		cfg = &MessageConfig{}
	case NodeQuestion:
		cfg = &QuestionConfig{}
	case NodeCondition:
		cfg = &ConditionConfig{}
	case NodeAction:
		cfg = &ActionConfig{}
	case NodeDelay:
		cfg = &DelayConfig{}
	case NodePause:
		cfg = &PauseConfig{}
	case NodeTransfer:
		cfg = &TransferConfig{}
	case NodeEnd:
		cfg = &EndConfig{}
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", t, err)
		}
	}

	return derefConfig(cfg), nil
}

// derefConfig возвращает конфигурацию по значению, чтобы type switch
// в интерпретаторе работал с одним набором типов.
func derefConfig(cfg NodeConfig) NodeConfig {
	switch c := cfg.(type) {
	case *StartConfig:
		return *c
	case *MessageConfig:
		return *c
	case *QuestionConfig:
		return *c
	case *ConditionConfig:
		return *c
	case *ActionConfig:
		return *c
	case *DelayConfig:
		return *c
	case *PauseConfig:
		return *c
	case *TransferConfig:
		return *c
	case *EndConfig:
		return *c
	}
	return cfg
}

// nodeJSON — форма узла при сериализации.
type nodeJSON struct {
	ID       uuid.UUID       `json:"id"`
	FlowID   uuid.UUID       `json:"flow_id"`
	Type     NodeType        `json:"node_type"`
	Config   json.RawMessage `json:"config"`
	Position Position        `json:"position"`
}

// UnmarshalJSON декодирует узел, выбирая тип конфигурации по node_type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeNodeConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	n.ID = raw.ID
	n.FlowID = raw.FlowID
	n.Type = raw.Type
	n.Config = cfg
	n.Position = raw.Position
	return nil
}
