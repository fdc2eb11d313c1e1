package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flow — определение автоматизации компании.
//
// Flow — это "сценарий": один триггер и граф узлов (Node) и рёбер (Edge).
// Каждое срабатывание триггера для контакта создаёт Execution.
type Flow struct {
	// ID — уникальный идентификатор flow.
	ID uuid.UUID `json:"id"`

	// CompanyID — компания-владелец (tenant). Все запросы фильтруются по нему.
	CompanyID uuid.UUID `json:"company_id"`

	// Name — человекочитаемое имя flow.
	Name string `json:"name"`

	// IsActive — флаг активности.
	// Неактивный flow не создаёт новых executions, но уже запущенные
	// (running/waiting) продолжают выполняться до конца.
	IsActive bool `json:"is_active"`

	// TriggerType — тип триггера: new_lead, keyword, schedule, stage_change.
	TriggerType TriggerType `json:"trigger_type"`

	// TriggerConfig — конфигурация триггера (форма зависит от TriggerType).
	TriggerConfig TriggerConfig `json:"trigger_config"`

	// CreatedAt — время создания flow.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerType — тип триггера flow.
type TriggerType string

const (
	// TriggerNewLead — новый лид (через webhook).
	TriggerNewLead TriggerType = "new_lead"

	// TriggerKeyword — входящее сообщение WhatsApp с ключевым словом.
	TriggerKeyword TriggerType = "keyword"

	// TriggerSchedule — запуск по расписанию (cron или интервал).
	TriggerSchedule TriggerType = "schedule"

	// TriggerStageChange — лид перемещён в другой этап воронки.
	TriggerStageChange TriggerType = "stage_change"
)

// Valid проверяет, что тип триггера известен.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerNewLead, TriggerKeyword, TriggerSchedule, TriggerStageChange:
		return true
	default:
		return false
	}
}

// TriggerConfig — конфигурация триггера.
//
// У flow ровно одна конфигурация; используемые поля зависят от типа:
//   - keyword:      Keywords
//   - new_lead:     FunnelID (nil — любая воронка)
//   - stage_change: FunnelID, StageID (nil — любой этап)
//   - schedule:     Schedule
type TriggerConfig struct {
	// Keywords — ключевые слова для keyword-триггера.
	Keywords []string `json:"keywords,omitempty"`

	// FunnelID — воронка для new_lead и stage_change.
	FunnelID *uuid.UUID `json:"funnel_id,omitempty"`

	// StageID — целевой этап для stage_change.
	StageID *uuid.UUID `json:"stage_id,omitempty"`

	// Schedule — расписание для schedule-триггера.
	Schedule *ScheduleSpec `json:"schedule,omitempty"`
}

// ScheduleSpec — расписание запуска flow и его аудитория.
type ScheduleSpec struct {
	// CronExpr — cron-выражение "минуты часы дни месяцы дни_недели".
	// Если задан, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал между запусками в секундах.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для cron. По умолчанию "UTC".
	Timezone string `json:"timezone,omitempty"`

	// ContactIDs — явный список контактов, для которых запускается flow.
	ContactIDs []uuid.UUID `json:"contact_ids,omitempty"`

	// Tag — тег CRM: flow запускается для всех контактов с этим тегом.
	Tag string `json:"tag,omitempty"`
}

// Validate проверяет, что конфигурация соответствует типу триггера.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	if f.CompanyID == uuid.Nil {
		return fmt.Errorf("flow company_id is required")
	}
	if !f.TriggerType.Valid() {
		return fmt.Errorf("unknown trigger type %q", f.TriggerType)
	}

	cfg := f.TriggerConfig
	switch f.TriggerType {
	case TriggerKeyword:
		if len(f.NormalizedKeywords()) == 0 {
			return fmt.Errorf("keyword trigger requires at least one keyword")
		}
	case TriggerSchedule:
		if cfg.Schedule == nil {
			return fmt.Errorf("schedule trigger requires schedule config")
		}
		if cfg.Schedule.CronExpr == "" && cfg.Schedule.IntervalSec <= 0 {
			return fmt.Errorf("schedule requires cron_expr or interval_sec")
		}
		if len(cfg.Schedule.ContactIDs) == 0 && cfg.Schedule.Tag == "" {
			return fmt.Errorf("schedule requires contact_ids or tag")
		}
	case TriggerStageChange:
		if cfg.FunnelID == nil {
			return fmt.Errorf("stage_change trigger requires funnel_id")
		}
	}
	return nil
}

// NormalizedKeywords возвращает ключевые слова в нижнем регистре без пробелов по краям.
// Пустые значения отбрасываются.
func (f *Flow) NormalizedKeywords() []string {
	result := make([]string, 0, len(f.TriggerConfig.Keywords))
	for _, kw := range f.TriggerConfig.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			result = append(result, kw)
		}
	}
	return result
}

// IsSchedule возвращает true для flow с триггером по расписанию.
func (f *Flow) IsSchedule() bool {
	return f.TriggerType == TriggerSchedule && f.TriggerConfig.Schedule != nil
}
