package domain

import (
	"time"

	"github.com/google/uuid"
)

// FlowSchedule — состояние расписания schedule-flow.
//
// Строка синхронизируется с TriggerConfig.Schedule при каждом tick:
// scheduler хранит здесь NextDueAt и историю запусков.
type FlowSchedule struct {
	// ID — уникальный идентификатор расписания.
	ID uuid.UUID `json:"id"`

	// FlowID — flow с trigger_type=schedule.
	FlowID uuid.UUID `json:"flow_id"`

	// CompanyID — компания (tenant).
	CompanyID uuid.UUID `json:"company_id"`

	// CronExpr — cron-выражение. Если задано, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал между запусками в секундах.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для cron. По умолчанию "UTC".
	Timezone string `json:"timezone"`

	// Enabled — совпадает с Flow.IsActive.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastFiredAt — время последнего запуска.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	// LastFiredCount — сколько событий создано при последнем запуске.
	LastFiredCount int `json:"last_fired_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *FlowSchedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *FlowSchedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *FlowSchedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// SameSpec сравнивает расписание с конфигурацией триггера.
func (s *FlowSchedule) SameSpec(spec *ScheduleSpec) bool {
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return s.CronExpr == spec.CronExpr && s.IntervalSec == spec.IntervalSec && s.Timezone == tz
}

// RecordFire записывает информацию о запуске.
func (s *FlowSchedule) RecordFire(firedAt time.Time, count int, nextDue time.Time) {
	s.LastFiredAt = &firedAt
	s.LastFiredCount = count
	s.NextDueAt = &nextDue
	s.UpdatedAt = firedAt
}
