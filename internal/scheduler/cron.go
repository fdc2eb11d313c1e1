package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Funnel/internal/domain"
)

// cronParser — парсер cron-выражений.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующее время запуска расписания после from.
//
// Cron считается в часовом поясе расписания, интервал просто
// прибавляется к from. Результат возвращается в UTC.
func CalculateNextDue(sched *domain.FlowSchedule, from time.Time) (time.Time, error) {
	loc, err := loadLocation(sched.Timezone)
	if err != nil {
		// Fallback на UTC если timezone невалидный
		loc = time.UTC
	}
	fromInTz := from.In(loc)

	if sched.IsCron() {
		return calculateNextCron(sched.CronExpr, fromInTz)
	}
	if sched.IsInterval() {
		return calculateNextInterval(sched.IntervalSec, fromInTz), nil
	}
	return time.Time{}, fmt.Errorf("schedule has neither cron_expr nor interval_sec")
}

func calculateNextCron(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from).UTC(), nil
}

func calculateNextInterval(intervalSec int, from time.Time) time.Time {
	return from.Add(time.Duration(intervalSec) * time.Second).UTC()
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// ValidateSpec проверяет расписание schedule-триггера:
// cron-выражение и часовой пояс должны разбираться.
func ValidateSpec(spec *domain.ScheduleSpec) error {
	if spec == nil {
		return fmt.Errorf("schedule is required")
	}
	if spec.CronExpr != "" {
		if err := ValidateCronExpr(spec.CronExpr); err != nil {
			return err
		}
	} else if spec.IntervalSec <= 0 {
		return fmt.Errorf("schedule needs cron_expr or positive interval_sec")
	}
	if _, err := loadLocation(spec.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", spec.Timezone, err)
	}
	return nil
}
