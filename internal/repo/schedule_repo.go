package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Funnel/internal/domain"
)

// ScheduleRepo — репозиторий расписаний schedule-flows.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

const scheduleColumns = `
	id, flow_id, company_id, cron_expr, interval_sec, timezone, enabled,
	next_due_at, last_fired_at, last_fired_count, created_at, updated_at`

// Upsert создаёт или обновляет расписание flow.
func (r *ScheduleRepo) Upsert(ctx context.Context, s *domain.FlowSchedule) error {
	query := `
		INSERT INTO flow_schedules (id, flow_id, company_id, cron_expr, interval_sec, timezone,
		                            enabled, next_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (flow_id) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr, interval_sec = EXCLUDED.interval_sec,
		    timezone = EXCLUDED.timezone, enabled = EXCLUDED.enabled,
		    next_due_at = EXCLUDED.next_due_at, updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		s.ID,
		s.FlowID,
		s.CompanyID,
		nullString(s.CronExpr),
		nullInt(s.IntervalSec),
		s.Timezone,
		s.Enabled,
		s.NextDueAt,
		s.CreatedAt,
		s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// GetByFlowID возвращает расписание flow.
func (r *ScheduleRepo) GetByFlowID(ctx context.Context, flowID uuid.UUID) (*domain.FlowSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM flow_schedules WHERE flow_id = $1`
	return r.scanSchedule(r.pool.QueryRow(ctx, query, flowID))
}

// ListDue возвращает расписания, готовые к запуску.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.FlowSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM flow_schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	return r.querySchedules(ctx, query, now, limit)
}

// List возвращает все расписания.
func (r *ScheduleRepo) List(ctx context.Context) ([]domain.FlowSchedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM flow_schedules ORDER BY created_at ASC`)
}

// Update обновляет расписание.
func (r *ScheduleRepo) Update(ctx context.Context, s *domain.FlowSchedule) error {
	query := `
		UPDATE flow_schedules
		SET cron_expr = $2, interval_sec = $3, timezone = $4, enabled = $5,
		    next_due_at = $6, last_fired_at = $7, last_fired_count = $8, updated_at = $9
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		s.ID,
		nullString(s.CronExpr),
		nullInt(s.IntervalSec),
		s.Timezone,
		s.Enabled,
		s.NextDueAt,
		s.LastFiredAt,
		s.LastFiredCount,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *ScheduleRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.FlowSchedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []domain.FlowSchedule
	for rows.Next() {
		s, err := r.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

func (r *ScheduleRepo) scanSchedule(row pgx.Row) (*domain.FlowSchedule, error) {
	var s domain.FlowSchedule
	var cronExpr *string
	var intervalSec *int

	err := row.Scan(
		&s.ID,
		&s.FlowID,
		&s.CompanyID,
		&cronExpr,
		&intervalSec,
		&s.Timezone,
		&s.Enabled,
		&s.NextDueAt,
		&s.LastFiredAt,
		&s.LastFiredCount,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.CronExpr = deref(cronExpr)
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	return &s, nil
}
