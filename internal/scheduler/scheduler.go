package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/telemetry"
)

const defaultBatchSize = 100

// Publisher публикует event.pending (см. mq.Publisher).
type Publisher interface {
	PublishEventPending(ctx context.Context, ev *domain.InboundEvent) error
}

// Audience возвращает контакты компании с тегом (см. crm.Client).
type Audience interface {
	ListContactsByTag(ctx context.Context, companyID uuid.UUID, tag string) ([]domain.Contact, error)
}

// Scheduler — планировщик schedule-flows.
type Scheduler struct {
	flows     repo.FlowStore
	schedules repo.ScheduleStore
	events    repo.EventStore
	publisher Publisher
	audience  Audience
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Flows     repo.FlowStore
	Schedules repo.ScheduleStore
	Events    repo.EventStore

	// Publisher — nil: события подхватит polling orchestrator.
	Publisher Publisher

	// Audience — nil: для расписаний с тегом аудитория только из ContactIDs.
	Audience Audience

	BatchSize int // количество schedules за один тик (default: 100)

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		flows:     cfg.Flows,
		schedules: cfg.Schedules,
		events:    cfg.Events,
		publisher: cfg.Publisher,
		audience:  cfg.Audience,
		batchSize: batchSize,
		now:       now,
		logger:    logger,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Синхронизирует flow_schedules с schedule-flows
// 2. Находит due schedules (enabled=true, next_due_at <= now)
// 3. Для каждого записывает schedule-события аудитории
// 4. Сдвигает next_due_at
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	if err := s.Sync(ctx, now); err != nil {
		return err
	}

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var fired, events int
	for i := range schedules {
		sched := &schedules[i]

		n, err := s.fire(ctx, sched, now)
		events += n
		if err != nil {
			s.logger.Error("failed to fire schedule",
				"schedule_id", sched.ID,
				"flow_id", sched.FlowID,
				"error", err,
			)
			continue
		}
		fired++
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"fired", fired,
		"events_created", events,
	)
	return nil
}

// Sync приводит flow_schedules к конфигурации schedule-flows.
//
// Enabled повторяет Flow.IsActive. next_due_at пересчитывается от now,
// если изменилось расписание или flow снова включили: пропущенные
// за время выключения запуски не догоняются.
func (s *Scheduler) Sync(ctx context.Context, now time.Time) error {
	flows, err := s.flows.ListByTrigger(ctx, domain.TriggerSchedule)
	if err != nil {
		return fmt.Errorf("list schedule flows: %w", err)
	}

	for i := range flows {
		flow := &flows[i]
		spec := flow.TriggerConfig.Schedule
		if spec == nil {
			s.logger.Warn("schedule flow without schedule config", "flow_id", flow.ID)
			continue
		}

		existing, err := s.schedules.GetByFlowID(ctx, flow.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("get schedule of flow %s: %w", flow.ID, err)
		}

		sameSpec := existing != nil && existing.SameSpec(spec)
		if sameSpec && existing.Enabled == flow.IsActive {
			continue
		}
		if sameSpec && !existing.Enabled && flow.IsActive {
			// Уже выключено как некорректное, конфигурация расписания не менялась
			if _, err := CalculateNextDue(existing, now); err != nil {
				continue
			}
		}

		sched := existing
		if sched == nil {
			sched = &domain.FlowSchedule{
				ID:        uuid.New(),
				FlowID:    flow.ID,
				CompanyID: flow.CompanyID,
				CreatedAt: now,
			}
		}
		sched.CronExpr = spec.CronExpr
		sched.IntervalSec = spec.IntervalSec
		sched.Timezone = spec.Timezone
		if sched.Timezone == "" {
			sched.Timezone = "UTC"
		}
		if spec.CronExpr != "" {
			sched.IntervalSec = 0
		}

		reenabled := flow.IsActive && (existing == nil || !existing.Enabled)
		sched.Enabled = flow.IsActive
		sched.UpdatedAt = now

		if !sameSpec || reenabled || sched.NextDueAt == nil {
			next, err := CalculateNextDue(sched, now)
			if err != nil {
				s.logger.Error("invalid schedule, disabling",
					"flow_id", flow.ID,
					"error", err,
				)
				sched.Enabled = false
				sched.NextDueAt = nil
			} else {
				sched.NextDueAt = &next
			}
		}

		if err := s.schedules.Upsert(ctx, sched); err != nil {
			return fmt.Errorf("upsert schedule of flow %s: %w", flow.ID, err)
		}
		s.logger.Info("schedule synced",
			"flow_id", flow.ID,
			"enabled", sched.Enabled,
			"next_due_at", sched.NextDueAt,
		)
	}
	return nil
}

// fire записывает schedule-события для аудитории и сдвигает next_due_at.
// Возвращает число созданных (не дублирующих) событий.
//
// Ключ события "{flow_id}_{due_unix}_{contact_id}": повторный запуск
// того же срабатывания после сбоя не создаёт дублей.
func (s *Scheduler) fire(ctx context.Context, sched *domain.FlowSchedule, now time.Time) (int, error) {
	flow, err := s.flows.GetByID(ctx, sched.CompanyID, sched.FlowID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("flow not found for schedule, disabling", "flow_id", sched.FlowID)
		return 0, s.disable(ctx, sched, now)
	}
	if err != nil {
		return 0, fmt.Errorf("get flow: %w", err)
	}
	if !flow.IsActive || flow.TriggerType != domain.TriggerSchedule || flow.TriggerConfig.Schedule == nil {
		return 0, s.disable(ctx, sched, now)
	}

	contacts, err := s.contacts(ctx, flow)
	if err != nil {
		return 0, err
	}

	dueUnix := sched.NextDueAt.Unix()
	created := 0
	for _, contactID := range contacts {
		key := fmt.Sprintf("%s_%d_%s", flow.ID, dueUnix, contactID)
		ev := domain.NewInboundEvent(domain.Event{
			Type:      domain.EventSchedule,
			CompanyID: flow.CompanyID,
			FlowID:    &flow.ID,
			ContactID: &contactID,
		}, key, now)

		stored, isNew, err := s.events.Record(ctx, ev)
		if err != nil {
			return created, fmt.Errorf("record schedule event: %w", err)
		}
		if !isNew {
			continue
		}
		created++

		if s.publisher != nil {
			if err := s.publisher.PublishEventPending(ctx, stored); err != nil {
				// Событие уже записано, его подхватит polling
				s.logger.Warn("failed to publish event.pending",
					"event_id", stored.ID,
					"error", err,
				)
			}
		}
	}

	next, err := CalculateNextDue(sched, now)
	if err != nil {
		s.logger.Error("failed to calculate next due, disabling schedule",
			"flow_id", flow.ID,
			"error", err,
		)
		return created, s.disable(ctx, sched, now)
	}

	sched.RecordFire(now, created, next)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return created, fmt.Errorf("update schedule: %w", err)
	}

	telemetry.ScheduleFires.Inc()
	s.logger.Info("schedule fired",
		"flow_id", flow.ID,
		"company_id", flow.CompanyID,
		"audience", len(contacts),
		"events_created", created,
		"next_due_at", next,
	)
	return created, nil
}

// contacts собирает аудиторию: ContactIDs и контакты с тегом, без повторов.
func (s *Scheduler) contacts(ctx context.Context, flow *domain.Flow) ([]uuid.UUID, error) {
	spec := flow.TriggerConfig.Schedule

	seen := make(map[uuid.UUID]bool, len(spec.ContactIDs))
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range spec.ContactIDs {
		add(id)
	}

	if spec.Tag != "" {
		if s.audience == nil {
			s.logger.Warn("schedule tag ignored, crm not configured", "flow_id", flow.ID, "tag", spec.Tag)
			return ids, nil
		}
		tagged, err := s.audience.ListContactsByTag(ctx, flow.CompanyID, spec.Tag)
		if err != nil {
			return nil, fmt.Errorf("list contacts by tag %q: %w", spec.Tag, err)
		}
		for _, c := range tagged {
			if c.CompanyID != flow.CompanyID {
				telemetry.Security(ctx, s.logger, "crm returned foreign contact for tag",
					"company_id", flow.CompanyID,
					"contact_id", c.ID,
				)
				continue
			}
			add(c.ID)
		}
	}
	return ids, nil
}

func (s *Scheduler) disable(ctx context.Context, sched *domain.FlowSchedule, now time.Time) error {
	sched.Enabled = false
	sched.NextDueAt = nil
	sched.UpdatedAt = now
	if err := s.schedules.Update(ctx, sched); err != nil {
		return fmt.Errorf("disable schedule: %w", err)
	}
	return nil
}
