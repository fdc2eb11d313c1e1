package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

// ScheduleRepo — in-memory реализация repo.ScheduleStore.
type ScheduleRepo struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]domain.FlowSchedule // по flow_id
}

// NewScheduleRepo создаёт пустой ScheduleRepo.
func NewScheduleRepo() *ScheduleRepo {
	return &ScheduleRepo{schedules: make(map[uuid.UUID]domain.FlowSchedule)}
}

// Upsert создаёт или обновляет расписание flow.
func (r *ScheduleRepo) Upsert(_ context.Context, s *domain.FlowSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := clone(*s)
	if existing, ok := r.schedules[s.FlowID]; ok {
		s.ID = existing.ID
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		stored.LastFiredAt = existing.LastFiredAt
		stored.LastFiredCount = existing.LastFiredCount
	}
	r.schedules[s.FlowID] = stored
	return nil
}

// GetByFlowID возвращает расписание flow.
func (r *ScheduleRepo) GetByFlowID(_ context.Context, flowID uuid.UUID) (*domain.FlowSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schedules[flowID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := clone(s)
	return &out, nil
}

// ListDue возвращает расписания, готовые к запуску.
func (r *ScheduleRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.FlowSchedule, error) {
	result := r.filter(func(s *domain.FlowSchedule) bool { return s.IsDue(now) })
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextDueAt.Before(*result[j].NextDueAt)
	})
	return page(result, limit, 0), nil
}

// List возвращает все расписания.
func (r *ScheduleRepo) List(_ context.Context) ([]domain.FlowSchedule, error) {
	result := r.filter(func(*domain.FlowSchedule) bool { return true })
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Update обновляет расписание.
func (r *ScheduleRepo) Update(_ context.Context, s *domain.FlowSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.schedules[s.FlowID]
	if !ok || existing.ID != s.ID {
		return repo.ErrNotFound
	}
	r.schedules[s.FlowID] = clone(*s)
	return nil
}

func (r *ScheduleRepo) filter(keep func(*domain.FlowSchedule) bool) []domain.FlowSchedule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.FlowSchedule
	for _, s := range r.schedules {
		if keep(&s) {
			result = append(result, clone(s))
		}
	}
	return result
}

var _ repo.ScheduleStore = (*ScheduleRepo)(nil)
