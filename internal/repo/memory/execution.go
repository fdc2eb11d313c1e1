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

type activeKey struct {
	flowID    uuid.UUID
	contactID uuid.UUID
}

type triggerKey struct {
	flowID    uuid.UUID
	contactID uuid.UUID
	eventID   uuid.UUID
}

// ExecutionRepo — in-memory реализация repo.ExecutionStore.
//
// Индексы повторяют уникальные индексы Postgres:
//   - active: не больше одного running/waiting execution на пару (flow, contact);
//   - triggers: одно событие запускает flow для контакта не больше одного раза.
type ExecutionRepo struct {
	mu       sync.RWMutex
	execs    map[uuid.UUID]*domain.Execution
	active   map[activeKey]uuid.UUID
	triggers map[triggerKey]uuid.UUID
}

// NewExecutionRepo создаёт пустой ExecutionRepo.
func NewExecutionRepo() *ExecutionRepo {
	return &ExecutionRepo{
		execs:    make(map[uuid.UUID]*domain.Execution),
		active:   make(map[activeKey]uuid.UUID),
		triggers: make(map[triggerKey]uuid.UUID),
	}
}

func triggerKeyOf(e *domain.Execution) (triggerKey, bool) {
	if e.TriggerEventID == nil {
		return triggerKey{}, false
	}
	return triggerKey{flowID: e.FlowID, contactID: e.ContactID, eventID: *e.TriggerEventID}, true
}

// Create создаёт execution, если для (flow, contact) нет активного
// и событие ещё не запускало этот flow для контакта.
func (r *ExecutionRepo) Create(_ context.Context, exec *domain.Execution) (*domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tkey, hasTrigger := triggerKeyOf(exec)
	if hasTrigger {
		if id, ok := r.triggers[tkey]; ok {
			return clone(r.execs[id]), repo.ErrAlreadyExists
		}
	}
	key := activeKey{flowID: exec.FlowID, contactID: exec.ContactID}
	if id, ok := r.active[key]; ok {
		return clone(r.execs[id]), repo.ErrAlreadyExists
	}
	if _, exists := r.execs[exec.ID]; exists {
		return nil, repo.ErrAlreadyExists
	}

	r.execs[exec.ID] = clone(exec)
	if exec.Status.IsActive() {
		r.active[key] = exec.ID
	}
	if hasTrigger {
		r.triggers[tkey] = exec.ID
	}
	return exec, nil
}

// GetByTrigger возвращает execution, запущенный событием eventID.
func (r *ExecutionRepo) GetByTrigger(_ context.Context, companyID, flowID, contactID, eventID uuid.UUID) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.triggers[triggerKey{flowID: flowID, contactID: contactID, eventID: eventID}]
	if !ok || r.execs[id].CompanyID != companyID {
		return nil, repo.ErrNotFound
	}
	return clone(r.execs[id]), nil
}

// OwnerOf возвращает компанию execution.
func (r *ExecutionRepo) OwnerOf(_ context.Context, id uuid.UUID) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.execs[id]
	if !ok {
		return uuid.Nil, repo.ErrNotFound
	}
	return exec.CompanyID, nil
}

// GetByID возвращает execution компании.
func (r *ExecutionRepo) GetByID(_ context.Context, companyID, id uuid.UUID) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.execs[id]
	if !ok || exec.CompanyID != companyID {
		return nil, repo.ErrNotFound
	}
	return clone(exec), nil
}

// GetActive возвращает активный execution для (flow, contact).
func (r *ExecutionRepo) GetActive(_ context.Context, companyID, flowID, contactID uuid.UUID) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[activeKey{flowID: flowID, contactID: contactID}]
	if !ok || r.execs[id].CompanyID != companyID {
		return nil, repo.ErrNotFound
	}
	return clone(r.execs[id]), nil
}

// Save сохраняет execution с проверкой версии.
func (r *ExecutionRepo) Save(_ context.Context, exec *domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.execs[exec.ID]
	if !ok || stored.CompanyID != exec.CompanyID {
		return repo.ErrNotFound
	}
	if stored.Version != exec.Version {
		return repo.ErrConflict
	}

	exec.Version++
	updated := clone(exec)
	// Неизменяемые колонки
	updated.FlowID = stored.FlowID
	updated.ContactID = stored.ContactID
	updated.StartedAt = stored.StartedAt
	updated.TriggerEventID = stored.TriggerEventID
	r.execs[exec.ID] = updated

	key := activeKey{flowID: updated.FlowID, contactID: updated.ContactID}
	if updated.Status.IsActive() {
		r.active[key] = updated.ID
	} else if r.active[key] == updated.ID {
		delete(r.active, key)
	}
	return nil
}

// ListDue возвращает executions, которые пора продолжить.
func (r *ExecutionRepo) ListDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Execution, error) {
	result := r.filter(func(e *domain.Execution) bool { return e.IsDue(now, lease) })
	sort.Slice(result, func(i, j int) bool {
		return dueAt(&result[i]).Before(dueAt(&result[j]))
	})
	return page(result, limit, 0), nil
}

func dueAt(e *domain.Execution) time.Time {
	if e.NextActionAt != nil {
		return *e.NextActionAt
	}
	return e.UpdatedAt
}

// ListAwaitingReply возвращает executions, ждущие ответа контакта.
func (r *ExecutionRepo) ListAwaitingReply(_ context.Context, companyID uuid.UUID, contactID *uuid.UUID, phone string) ([]domain.Execution, error) {
	phone = domain.NormalizePhone(phone)
	if contactID == nil && phone == "" {
		return nil, nil
	}

	result := r.filter(func(e *domain.Execution) bool {
		if e.CompanyID != companyID || !e.IsAwaitingReply() {
			return false
		}
		if contactID != nil {
			return e.ContactID == *contactID
		}
		return e.Phone == phone
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// List возвращает executions с фильтрацией.
func (r *ExecutionRepo) List(_ context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	result := r.filter(func(e *domain.Execution) bool {
		if e.CompanyID != filter.CompanyID {
			return false
		}
		if filter.FlowID != nil && e.FlowID != *filter.FlowID {
			return false
		}
		if filter.ContactID != nil && e.ContactID != *filter.ContactID {
			return false
		}
		return filter.Status == "" || e.Status == filter.Status
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return page(result, limit, filter.Offset), nil
}

// CountByFlow возвращает счётчики executions по flows компании.
func (r *ExecutionRepo) CountByFlow(_ context.Context, companyID uuid.UUID) (map[uuid.UUID]repo.ExecutionCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[uuid.UUID]repo.ExecutionCounts)
	latest := make(map[uuid.UUID]*domain.Execution)
	for _, e := range r.execs {
		if e.CompanyID != companyID {
			continue
		}
		c := result[e.FlowID]
		c.Add(e.Status, 1)
		if e.Status == domain.ExecutionFailed && e.FinishedAt != nil {
			if c.LastFailedAt == nil || e.FinishedAt.After(*c.LastFailedAt) {
				finished := *e.FinishedAt
				c.LastFailedAt = &finished
			}
		}
		result[e.FlowID] = c

		if l := latest[e.FlowID]; l == nil || e.StartedAt.After(l.StartedAt) {
			latest[e.FlowID] = e
		}
	}

	for flowID, e := range latest {
		c := result[flowID]
		c.LastStatus = e.Status
		if e.Status == domain.ExecutionFailed {
			c.LastError = e.LastError
		}
		result[flowID] = c
	}
	return result, nil
}

func (r *ExecutionRepo) filter(keep func(*domain.Execution) bool) []domain.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Execution
	for _, e := range r.execs {
		if keep(e) {
			result = append(result, *clone(e))
		}
	}
	return result
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ repo.ExecutionStore = (*ExecutionRepo)(nil)
