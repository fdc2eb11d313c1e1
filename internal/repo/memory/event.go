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

type eventKey struct {
	companyID uuid.UUID
	key       string
}

// EventRepo — in-memory реализация repo.EventStore.
type EventRepo struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*domain.InboundEvent
	keys   map[eventKey]uuid.UUID
}

// NewEventRepo создаёт пустой EventRepo.
func NewEventRepo() *EventRepo {
	return &EventRepo{
		events: make(map[uuid.UUID]*domain.InboundEvent),
		keys:   make(map[eventKey]uuid.UUID),
	}
}

// Record записывает событие; дубликат по idempotency_key возвращает оригинал.
func (r *EventRepo) Record(_ context.Context, ev *domain.InboundEvent) (*domain.InboundEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.IdempotencyKey != "" {
		k := eventKey{companyID: ev.CompanyID, key: ev.IdempotencyKey}
		if id, ok := r.keys[k]; ok {
			return clone(r.events[id]), false, nil
		}
		r.keys[k] = ev.ID
	}
	r.events[ev.ID] = clone(ev)
	return ev, true, nil
}

// GetByID возвращает событие компании.
func (r *EventRepo) GetByID(_ context.Context, companyID, id uuid.UUID) (*domain.InboundEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev, ok := r.events[id]
	if !ok || ev.CompanyID != companyID {
		return nil, repo.ErrNotFound
	}
	return clone(ev), nil
}

// ListPending возвращает PENDING события, созданные не позже before.
func (r *EventRepo) ListPending(_ context.Context, before time.Time, limit int) ([]domain.InboundEvent, error) {
	r.mu.RLock()
	var result []domain.InboundEvent
	for _, ev := range r.events {
		if ev.Status == domain.EventStatusPending && !ev.CreatedAt.After(before) {
			result = append(result, *clone(ev))
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return page(result, limit, 0), nil
}

// Update обновляет статус обработки события.
func (r *EventRepo) Update(_ context.Context, ev *domain.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.events[ev.ID]
	if !ok || stored.CompanyID != ev.CompanyID {
		return repo.ErrNotFound
	}
	stored.Status = ev.Status
	stored.Attempts = ev.Attempts
	stored.Error = ev.Error
	stored.ProcessedAt = ev.ProcessedAt
	return nil
}

var _ repo.EventStore = (*EventRepo)(nil)
