package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

// FlowRepo — in-memory реализация repo.FlowStore.
type FlowRepo struct {
	mu    sync.RWMutex
	flows map[uuid.UUID]domain.Flow
	nodes map[uuid.UUID][]domain.Node
	edges map[uuid.UUID][]domain.Edge
}

// NewFlowRepo создаёт пустой FlowRepo.
func NewFlowRepo() *FlowRepo {
	return &FlowRepo{
		flows: make(map[uuid.UUID]domain.Flow),
		nodes: make(map[uuid.UUID][]domain.Node),
		edges: make(map[uuid.UUID][]domain.Edge),
	}
}

// Create создаёт flow.
func (r *FlowRepo) Create(_ context.Context, flow *domain.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[flow.ID]; exists {
		return repo.ErrAlreadyExists
	}
	r.flows[flow.ID] = clone(*flow)
	return nil
}

// GetByID возвращает flow компании.
func (r *FlowRepo) GetByID(_ context.Context, companyID, id uuid.UUID) (*domain.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flow, ok := r.flows[id]
	if !ok || flow.CompanyID != companyID {
		return nil, repo.ErrNotFound
	}
	out := clone(flow)
	return &out, nil
}

// List возвращает flows компании.
func (r *FlowRepo) List(_ context.Context, companyID uuid.UUID) ([]domain.Flow, error) {
	return r.filter(func(f *domain.Flow) bool { return f.CompanyID == companyID }), nil
}

// ListActiveByTrigger возвращает активные flows компании с данным триггером.
func (r *FlowRepo) ListActiveByTrigger(_ context.Context, companyID uuid.UUID, trigger domain.TriggerType) ([]domain.Flow, error) {
	return r.filter(func(f *domain.Flow) bool {
		return f.CompanyID == companyID && f.TriggerType == trigger && f.IsActive
	}), nil
}

// ListByTrigger возвращает flows всех компаний с данным триггером.
func (r *FlowRepo) ListByTrigger(_ context.Context, trigger domain.TriggerType) ([]domain.Flow, error) {
	return r.filter(func(f *domain.Flow) bool { return f.TriggerType == trigger }), nil
}

// Update обновляет flow.
func (r *FlowRepo) Update(_ context.Context, flow *domain.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.flows[flow.ID]
	if !ok || existing.CompanyID != flow.CompanyID {
		return repo.ErrNotFound
	}
	updated := clone(*flow)
	updated.CreatedAt = existing.CreatedAt
	r.flows[flow.ID] = updated
	return nil
}

// SetActive включает/выключает flow.
func (r *FlowRepo) SetActive(_ context.Context, companyID, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[id]
	if !ok || flow.CompanyID != companyID {
		return repo.ErrNotFound
	}
	flow.IsActive = active
	r.flows[id] = flow
	return nil
}

// Delete удаляет flow и его граф.
func (r *FlowRepo) Delete(_ context.Context, companyID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[id]
	if !ok || flow.CompanyID != companyID {
		return repo.ErrNotFound
	}
	delete(r.flows, id)
	delete(r.nodes, id)
	delete(r.edges, id)
	return nil
}

// SaveGraph заменяет граф flow.
func (r *FlowRepo) SaveGraph(_ context.Context, companyID, flowID uuid.UUID, nodes []domain.Node, edges []domain.Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[flowID]
	if !ok || flow.CompanyID != companyID {
		return repo.ErrNotFound
	}

	storedNodes := make([]domain.Node, len(nodes))
	for i, n := range nodes {
		n.FlowID = flowID
		storedNodes[i] = clone(n)
	}
	storedEdges := make([]domain.Edge, len(edges))
	for i, e := range edges {
		e.FlowID = flowID
		storedEdges[i] = e
	}

	r.nodes[flowID] = storedNodes
	r.edges[flowID] = storedEdges
	return nil
}

// LoadGraph возвращает граф flow компании.
func (r *FlowRepo) LoadGraph(_ context.Context, companyID, flowID uuid.UUID) ([]domain.Node, []domain.Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flow, ok := r.flows[flowID]
	if !ok || flow.CompanyID != companyID {
		return nil, nil, repo.ErrNotFound
	}

	nodes := make([]domain.Node, len(r.nodes[flowID]))
	for i, n := range r.nodes[flowID] {
		nodes[i] = clone(n)
	}
	edges := append([]domain.Edge(nil), r.edges[flowID]...)
	return nodes, edges, nil
}

func (r *FlowRepo) filter(keep func(*domain.Flow) bool) []domain.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Flow
	for _, f := range r.flows {
		if keep(&f) {
			result = append(result, clone(f))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

var _ repo.FlowStore = (*FlowRepo)(nil)
