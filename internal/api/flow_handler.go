package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/scheduler"
)

// errInvalidFlow — flow не прошёл валидацию.
var errInvalidFlow = errors.New("invalid flow")

// ListFlows возвращает flows компании со счётчиками executions.
// GET /api/v1/flows
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)

	flows, err := h.flows.List(ctx, companyID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	counts, err := h.executions.CountByFlow(ctx, companyID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowResponse, len(flows))
	for i, f := range flows {
		result[i] = FlowFromDomain(f, counts[f.ID])
	}

	List(w, result, len(result))
}

// CreateFlow импортирует flow вместе с графом.
// POST /api/v1/flows
func (h *Handler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)

	var req FlowRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, err.Error())
		return
	}

	now := h.now()
	flow := &domain.Flow{
		ID:        uuid.New(),
		CompanyID: companyID,
		CreatedAt: now,
	}
	nodes, edges, err := applyFlowRequest(flow, req, now)
	if err != nil {
		Error(w, ErrCodeInvalidFlow, err.Error())
		return
	}

	// Flow включается только после записи графа
	active := flow.IsActive
	flow.IsActive = false
	if err := h.flows.Create(ctx, flow); HandleRepoError(w, h.logger, err, "") {
		return
	}
	if err := h.flows.SaveGraph(ctx, companyID, flow.ID, nodes, edges); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	if active {
		if err := h.flows.SetActive(ctx, companyID, flow.ID, true); HandleRepoError(w, h.logger, err, "flow not found") {
			return
		}
		flow.IsActive = true
	}

	h.logger.Info("flow imported",
		"flow_id", flow.ID,
		"company_id", companyID,
		"trigger", flow.TriggerType,
		"nodes", len(nodes),
	)
	Created(w, FlowDetailResponse{
		FlowResponse: FlowFromDomain(*flow, repo.ExecutionCounts{}),
		Nodes:        nodes,
		Edges:        edges,
	})
}

// GetFlow возвращает flow с графом и счётчиками.
// GET /api/v1/flows/{id}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid flow id")
		return
	}

	flow, err := h.flows.GetByID(ctx, companyID, id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	nodes, edges, err := h.flows.LoadGraph(ctx, companyID, id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	counts, err := h.executions.CountByFlow(ctx, companyID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	Success(w, FlowDetailResponse{
		FlowResponse: FlowFromDomain(*flow, counts[id]),
		Nodes:        nodes,
		Edges:        edges,
	})
}

// UpdateFlow заменяет определение и граф flow.
// PUT /api/v1/flows/{id}
//
// Запущенные executions продолжают работу на новом графе;
// если их текущего узла больше нет, они завершатся с ошибкой.
func (h *Handler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid flow id")
		return
	}

	var req FlowRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, err.Error())
		return
	}

	flow, err := h.flows.GetByID(ctx, companyID, id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	now := h.now()
	nodes, edges, err := applyFlowRequest(flow, req, now)
	if err != nil {
		Error(w, ErrCodeInvalidFlow, err.Error())
		return
	}

	if err := h.flows.SaveGraph(ctx, companyID, id, nodes, edges); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	if err := h.flows.Update(ctx, flow); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	h.invalidate(ctx, companyID, id)

	counts, err := h.executions.CountByFlow(ctx, companyID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("flow updated", "flow_id", id, "company_id", companyID, "nodes", len(nodes))
	Success(w, FlowDetailResponse{
		FlowResponse: FlowFromDomain(*flow, counts[id]),
		Nodes:        nodes,
		Edges:        edges,
	})
}

// SetFlowActive включает или выключает flow.
// PUT /api/v1/flows/{id}/active
//
// Выключение не отменяет running/waiting executions.
func (h *Handler) SetFlowActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid flow id")
		return
	}

	var req SetActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if req.IsActive == nil {
		BadRequest(w, "is_active is required")
		return
	}

	if err := h.flows.SetActive(ctx, companyID, id, *req.IsActive); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	h.invalidate(ctx, companyID, id)

	flow, err := h.flows.GetByID(ctx, companyID, id)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	counts, err := h.executions.CountByFlow(ctx, companyID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("flow activation changed", "flow_id", id, "is_active", *req.IsActive)
	Success(w, FlowFromDomain(*flow, counts[id]))
}

// DeleteFlow удаляет flow и его граф.
// DELETE /api/v1/flows/{id}
func (h *Handler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid flow id")
		return
	}

	if err := h.flows.Delete(ctx, companyID, id); HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}
	h.invalidate(ctx, companyID, id)

	h.logger.Info("flow deleted", "flow_id", id, "company_id", companyID)
	NoContent(w)
}

// applyFlowRequest переносит запрос в flow и проверяет граф.
//
// Узлы и рёбра привязываются к flow; рёбрам без ID назначается новый.
func applyFlowRequest(flow *domain.Flow, req FlowRequest, now time.Time) ([]domain.Node, []domain.Edge, error) {
	flow.Name = req.Name
	flow.IsActive = req.IsActive
	flow.TriggerType = req.TriggerType
	flow.TriggerConfig = req.TriggerConfig
	flow.UpdatedAt = now

	if err := flow.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidFlow, err)
	}
	if flow.TriggerType == domain.TriggerSchedule {
		if err := scheduler.ValidateSpec(flow.TriggerConfig.Schedule); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", errInvalidFlow, err)
		}
	}

	nodes := make([]domain.Node, len(req.Nodes))
	for i, n := range req.Nodes {
		if n.ID == uuid.Nil {
			return nil, nil, fmt.Errorf("%w: node %d has no id", errInvalidFlow, i)
		}
		n.FlowID = flow.ID
		nodes[i] = n
	}
	edges := make([]domain.Edge, len(req.Edges))
	for i, e := range req.Edges {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.FlowID = flow.ID
		edges[i] = e
	}

	if _, err := engine.NewGraph(flow, nodes, edges); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidFlow, err)
	}
	return nodes, edges, nil
}
