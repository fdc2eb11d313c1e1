package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListExecutions возвращает executions компании с фильтрацией.
// GET /api/v1/executions?flow_id=...&contact_id=...&status=...&limit=...&offset=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ExecutionFilter{CompanyID: CompanyID(r.Context())}

	if raw := q.Get("flow_id"); raw != "" {
		flowID, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid flow_id")
			return
		}
		filter.FlowID = &flowID
	}

	if raw := q.Get("contact_id"); raw != "" {
		contactID, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid contact_id")
			return
		}
		filter.ContactID = &contactID
	}

	if raw := q.Get("status"); raw != "" {
		status := domain.ExecutionStatus(raw)
		if !status.IsTerminal() && !status.IsActive() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	filter.Limit = min(max(limit, 1), maxListLimit)

	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		BadRequest(w, err.Error())
		return
	}

	execs, err := h.executions.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]ExecutionResponse, len(execs))
	for i := range execs {
		result[i] = ExecutionFromDomain(&execs[i])
	}

	List(w, result, len(result))
}

// GetExecution возвращает execution.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.executions.GetByID(r.Context(), CompanyID(r.Context()), id)
	if HandleRepoError(w, h.logger, err, "execution not found") {
		return
	}
	Success(w, ExecutionFromDomain(exec))
}
