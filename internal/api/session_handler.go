package api

import (
	"errors"
	"net/http"

	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

// ListSessions возвращает сессии коннектора компании.
// GET /api/v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := h.sessions.List(ctx, CompanyID(ctx))
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	now := h.now()
	for i := range sessions {
		sessions[i].Expire(now)
	}
	if sessions == nil {
		sessions = []domain.ConnectorSession{}
	}
	List(w, sessions, len(sessions))
}

// GetSession возвращает сессию инстанса.
// GET /api/v1/sessions/{instance}
//
// Просроченный QR-код переводит сессию в error при чтении.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.sessions.Get(ctx, CompanyID(ctx), r.PathValue("instance"))
	if HandleRepoError(w, h.logger, err, "session not found") {
		return
	}

	if session.Expire(h.now()) {
		if err := h.sessions.Save(ctx, session); HandleRepoError(w, h.logger, err, "") {
			return
		}
	}
	Success(w, session)
}

// UpdateSessionStatus применяет переход статуса от коннектора.
// POST /api/v1/sessions/{instance}/status
//
// Недопустимый переход — 422, сессия не меняется.
func (h *Handler) UpdateSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)
	instance := r.PathValue("instance")
	if instance == "" {
		BadRequest(w, "instance is required")
		return
	}

	var req SessionStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if !req.Status.Valid() {
		BadRequest(w, "invalid status")
		return
	}

	now := h.now()
	session, err := h.sessions.Get(ctx, companyID, instance)
	if errors.Is(err, repo.ErrNotFound) {
		session = domain.NewConnectorSession(companyID, instance, now)
	} else if HandleRepoError(w, h.logger, err, "") {
		return
	}

	session.Expire(now)
	from := session.Status
	if err := session.Transition(req.Status, req.Detail, now); err != nil {
		Error(w, ErrCodeInvalidTransition, err.Error())
		return
	}
	if err := h.sessions.Save(ctx, session); HandleRepoError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("connector session transition",
		"company_id", companyID,
		"instance", instance,
		"from", from,
		"to", session.Status,
		"retry_count", session.RetryCount,
	)
	Success(w, session)
}
