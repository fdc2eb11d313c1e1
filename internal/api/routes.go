package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		CompanyScope(h.logger),
	)

	// Webhooks и события
	mux.Handle("POST /api/v1/webhooks/{type}", chain(http.HandlerFunc(h.ReceiveWebhook)))
	mux.Handle("GET /api/v1/events/{id}", chain(http.HandlerFunc(h.GetEvent)))

	// Flows
	mux.Handle("GET /api/v1/flows", chain(http.HandlerFunc(h.ListFlows)))
	mux.Handle("POST /api/v1/flows", chain(http.HandlerFunc(h.CreateFlow)))
	mux.Handle("GET /api/v1/flows/{id}", chain(http.HandlerFunc(h.GetFlow)))
	mux.Handle("PUT /api/v1/flows/{id}", chain(http.HandlerFunc(h.UpdateFlow)))
	mux.Handle("DELETE /api/v1/flows/{id}", chain(http.HandlerFunc(h.DeleteFlow)))
	mux.Handle("PUT /api/v1/flows/{id}/active", chain(http.HandlerFunc(h.SetFlowActive)))

	// Executions
	mux.Handle("GET /api/v1/executions", chain(http.HandlerFunc(h.ListExecutions)))
	mux.Handle("GET /api/v1/executions/{id}", chain(http.HandlerFunc(h.GetExecution)))

	// Schedules
	mux.Handle("GET /api/v1/schedules", chain(http.HandlerFunc(h.ListSchedules)))

	// Sessions
	mux.Handle("GET /api/v1/sessions", chain(http.HandlerFunc(h.ListSessions)))
	mux.Handle("GET /api/v1/sessions/{instance}", chain(http.HandlerFunc(h.GetSession)))
	mux.Handle("POST /api/v1/sessions/{instance}/status", chain(http.HandlerFunc(h.UpdateSessionStatus)))
}
