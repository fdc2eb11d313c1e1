package api

import (
	"net/http"
)

// ListSchedules возвращает состояние schedule-триггеров компании.
// GET /api/v1/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	companyID := CompanyID(r.Context())
	result := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		if s.CompanyID == companyID {
			result = append(result, ScheduleFromDomain(s))
		}
	}

	List(w, result, len(result))
}
