package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/telemetry"
)

// HeaderIdempotencyKey — заголовок с ключом идемпотентности webhook-а.
const HeaderIdempotencyKey = "Idempotency-Key"

// ReceiveWebhook принимает входящее событие.
// POST /api/v1/webhooks/{type}
//
// Событие записывается в inbound_events до ответа; обработка идёт
// асинхронно в orchestrator. Новое событие — 202, повтор с тем же
// ключом идемпотентности — 200 с исходной записью.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := CompanyID(ctx)
	logger := telemetry.FromContext(ctx)

	evType := domain.EventType(r.PathValue("type"))
	if !evType.Valid() || evType == domain.EventSchedule {
		telemetry.EventsReceived.WithLabelValues("unknown", "invalid").Inc()
		Error(w, ErrCodeUnknownEventType, "unknown webhook type "+string(evType))
		return
	}

	// Отправители добавляют свои поля, поэтому неизвестные поля не ошибка
	var req WebhookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		telemetry.EventsReceived.WithLabelValues(string(evType), "invalid").Inc()
		BadRequest(w, "invalid request body")
		return
	}

	if req.CompanyID != uuid.Nil && req.CompanyID != companyID {
		telemetry.EventsReceived.WithLabelValues(string(evType), "invalid").Inc()
		telemetry.Security(ctx, logger, "webhook company mismatch",
			"header_company_id", companyID,
			"body_company_id", req.CompanyID,
		)
		Error(w, ErrCodeTenantMismatch, "company_id does not match "+HeaderCompanyID)
		return
	}

	ev := req.Event
	ev.Type = evType
	ev.CompanyID = companyID
	if ev.StageID == nil {
		ev.StageID = req.ToStageID
	}
	ev.Phone = domain.NormalizePhone(ev.Phone)
	if err := ev.Validate(); err != nil {
		telemetry.EventsReceived.WithLabelValues(string(evType), "invalid").Inc()
		Error(w, ErrCodeInvalidEvent, err.Error())
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get(HeaderIdempotencyKey)
	}

	stored, created, err := h.events.Record(ctx, domain.NewInboundEvent(ev, key, h.now()))
	if err != nil {
		InternalError(w, logger, err)
		return
	}

	if !created {
		telemetry.EventsReceived.WithLabelValues(string(evType), "duplicate").Inc()
		logger.Debug("duplicate webhook", "event_id", stored.ID, "idempotency_key", key)
		Success(w, EventFromDomain(stored))
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishEventPending(ctx, stored); err != nil {
			// Событие уже записано, его подхватит polling
			logger.Warn("failed to publish event.pending", "event_id", stored.ID, "error", err)
		}
	}

	telemetry.EventsReceived.WithLabelValues(string(evType), "accepted").Inc()
	logger.Info("webhook accepted", "event_id", stored.ID, "type", evType)
	Accepted(w, EventFromDomain(stored))
}

// GetEvent возвращает inbound-событие.
// GET /api/v1/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid event id")
		return
	}

	ev, err := h.events.GetByID(r.Context(), CompanyID(r.Context()), id)
	if HandleRepoError(w, h.logger, err, "event not found") {
		return
	}
	Success(w, EventFromDomain(ev))
}
