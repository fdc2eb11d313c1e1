package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/repo"
)

// Publisher публикует event.pending (см. mq.Publisher).
type Publisher interface {
	PublishEventPending(ctx context.Context, ev *domain.InboundEvent) error
}

// GraphInvalidator сбрасывает кэш графа flow (см. cache.Loader).
type GraphInvalidator interface {
	Invalidate(ctx context.Context, companyID, flowID uuid.UUID) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	flows      repo.FlowStore
	executions repo.ExecutionStore
	events     repo.EventStore
	schedules  repo.ScheduleStore
	sessions   repo.SessionStore
	publisher  Publisher
	graphs     GraphInvalidator
	now        func() time.Time
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Flows      repo.FlowStore
	Executions repo.ExecutionStore
	Events     repo.EventStore
	Schedules  repo.ScheduleStore
	Sessions   repo.SessionStore

	// Publisher — nil: события подхватит polling orchestrator.
	Publisher Publisher

	// Graphs — nil: кэш графов не используется.
	Graphs GraphInvalidator

	Now    func() time.Time
	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		flows:      cfg.Flows,
		executions: cfg.Executions,
		events:     cfg.Events,
		schedules:  cfg.Schedules,
		sessions:   cfg.Sessions,
		publisher:  cfg.Publisher,
		graphs:     cfg.Graphs,
		now:        now,
		logger:     logger,
	}
}

// invalidate сбрасывает кэш графа. Ошибка не фатальна: запись уже в БД,
// устаревший граф истечёт по TTL.
func (h *Handler) invalidate(ctx context.Context, companyID, flowID uuid.UUID) {
	if h.graphs == nil {
		return
	}
	if err := h.graphs.Invalidate(ctx, companyID, flowID); err != nil {
		h.logger.Warn("graph cache invalidation failed", "flow_id", flowID, "error", err)
	}
}
