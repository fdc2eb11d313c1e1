package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

// Интерфейсы хранилищ.
//
// Postgres-реализации лежат в этом пакете, in-memory — в repo/memory.
// Все методы, кроме системных (ListDue, ListPending, ListByTrigger, OwnerOf),
// фильтруют данные по company_id: запись другой компании неотличима
// от отсутствующей (ErrNotFound).

// FlowStore — flows и их графы.
type FlowStore interface {
	Create(ctx context.Context, flow *domain.Flow) error
	GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.Flow, error)
	List(ctx context.Context, companyID uuid.UUID) ([]domain.Flow, error)

	// ListActiveByTrigger возвращает активные flows компании с данным триггером.
	ListActiveByTrigger(ctx context.Context, companyID uuid.UUID, trigger domain.TriggerType) ([]domain.Flow, error)

	// ListByTrigger возвращает flows всех компаний с данным триггером.
	// Используется планировщиком.
	ListByTrigger(ctx context.Context, trigger domain.TriggerType) ([]domain.Flow, error)

	Update(ctx context.Context, flow *domain.Flow) error
	SetActive(ctx context.Context, companyID, id uuid.UUID, active bool) error
	Delete(ctx context.Context, companyID, id uuid.UUID) error

	// SaveGraph атомарно заменяет узлы и рёбра flow.
	SaveGraph(ctx context.Context, companyID, flowID uuid.UUID, nodes []domain.Node, edges []domain.Edge) error

	// LoadGraph возвращает узлы и рёбра flow.
	LoadGraph(ctx context.Context, companyID, flowID uuid.UUID) ([]domain.Node, []domain.Edge, error)
}

// ExecutionStore — состояние executions.
type ExecutionStore interface {
	// Create атомарно создаёт execution, если для (flow, contact) нет активного
	// и нет execution, уже запущенного тем же событием (TriggerEventID).
	// Иначе возвращает существующий execution и ErrAlreadyExists.
	Create(ctx context.Context, exec *domain.Execution) (*domain.Execution, error)

	GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.Execution, error)

	// GetByTrigger возвращает execution flow для контакта, запущенный событием
	// eventID, в любом статусе.
	GetByTrigger(ctx context.Context, companyID, flowID, contactID, eventID uuid.UUID) (*domain.Execution, error)

	// OwnerOf возвращает company_id execution без фильтра по компании.
	// Нужен только чтобы отличить чужой execution от отсутствующего.
	OwnerOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error)

	// GetActive возвращает running/waiting execution для (flow, contact).
	GetActive(ctx context.Context, companyID, flowID, contactID uuid.UUID) (*domain.Execution, error)

	// Save сохраняет execution, если его версия не менялась с момента чтения.
	// При успехе exec.Version увеличивается; при гонке — ErrConflict.
	Save(ctx context.Context, exec *domain.Execution) error

	// ListDue возвращает executions, которые пора продолжить (см. Execution.IsDue).
	ListDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Execution, error)

	// ListAwaitingReply возвращает executions компании, ждущие ответа контакта.
	// Контакт ищется по ID или, если он nil, по нормализованному телефону.
	ListAwaitingReply(ctx context.Context, companyID uuid.UUID, contactID *uuid.UUID, phone string) ([]domain.Execution, error)

	List(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)

	// CountByFlow возвращает счётчики executions по flows компании.
	CountByFlow(ctx context.Context, companyID uuid.UUID) (map[uuid.UUID]ExecutionCounts, error)
}

// EventStore — журнал входящих событий.
type EventStore interface {
	// Record записывает событие. Если событие с тем же idempotency_key
	// у компании уже есть, возвращает его и created=false.
	Record(ctx context.Context, ev *domain.InboundEvent) (stored *domain.InboundEvent, created bool, err error)

	GetByID(ctx context.Context, companyID, id uuid.UUID) (*domain.InboundEvent, error)

	// ListPending возвращает PENDING события, созданные не позже before.
	ListPending(ctx context.Context, before time.Time, limit int) ([]domain.InboundEvent, error)

	Update(ctx context.Context, ev *domain.InboundEvent) error
}

// ScheduleStore — состояние расписаний schedule-flows.
type ScheduleStore interface {
	// Upsert создаёт или обновляет расписание flow (уникально по flow_id).
	Upsert(ctx context.Context, s *domain.FlowSchedule) error
	GetByFlowID(ctx context.Context, flowID uuid.UUID) (*domain.FlowSchedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.FlowSchedule, error)
	List(ctx context.Context) ([]domain.FlowSchedule, error)
	Update(ctx context.Context, s *domain.FlowSchedule) error
}

// SessionStore — сессии WhatsApp-коннектора.
type SessionStore interface {
	Get(ctx context.Context, companyID uuid.UUID, instance string) (*domain.ConnectorSession, error)
	Save(ctx context.Context, s *domain.ConnectorSession) error
	List(ctx context.Context, companyID uuid.UUID) ([]domain.ConnectorSession, error)
}

// ExecutionFilter — параметры фильтрации executions.
type ExecutionFilter struct {
	CompanyID uuid.UUID
	FlowID    *uuid.UUID
	ContactID *uuid.UUID
	Status    domain.ExecutionStatus
	Limit     int
	Offset    int
}

// ExecutionCounts — счётчики executions одного flow.
type ExecutionCounts struct {
	Running   int `json:"running"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	// LastFailedAt — время последнего падения.
	LastFailedAt *time.Time `json:"last_failed_at,omitempty"`

	// LastStatus — статус последнего запущенного execution.
	LastStatus domain.ExecutionStatus `json:"last_status,omitempty"`

	// LastError — ошибка последнего execution, если он упал.
	LastError string `json:"last_error,omitempty"`
}

// Stopped возвращает true, если последний execution flow упал.
// В списке flows это отображается как "flow stopped".
func (c ExecutionCounts) Stopped() bool {
	return c.LastStatus == domain.ExecutionFailed
}

// Add увеличивает счётчик для статуса.
func (c *ExecutionCounts) Add(status domain.ExecutionStatus, n int) {
	switch status {
	case domain.ExecutionRunning:
		c.Running += n
	case domain.ExecutionWaiting:
		c.Waiting += n
	case domain.ExecutionCompleted:
		c.Completed += n
	case domain.ExecutionFailed:
		c.Failed += n
	}
}

var (
	_ FlowStore      = (*FlowRepo)(nil)
	_ ExecutionStore = (*ExecutionRepo)(nil)
	_ EventStore     = (*EventRepo)(nil)
	_ ScheduleStore  = (*ScheduleRepo)(nil)
	_ SessionStore   = (*SessionRepo)(nil)
)
