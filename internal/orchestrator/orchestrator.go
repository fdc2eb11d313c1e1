package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/mq"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/telemetry"
	"github.com/shaiso/Funnel/internal/trigger"
)

// Default configuration values.
const (
	defaultPollInterval   = 10 * time.Second
	defaultResumeInterval = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRunningLease   = 30 * time.Second
	defaultMaxSteps       = 500
	defaultPrefetch       = 10
)

// GraphLoader загружает проверенный граф flow (см. cache.Loader).
type GraphLoader interface {
	Load(ctx context.Context, companyID, flowID uuid.UUID) (*engine.Graph, error)
}

// Stepper выполняет один узел графа (см. engine.Interpreter).
type Stepper interface {
	Step(ctx context.Context, in engine.StepInput) (engine.StepResult, error)
}

// Contacts — чтение контактов CRM.
//
// Реализация обязана проверять, что контакт принадлежит компании,
// и возвращать ErrTenantViolation иначе.
type Contacts interface {
	GetContact(ctx context.Context, companyID, contactID uuid.UUID) (*domain.Contact, error)
	ResolveLeadContact(ctx context.Context, companyID, leadID uuid.UUID) (*domain.Contact, error)
	FindContactByPhone(ctx context.Context, companyID uuid.UUID, phone string) (*domain.Contact, error)
}

// Orchestrator обрабатывает события и выполняет executions.
type Orchestrator struct {
	flows       repo.FlowStore
	executions  repo.ExecutionStore
	events      repo.EventStore
	graphs      GraphLoader
	interpreter Stepper
	contacts    Contacts
	matcher     *trigger.Matcher

	// MQ; nil — только polling
	conn     *mq.Connection
	consumer *mq.Consumer

	pollInterval   time.Duration
	resumeInterval time.Duration
	batchSize      int
	maxAttempts    int
	runningLease   time.Duration
	maxSteps       int
	backoff        BackoffPolicy
	now            func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Хранилища
	Flows      repo.FlowStore
	Executions repo.ExecutionStore
	Events     repo.EventStore

	// Графы flows (обычно cache.Loader)
	Graphs GraphLoader

	// Интерпретатор узлов
	Interpreter Stepper

	// Контакты CRM
	Contacts Contacts

	// MQ (nil — polling-only режим)
	Conn *mq.Connection

	PollInterval   time.Duration // интервал polling PENDING событий (default: 10s)
	ResumeInterval time.Duration // интервал поиска due executions (default: 1s)
	BatchSize      int           // размер пачки (default: 100)
	MaxAttempts    int           // попыток на шаг и на событие (default: 3)
	RunningLease   time.Duration // через сколько running execution считается брошенным (default: 30s)
	MaxSteps       int           // шагов за один проход, защита от циклов (default: 500)
	Backoff        BackoffPolicy // задержка retry (default: DefaultBackoff)

	// Now — источник времени (default: time.Now)
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	resumeInterval := cfg.ResumeInterval
	if resumeInterval <= 0 {
		resumeInterval = defaultResumeInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	lease := cfg.RunningLease
	if lease <= 0 {
		lease = defaultRunningLease
	}

	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	backoff := cfg.Backoff
	if backoff.Kind == "" {
		backoff = DefaultBackoff
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		flows:          cfg.Flows,
		executions:     cfg.Executions,
		events:         cfg.Events,
		graphs:         cfg.Graphs,
		interpreter:    cfg.Interpreter,
		contacts:       cfg.Contacts,
		matcher:        trigger.NewMatcher(cfg.Flows),
		conn:           cfg.Conn,
		pollInterval:   pollInterval,
		resumeInterval: resumeInterval,
		batchSize:      batchSize,
		maxAttempts:    maxAttempts,
		runningLease:   lease,
		maxSteps:       maxSteps,
		backoff:        backoff,
		now:            now,
		logger:         logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для events.pending (если есть подключение к RabbitMQ)
//   - Polling PENDING событий (fallback)
//   - Цикл продолжения due executions
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"resume_interval", o.resumeInterval,
		"batch_size", o.batchSize,
		"max_attempts", o.maxAttempts,
		"mq", o.conn != nil,
	)

	if o.conn != nil {
		o.consumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueEventsPending,
			Handler:  o.handleEventPending,
			Prefetch: defaultPrefetch,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("event consumer error", "error", err)
			}
		}()
	} else {
		o.logger.Warn("rabbitmq not configured, running in polling-only mode")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.resumeLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и ждёт завершения горутин.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем события, записанные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll обрабатывает PENDING события, которые не пришли через очередь.
//
// Берутся только события старше pollInterval: свежие ещё могут быть
// в пути через RabbitMQ.
func (o *Orchestrator) poll(ctx context.Context) {
	events, err := o.events.ListPending(ctx, o.now().Add(-o.pollInterval), o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending events", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	o.logger.Debug("poll found pending events", "count", len(events))

	for i := range events {
		if err := o.ProcessEvent(ctx, &events[i]); err != nil {
			o.logger.Error("failed to process event from poll",
				"event_id", events[i].ID,
				"error", err,
			)
		}
	}
}

// resumeLoop периодически продолжает due executions.
func (o *Orchestrator) resumeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.resumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("resume tick failed", "error", err)
			}
		}
	}
}

// Tick продолжает executions, которые пора продолжить: истёк delay,
// наступило время retry или running execution брошен упавшим процессом.
//
// Возвращает число продолженных executions.
func (o *Orchestrator) Tick(ctx context.Context) (int, error) {
	now := o.now()
	due, err := o.executions.ListDue(ctx, now, o.runningLease, o.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due executions: %w", err)
	}
	telemetry.DueExecutions.Observe(float64(len(due)))

	resumed := 0
	for i := range due {
		exec := &due[i]
		err := o.continueDue(ctx, exec, now)
		switch {
		case err == nil:
			resumed++
		case absorbed(err):
			o.logger.Debug("due execution claimed elsewhere", "execution_id", exec.ID)
		case ctx.Err() != nil:
			return resumed, ctx.Err()
		default:
			o.logger.Error("failed to continue execution",
				"execution_id", exec.ID,
				"flow_id", exec.FlowID,
				"error", err,
			)
		}
	}
	return resumed, nil
}

// continueDue захватывает due execution и выполняет его дальше.
//
// Захват — optimistic save с lease: проигравший в гонке получает ErrReplay.
// waiting execution продолжается по таймеру, running — повтором текущего узла.
func (o *Orchestrator) continueDue(ctx context.Context, exec *domain.Execution, now time.Time) error {
	waiting := exec.Status == domain.ExecutionWaiting

	exec.Lease(now.Add(o.runningLease), now)
	if err := o.save(ctx, exec); err != nil {
		return err
	}

	logger := telemetry.WithCompanyID(o.logger, exec.CompanyID)
	logger = telemetry.WithExecutionID(telemetry.WithFlowID(logger, exec.FlowID), exec.ID)
	ctx = telemetry.WithLogger(ctx, logger)

	graph, err := o.loadGraph(ctx, exec)
	if err != nil {
		return err
	}

	var resume *engine.ResumeInput
	if waiting {
		if err := exec.Resume(now); err != nil {
			return err
		}
		resume = &engine.ResumeInput{ByTimer: true}
	}

	_, err = o.run(ctx, exec, graph, resume)
	return err
}
