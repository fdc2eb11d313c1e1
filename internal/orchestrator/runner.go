package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/telemetry"
)

// start создаёт execution flow для контакта и выполняет его до первой остановки.
//
// Если у пары (flow, contact) уже есть активный execution, событие
// сливается с ним: новый не создаётся. Повторная доставка события не
// запускает flow, который это событие уже запустило, даже если тот
// execution завершён.
func (o *Orchestrator) start(ctx context.Context, ev *domain.InboundEvent, flow *domain.Flow, contact *domain.Contact, vars map[string]any) error {
	logger := telemetry.WithFlowID(o.loggerFrom(ctx), flow.ID)

	prior, err := o.executions.GetByTrigger(ctx, flow.CompanyID, flow.ID, contact.ID, ev.ID)
	if err == nil {
		telemetry.Replays.Inc()
		logger.Debug("event already started this flow",
			"execution_id", prior.ID,
			"contact_id", contact.ID,
			"status", prior.Status,
		)
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("get execution by trigger: %w", err)
	}

	graph, graphErr := o.graphs.Load(ctx, flow.CompanyID, flow.ID)
	if graphErr != nil && !engine.IsConfigError(graphErr) {
		return fmt.Errorf("load graph: %w", graphErr)
	}

	startID := uuid.Nil
	if graph != nil {
		startID = graph.Start.ID
	}
	exec := domain.NewExecution(flow, contact, startID, o.now())
	exec.TriggerEventID = &ev.ID
	for k, v := range vars {
		exec.SetVar(k, v)
	}
	exec.SetVar(varLastEvent, ev.ID.String())

	created, err := o.executions.Create(ctx, exec)
	if errors.Is(err, repo.ErrAlreadyExists) {
		args := []any{"contact_id", exec.ContactID}
		if created != nil {
			args = append(args, "execution_id", created.ID)
		}
		logger.Debug("execution exists, trigger merged", args...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	telemetry.ExecutionsStarted.WithLabelValues(string(flow.TriggerType)).Inc()
	logger.Info("execution started",
		"execution_id", created.ID,
		"contact_id", created.ContactID,
		"trigger", flow.TriggerType,
	)

	ctx = telemetry.WithLogger(ctx, telemetry.WithExecutionID(logger, created.ID))
	if graph == nil {
		return o.finishFailed(ctx, created, fmt.Sprintf("invalid flow graph: %v", graphErr))
	}

	_, err = o.run(ctx, created, graph, nil)
	return err
}

// resume продолжает waiting execution ответом контакта.
// Возвращает true, если узел принял ответ (execution не остался ждать на нём).
func (o *Orchestrator) resume(ctx context.Context, ev *domain.InboundEvent, exec *domain.Execution, input *engine.ResumeInput) (bool, error) {
	if exec.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, exec.ID, exec.Status)
	}
	if !exec.IsAwaitingReply() {
		return false, fmt.Errorf("%w: %s is not awaiting a reply", ErrReplay, exec.ID)
	}
	if last, _ := exec.Context[varLastEvent].(string); last == ev.ID.String() {
		return false, fmt.Errorf("%w: event %s already applied to %s", ErrReplay, ev.ID, exec.ID)
	}

	logger := telemetry.WithExecutionID(telemetry.WithFlowID(o.loggerFrom(ctx), exec.FlowID), exec.ID)
	ctx = telemetry.WithLogger(ctx, logger)

	graph, err := o.loadGraph(ctx, exec)
	if err != nil {
		return false, err
	}

	if err := exec.Resume(o.now()); err != nil {
		return false, err
	}
	exec.SetVar(varLastEvent, ev.ID.String())
	if input.ReplyText != nil {
		exec.SetVar(varLastMessage, *input.ReplyText)
	}

	return o.run(ctx, exec, graph, input)
}

// loadGraph загружает граф execution. Если графа больше нет или он
// некорректен, execution завершается с ошибкой и возвращается ErrExecutionFinished.
func (o *Orchestrator) loadGraph(ctx context.Context, exec *domain.Execution) (*engine.Graph, error) {
	graph, err := o.graphs.Load(ctx, exec.CompanyID, exec.FlowID)
	if err == nil {
		return graph, nil
	}
	if !engine.IsConfigError(err) && !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	if ferr := o.finishFailed(ctx, exec, fmt.Sprintf("load graph: %v", err)); ferr != nil {
		return nil, ferr
	}
	return nil, fmt.Errorf("%w: %s", ErrExecutionFinished, exec.ID)
}

// run выполняет узлы, пока execution не приостановится или не завершится.
// Состояние сохраняется после каждого шага.
//
// Возвращает true, если первый шаг не приостановил execution.
func (o *Orchestrator) run(ctx context.Context, exec *domain.Execution, graph *engine.Graph, resume *engine.ResumeInput) (bool, error) {
	consumed := false
	for i := 0; ; i++ {
		if i >= o.maxSteps {
			return consumed, o.finishFailed(ctx, exec, fmt.Sprintf("step limit %d exceeded", o.maxSteps))
		}

		node, ok := graph.Node(exec.CurrentNodeID)
		if !ok {
			return consumed, o.finishFailed(ctx, exec, fmt.Sprintf("%v: %s", engine.ErrUnknownNode, exec.CurrentNodeID))
		}

		started := time.Now()
		res, err := o.interpreter.Step(ctx, engine.StepInput{
			Execution: exec,
			Node:      node,
			Graph:     graph,
			Now:       o.now(),
			Resume:    resume,
		})
		telemetry.StepDuration.WithLabelValues(string(node.Type)).Observe(time.Since(started).Seconds())

		if err != nil {
			telemetry.Steps.WithLabelValues(string(node.Type), "error").Inc()
			return consumed, o.retryStep(ctx, exec, node, err)
		}
		telemetry.Steps.WithLabelValues(string(node.Type), res.Outcome.String()).Inc()

		if i == 0 {
			consumed = res.Outcome != engine.OutcomeSuspend
		}
		resume = nil

		done, err := o.apply(ctx, exec, node, res)
		if err != nil || done {
			return consumed, err
		}
	}
}

// apply применяет результат шага к execution и сохраняет его.
// Возвращает true, если проход закончен (suspend, complete, fail).
func (o *Orchestrator) apply(ctx context.Context, exec *domain.Execution, node *domain.Node, res engine.StepResult) (bool, error) {
	logger := o.loggerFrom(ctx)
	now := o.now()

	// Розыгрыш randomizer сохраняется до перехода
	if res.Choice != "" {
		exec.RecordChoice(node.ID, res.Choice)
		exec.Touch(now)
		if err := o.save(ctx, exec); err != nil {
			return true, err
		}
	}

	for k, v := range res.Vars {
		exec.SetVar(k, v)
	}
	if res.MessageID != "" {
		logger.Debug("message sent", "node_id", node.ID, "message_id", res.MessageID)
	}

	var err error
	done := true
	switch res.Outcome {
	case engine.OutcomeAdvance:
		err = exec.AdvanceTo(res.Next, now)
		done = false
	case engine.OutcomeSuspend:
		err = exec.Suspend(res.ResumeAt, now)
	case engine.OutcomeComplete:
		err = exec.Complete(now)
	case engine.OutcomeFail:
		return true, o.finishFailed(ctx, exec, res.Reason)
	default:
		err = fmt.Errorf("unknown step outcome %d", res.Outcome)
	}
	if err != nil {
		return true, err
	}

	if err := o.save(ctx, exec); err != nil {
		return true, err
	}

	switch res.Outcome {
	case engine.OutcomeSuspend:
		logger.Debug("execution suspended", "node_id", node.ID, "resume_at", res.ResumeAt)
	case engine.OutcomeComplete:
		telemetry.ExecutionsFinished.WithLabelValues(string(domain.ExecutionCompleted)).Inc()
		logger.Info("execution completed", "steps", exec.Steps)
	}
	return done, nil
}

// retryStep планирует повтор упавшего шага или завершает execution,
// если попытки исчерпаны.
func (o *Orchestrator) retryStep(ctx context.Context, exec *domain.Execution, node *domain.Node, stepErr error) error {
	if ctx.Err() != nil {
		// Execution останется running и будет подхвачен по lease
		return ctx.Err()
	}

	attempt := exec.Attempts + 1
	if attempt >= o.maxAttempts {
		return o.finishFailed(ctx, exec, fmt.Sprintf("node %s failed after %d attempts: %v", node.ID, attempt, stepErr))
	}

	now := o.now()
	retryAt := now.Add(calculateBackoff(attempt, o.backoff))
	if err := exec.ScheduleRetry(stepErr.Error(), retryAt, now); err != nil {
		return err
	}
	if err := o.save(ctx, exec); err != nil {
		return err
	}

	telemetry.StepRetries.Inc()
	o.loggerFrom(ctx).Warn("step failed, retry scheduled",
		"node_id", node.ID,
		"node_type", node.Type,
		"attempt", attempt,
		"retry_at", retryAt,
		"error", stepErr,
	)
	return nil
}

// finishFailed завершает execution с ошибкой.
func (o *Orchestrator) finishFailed(ctx context.Context, exec *domain.Execution, reason string) error {
	if err := exec.Fail(reason, o.now()); err != nil {
		return err
	}
	if err := o.save(ctx, exec); err != nil {
		return err
	}

	telemetry.ExecutionsFinished.WithLabelValues(string(domain.ExecutionFailed)).Inc()
	o.loggerFrom(ctx).Error("execution failed",
		"node_id", exec.CurrentNodeID,
		"reason", reason,
	)
	return nil
}

// save сохраняет execution. Гонка с другим процессом — ErrReplay.
func (o *Orchestrator) save(ctx context.Context, exec *domain.Execution) error {
	err := o.executions.Save(ctx, exec)
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: execution %s changed concurrently", ErrReplay, exec.ID)
	}
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}
