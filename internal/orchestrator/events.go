package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/crm"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/mq"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/telemetry"
)

// Переменные контекста, которые пишет оркестратор.
const (
	// varLastEvent — ID последнего события, применённого к execution.
	varLastEvent = "last_event_id"

	// varLastMessage — текст последнего сообщения контакта.
	varLastMessage = "last_message"
)

// handleEventPending обрабатывает сообщение event.pending.
func (o *Orchestrator) handleEventPending(ctx context.Context, msg *mq.Message) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	payload, err := mq.ParsePayload[mq.EventPendingPayload](msg)
	if err != nil {
		o.logger.Error("failed to parse event.pending payload", "error", err)
		return err
	}

	ev, err := o.events.GetByID(ctx, payload.CompanyID, payload.EventID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: event %s not found", mq.ErrPoison, payload.EventID)
		}
		return fmt.Errorf("get event: %w", err)
	}

	return o.ProcessEvent(ctx, ev)
}

// ProcessEvent обрабатывает записанное событие и сохраняет исход:
//   - PROCESSED — событие применено (в том числе без совпадений и как повтор);
//   - REJECTED — нарушение изоляции компаний;
//   - FAILED — событие некорректно или ссылается на несуществующие данные,
//     либо исчерпаны попытки.
//
// Временная ошибка возвращается, событие остаётся PENDING для повтора.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev *domain.InboundEvent) error {
	if ev.Status.IsTerminal() {
		o.logger.Debug("event already handled", "event_id", ev.ID, "status", ev.Status)
		return nil
	}

	logger := telemetry.WithEventID(telemetry.WithCompanyID(o.logger, ev.CompanyID), ev.ID).
		With("event_type", string(ev.Type))
	ctx = telemetry.WithLogger(ctx, logger)

	handleErr := o.HandleEvent(ctx, ev)
	if handleErr != nil && ctx.Err() != nil {
		return handleErr
	}

	now := o.now()
	ev.Attempts++

	var retry error
	switch {
	case handleErr == nil:
		ev.MarkProcessed(now)
		logger.Debug("event processed")
	case errors.Is(handleErr, ErrTenantViolation):
		telemetry.Security(ctx, logger, "event rejected: tenant isolation violation", "error", handleErr)
		ev.MarkRejected(handleErr.Error(), now)
	case errors.Is(handleErr, ErrInvalidEvent),
		errors.Is(handleErr, crm.ErrContactNotFound),
		errors.Is(handleErr, repo.ErrNotFound):
		logger.Warn("event failed", "error", handleErr)
		ev.MarkFailed(handleErr.Error(), now)
	case ev.Attempts >= o.maxAttempts:
		logger.Error("event failed, attempts exhausted", "attempts", ev.Attempts, "error", handleErr)
		ev.MarkFailed(handleErr.Error(), now)
	default:
		logger.Warn("event processing failed, will retry", "attempts", ev.Attempts, "error", handleErr)
		ev.Error = handleErr.Error()
		retry = handleErr
	}

	if err := o.events.Update(ctx, ev); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if ev.Status.IsTerminal() {
		telemetry.EventsProcessed.WithLabelValues(string(ev.Type), string(ev.Status)).Inc()
	}
	return retry
}

// HandleEvent применяет событие к flows и executions компании.
//
// Компания берётся из записанного события, а не из payload.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *domain.InboundEvent) error {
	p := ev.Payload
	p.CompanyID = ev.CompanyID
	p.Type = ev.Type

	switch ev.Type {
	case domain.EventNewLead, domain.EventStageChange:
		return o.handleLeadEvent(ctx, ev, &p)
	case domain.EventKeyword:
		return o.handleKeyword(ctx, ev, &p)
	case domain.EventContinueExecution:
		return o.handleContinue(ctx, ev, &p)
	case domain.EventSchedule:
		return o.handleSchedule(ctx, ev, &p)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
	}
}

// handleLeadEvent запускает flows по new_lead и stage_change.
func (o *Orchestrator) handleLeadEvent(ctx context.Context, ev *domain.InboundEvent, p *domain.Event) error {
	if p.LeadID == nil {
		return fmt.Errorf("%w: lead_id is required", ErrInvalidEvent)
	}
	if p.Type == domain.EventStageChange && p.StageID == nil {
		return fmt.Errorf("%w: stage_id is required", ErrInvalidEvent)
	}

	contact, err := o.contacts.ResolveLeadContact(ctx, ev.CompanyID, *p.LeadID)
	if err != nil {
		return fmt.Errorf("resolve lead %s: %w", p.LeadID, err)
	}
	if err := checkTenant(contact, ev.CompanyID); err != nil {
		return err
	}

	flows, err := o.matcher.Match(ctx, p)
	if err != nil {
		return err
	}

	lead := map[string]any{"id": p.LeadID.String()}
	if p.FunnelID != nil {
		lead["funnel_id"] = p.FunnelID.String()
	}
	if p.StageID != nil {
		lead["stage_id"] = p.StageID.String()
	}
	if p.FromStageID != nil {
		lead["from_stage_id"] = p.FromStageID.String()
	}

	return o.startAll(ctx, ev, flows, contact, map[string]any{"lead": lead})
}

// handleKeyword обрабатывает входящее сообщение контакта.
//
// Сначала сообщение получают executions контакта, ждущие ответа.
// Если хотя бы один из них его принял, keyword-триггеры не проверяются.
func (o *Orchestrator) handleKeyword(ctx context.Context, ev *domain.InboundEvent, p *domain.Event) error {
	if p.ContactID == nil && domain.NormalizePhone(p.Phone) == "" {
		return fmt.Errorf("%w: contact_id or phone is required", ErrInvalidEvent)
	}

	var contact *domain.Contact
	if p.ContactID != nil {
		c, err := o.contacts.GetContact(ctx, ev.CompanyID, *p.ContactID)
		if err != nil {
			return fmt.Errorf("get contact %s: %w", p.ContactID, err)
		}
		if err := checkTenant(c, ev.CompanyID); err != nil {
			return err
		}
		contact = c
	}

	var contactID *uuid.UUID
	phone := p.Phone
	if contact != nil {
		contactID = &contact.ID
		if phone == "" {
			phone = contact.Phone
		}
	}

	consumed, err := o.resumeAwaiting(ctx, ev, contactID, phone, p.MessageText)
	if err != nil {
		return err
	}
	if consumed {
		return nil
	}

	if contact == nil {
		c, err := o.contacts.FindContactByPhone(ctx, ev.CompanyID, phone)
		if errors.Is(err, crm.ErrContactNotFound) {
			o.loggerFrom(ctx).Info("no contact for phone, message ignored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("find contact by phone: %w", err)
		}
		if err := checkTenant(c, ev.CompanyID); err != nil {
			return err
		}
		contact = c
	}

	flows, err := o.matcher.Match(ctx, p)
	if err != nil {
		return err
	}
	return o.startAll(ctx, ev, flows, contact, map[string]any{varLastMessage: p.MessageText})
}

// resumeAwaiting передаёт сообщение executions, ждущим ответа контакта.
// Возвращает true, если хотя бы один execution принял сообщение.
func (o *Orchestrator) resumeAwaiting(ctx context.Context, ev *domain.InboundEvent, contactID *uuid.UUID, phone, text string) (bool, error) {
	execs, err := o.executions.ListAwaitingReply(ctx, ev.CompanyID, contactID, phone)
	if err != nil {
		return false, fmt.Errorf("list awaiting executions: %w", err)
	}

	consumed := false
	var errs []error
	for i := range execs {
		ok, err := o.resume(ctx, ev, &execs[i], &engine.ResumeInput{ReplyText: &text})
		if err != nil {
			if absorbed(err) {
				telemetry.Replays.Inc()
				continue
			}
			errs = append(errs, err)
			continue
		}
		consumed = consumed || ok
	}
	return consumed, errors.Join(errs...)
}

// handleContinue продолжает конкретный execution.
//
// Если expected_node_id не совпадает с текущим узлом, событие уже
// применено: это не ошибка.
func (o *Orchestrator) handleContinue(ctx context.Context, ev *domain.InboundEvent, p *domain.Event) error {
	if p.ExecutionID == nil {
		return fmt.Errorf("%w: execution_id is required", ErrInvalidEvent)
	}

	exec, err := o.executions.GetByID(ctx, ev.CompanyID, *p.ExecutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return o.foreignExecution(ctx, ev, *p.ExecutionID, err)
	}
	if err != nil {
		return fmt.Errorf("get execution %s: %w", p.ExecutionID, err)
	}

	logger := telemetry.WithExecutionID(o.loggerFrom(ctx), exec.ID)
	if p.ExpectedNodeID != nil && *p.ExpectedNodeID != exec.CurrentNodeID {
		telemetry.Replays.Inc()
		logger.Debug("continue ignored: execution already moved",
			"expected_node_id", p.ExpectedNodeID,
			"current_node_id", exec.CurrentNodeID,
		)
		return nil
	}

	_, err = o.resume(ctx, ev, exec, &engine.ResumeInput{ReplyText: p.ReplyText, ButtonIndex: p.ButtonIndex})
	if absorbed(err) {
		telemetry.Replays.Inc()
		logger.Debug("continue ignored", "reason", err)
		return nil
	}
	return err
}

// foreignExecution отличает execution другой компании от отсутствующего.
// Чужой execution — нарушение изоляции, событие будет REJECTED.
func (o *Orchestrator) foreignExecution(ctx context.Context, ev *domain.InboundEvent, id uuid.UUID, notFound error) error {
	owner, err := o.executions.OwnerOf(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("get execution %s: %w", id, notFound)
	}
	if err != nil {
		return fmt.Errorf("get execution owner %s: %w", id, err)
	}
	if owner != ev.CompanyID {
		return fmt.Errorf("%w: execution %s belongs to another company", ErrTenantViolation, id)
	}
	return fmt.Errorf("get execution %s: %w", id, notFound)
}

// handleSchedule запускает schedule-flow для одного контакта.
func (o *Orchestrator) handleSchedule(ctx context.Context, ev *domain.InboundEvent, p *domain.Event) error {
	if p.FlowID == nil || p.ContactID == nil {
		return fmt.Errorf("%w: flow_id and contact_id are required", ErrInvalidEvent)
	}

	flow, err := o.flows.GetByID(ctx, ev.CompanyID, *p.FlowID)
	if err != nil {
		return fmt.Errorf("get flow %s: %w", p.FlowID, err)
	}
	if !flow.IsActive || !flow.IsSchedule() {
		o.loggerFrom(ctx).Info("schedule event for inactive flow ignored", "flow_id", flow.ID)
		return nil
	}

	contact, err := o.contacts.GetContact(ctx, ev.CompanyID, *p.ContactID)
	if err != nil {
		return fmt.Errorf("get contact %s: %w", p.ContactID, err)
	}
	if err := checkTenant(contact, ev.CompanyID); err != nil {
		return err
	}

	return absorbOrErr(o.start(ctx, ev, flow, contact, nil))
}

// startAll запускает по execution на каждый подошедший flow.
func (o *Orchestrator) startAll(ctx context.Context, ev *domain.InboundEvent, flows []domain.Flow, contact *domain.Contact, vars map[string]any) error {
	if len(flows) == 0 {
		o.loggerFrom(ctx).Debug("no flows matched")
		return nil
	}

	var errs []error
	for i := range flows {
		if err := absorbOrErr(o.start(ctx, ev, &flows[i], contact, vars)); err != nil {
			errs = append(errs, fmt.Errorf("flow %s: %w", flows[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func absorbOrErr(err error) error {
	if absorbed(err) {
		return nil
	}
	return err
}

func checkTenant(contact *domain.Contact, companyID uuid.UUID) error {
	if contact == nil {
		return fmt.Errorf("%w: empty contact", crm.ErrContactNotFound)
	}
	if contact.CompanyID != companyID {
		return fmt.Errorf("%w: contact %s belongs to another company", ErrTenantViolation, contact.ID)
	}
	return nil
}

func (o *Orchestrator) loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := telemetry.LoggerFrom(ctx); ok {
		return logger
	}
	return o.logger
}
