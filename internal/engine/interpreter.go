package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

// OutboundMessage — запрос на отправку сообщения контакту.
type OutboundMessage struct {
	CompanyID      uuid.UUID
	ContactID      uuid.UUID
	Phone          string
	Content        string
	ContentType    string
	MediaURL       string
	Buttons        []string
	IdempotencyKey string
}

// Sender — исходящий шлюз сообщений (WhatsApp-коннектор).
type Sender interface {
	// Send отправляет сообщение и возвращает ID сообщения шлюза.
	// Временные сбои оборачиваются в ErrTransient.
	Send(ctx context.Context, msg OutboundMessage) (string, error)
}

// WebhookCall — вызов внешнего webhook из action-узла.
type WebhookCall struct {
	URL            string
	Method         string
	Body           map[string]any
	IdempotencyKey string
}

// CRM — побочные действия в CRM.
//
// Каждый метод принимает ключ идемпотентности: повтор с тем же ключом
// не должен применять действие дважды.
type CRM interface {
	AddTag(ctx context.Context, companyID, contactID uuid.UUID, tag, key string) error
	MoveStage(ctx context.Context, companyID, contactID uuid.UUID, funnelID *uuid.UUID, stageID uuid.UUID, key string) error
	TransferToHuman(ctx context.Context, companyID, contactID uuid.UUID, department, note, key string) error
	CallWebhook(ctx context.Context, companyID uuid.UUID, call WebhookCall) error
}

// Outcome — решение интерпретатора после шага.
type Outcome int

const (
	// OutcomeAdvance — перейти к следующему узлу.
	OutcomeAdvance Outcome = iota + 1

	// OutcomeSuspend — приостановиться (delay или ожидание ответа).
	OutcomeSuspend

	// OutcomeComplete — flow завершён.
	OutcomeComplete

	// OutcomeFail — ошибка конфигурации, execution завершается с ошибкой.
	OutcomeFail
)

// String возвращает имя исхода для логов и метрик.
func (o Outcome) String() string {
	switch o {
	case OutcomeAdvance:
		return "advance"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeComplete:
		return "complete"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// StepResult — результат выполнения одного узла.
type StepResult struct {
	Outcome Outcome

	// Next — следующий узел для OutcomeAdvance.
	Next uuid.UUID

	// ResumeAt — время продолжения для OutcomeSuspend; nil — ждём ответа.
	ResumeAt *time.Time

	// Reason — причина для OutcomeFail.
	Reason string

	// Vars — переменные, которые нужно записать в контекст.
	Vars map[string]any

	// Choice — handle, выбранный randomizer на этом шаге.
	Choice string

	// MessageID — ID отправленного сообщения.
	MessageID string
}

// Advance создаёт результат перехода к узлу.
func Advance(next uuid.UUID) StepResult {
	return StepResult{Outcome: OutcomeAdvance, Next: next}
}

// Suspend создаёт результат приостановки.
func Suspend(resumeAt *time.Time) StepResult {
	return StepResult{Outcome: OutcomeSuspend, ResumeAt: resumeAt}
}

// Complete создаёт результат завершения.
func Complete() StepResult {
	return StepResult{Outcome: OutcomeComplete}
}

// Fail создаёт результат ошибки.
func Fail(reason string) StepResult {
	return StepResult{Outcome: OutcomeFail, Reason: reason}
}

// ResumeInput — данные, с которыми продолжается приостановленный узел.
type ResumeInput struct {
	// ReplyText — текст ответа контакта.
	ReplyText *string

	// ButtonIndex — индекс нажатой кнопки.
	ButtonIndex *int

	// ByTimer — продолжение по истечении delay.
	ByTimer bool
}

// StepInput — вход интерпретатора.
type StepInput struct {
	Execution *domain.Execution
	Node      *domain.Node
	Graph     *Graph
	Now       time.Time

	// Resume — не nil, если узел продолжается после приостановки.
	Resume *ResumeInput
}

// Interpreter выполняет узлы графа.
//
// Step выполняет побочный эффект одного узла и решает, что дальше.
// Execution интерпретатор не меняет: изменения применяет оркестратор
// по StepResult.
type Interpreter struct {
	sender    Sender
	crm       CRM
	evaluator *Evaluator

	mu   sync.Mutex
	rand *rand.Rand
}

// Option — опция интерпретатора.
type Option func(*Interpreter)

// WithRand задаёт источник случайности для randomizer.
func WithRand(r *rand.Rand) Option {
	return func(i *Interpreter) {
		i.rand = r
	}
}

// WithEvaluator задаёт Evaluator условий.
func WithEvaluator(e *Evaluator) Option {
	return func(i *Interpreter) {
		i.evaluator = e
	}
}

// NewInterpreter создаёт интерпретатор.
func NewInterpreter(sender Sender, crm CRM, opts ...Option) *Interpreter {
	i := &Interpreter{
		sender:    sender,
		crm:       crm,
		evaluator: NewEvaluator(),
		rand:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Step выполняет один узел.
//
// Ошибка возвращается только для сбоев, которые стоит повторить
// (ErrTransient, отмена контекста). Ошибки конфигурации превращаются
// в OutcomeFail.
func (i *Interpreter) Step(ctx context.Context, in StepInput) (StepResult, error) {
	res, err := i.step(ctx, in)
	if err != nil && IsConfigError(err) {
		return Fail(err.Error()), nil
	}
	return res, err
}

func (i *Interpreter) step(ctx context.Context, in StepInput) (StepResult, error) {
	switch cfg := in.Node.Config.(type) {
	case domain.StartConfig:
		return i.next(in), nil
	case domain.MessageConfig:
		return i.stepMessage(ctx, in, cfg)
	case domain.QuestionConfig:
		return i.stepQuestion(ctx, in, cfg)
	case domain.ConditionConfig:
		return i.stepCondition(in, cfg)
	case domain.ActionConfig:
		return i.stepAction(ctx, in, cfg)
	case domain.DelayConfig:
		return i.stepDelay(in, cfg), nil
	case domain.PauseConfig:
		return i.stepPause(in, cfg), nil
	case domain.TransferConfig:
		return i.stepTransfer(ctx, in, cfg)
	case domain.EndConfig:
		return Complete(), nil
	default:
		return StepResult{}, NewValidationError(in.Node.ID.String(), "node_type",
			fmt.Sprintf("unsupported node config %T", in.Node.Config), ErrInvalidNodeConfig)
	}
}

// next переходит по основному ребру; узел без выхода завершает flow.
func (i *Interpreter) next(in StepInput) StepResult {
	if target, ok := in.Graph.Default(in.Node.ID); ok {
		return Advance(target)
	}
	return Complete()
}

// stepMessage отправляет сообщение.
//
// Без кнопок — сразу переход дальше. С кнопками — ожидание нажатия;
// при продолжении выбирается ребро с handle кнопки.
func (i *Interpreter) stepMessage(ctx context.Context, in StepInput, cfg domain.MessageConfig) (StepResult, error) {
	if in.Resume != nil && cfg.HasButtons() {
		return i.routeReply(in, cfg.Buttons, cfg.Variable, false), nil
	}

	msgID, err := i.send(ctx, in, cfg.Text, cfg.ContentType, cfg.MediaURL, cfg.Buttons)
	if err != nil {
		return StepResult{}, err
	}

	var res StepResult
	if cfg.HasButtons() {
		res = Suspend(nil)
	} else {
		res = i.next(in)
	}
	res.MessageID = msgID
	return res, nil
}

// stepQuestion отправляет вопрос и ждёт ответа.
// Ответ сохраняется в переменную, затем переход дальше.
func (i *Interpreter) stepQuestion(ctx context.Context, in StepInput, cfg domain.QuestionConfig) (StepResult, error) {
	if in.Resume != nil && !in.Resume.ByTimer {
		return i.routeReply(in, cfg.Buttons, cfg.Variable, true), nil
	}

	var msgID string
	if strings.TrimSpace(cfg.Text) != "" {
		var err error
		msgID, err = i.send(ctx, in, cfg.Text, "", "", cfg.Buttons)
		if err != nil {
			return StepResult{}, err
		}
	}

	res := Suspend(nil)
	res.MessageID = msgID
	return res, nil
}

// stepPause молча ждёт сообщения контакта.
func (i *Interpreter) stepPause(in StepInput, cfg domain.PauseConfig) StepResult {
	if in.Resume == nil || in.Resume.ByTimer {
		return Suspend(nil)
	}
	res := i.next(in)
	if cfg.Variable != "" && in.Resume.ReplyText != nil {
		res.Vars = map[string]any{cfg.Variable: *in.Resume.ReplyText}
	}
	return res
}

// routeReply обрабатывает ответ на message/question с кнопками.
//
// Порядок выбора: индекс кнопки → текст кнопки → номер кнопки ("1", "2").
// Если кнопки нет, для question берётся основное ребро, для message ответ
// игнорируется и ожидание продолжается.
func (i *Interpreter) routeReply(in StepInput, buttons []domain.Button, variable string, acceptFreeText bool) StepResult {
	idx := matchButton(in.Resume, buttons)

	if idx < 0 {
		if !acceptFreeText || in.Resume.ReplyText == nil {
			return Suspend(nil)
		}
		res := i.next(in)
		if variable != "" {
			res.Vars = map[string]any{variable: strings.TrimSpace(*in.Resume.ReplyText)}
		}
		return res
	}

	var res StepResult
	if target, ok := in.Graph.Next(in.Node.ID, domain.ButtonHandle(idx)); ok {
		res = Advance(target)
	} else {
		res = i.next(in)
	}

	vars := map[string]any{"button_index": idx}
	if variable != "" {
		vars[variable] = buttons[idx].Text
	}
	res.Vars = vars
	return res
}

// matchButton возвращает индекс выбранной кнопки или -1.
func matchButton(resume *ResumeInput, buttons []domain.Button) int {
	if len(buttons) == 0 || resume == nil {
		return -1
	}
	if resume.ButtonIndex != nil {
		idx := *resume.ButtonIndex
		if idx >= 0 && idx < len(buttons) {
			return idx
		}
		return -1
	}
	if resume.ReplyText == nil {
		return -1
	}

	reply := strings.ToLower(strings.TrimSpace(*resume.ReplyText))
	for idx, b := range buttons {
		if strings.ToLower(strings.TrimSpace(b.Text)) == reply {
			return idx
		}
	}
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(buttons) {
		return n - 1
	}
	return -1
}

// stepCondition выбирает ветку по условиям или случайно.
func (i *Interpreter) stepCondition(in StepInput, cfg domain.ConditionConfig) (StepResult, error) {
	nodeID := in.Node.ID.String()

	if cfg.IsRandomizer {
		handle, drawn := in.Execution.Choice(in.Node.ID)
		if !drawn {
			handle = i.draw(cfg.Weights)
		}
		target, ok := in.Graph.Next(in.Node.ID, handle)
		if !ok {
			return StepResult{}, NewValidationError(nodeID, "weights",
				fmt.Sprintf("randomizer handle %q", handle), ErrNoRoute)
		}
		res := Advance(target)
		if !drawn {
			res.Choice = handle
		}
		return res, nil
	}

	handle, err := i.evaluator.Select(cfg, in.Execution.Context)
	if err != nil {
		return StepResult{}, fmt.Errorf("node %s: %w", nodeID, err)
	}

	if target, ok := in.Graph.Next(in.Node.ID, handle); ok {
		return Advance(target), nil
	}
	// Ветка без продолжения завершает flow
	return Complete(), nil
}

// draw выбирает handle с учётом весов.
func (i *Interpreter) draw(weights []domain.Weight) string {
	total := 0
	for _, w := range weights {
		total += w.Weight
	}

	i.mu.Lock()
	n := i.rand.IntN(total)
	i.mu.Unlock()

	for _, w := range weights {
		if n < w.Weight {
			return w.Handle
		}
		n -= w.Weight
	}
	return weights[len(weights)-1].Handle
}

// stepAction выполняет побочное действие в CRM.
func (i *Interpreter) stepAction(ctx context.Context, in StepInput, cfg domain.ActionConfig) (StepResult, error) {
	exec := in.Execution
	key := IdempotencyKey(exec, in.Node.ID)

	var err error
	switch cfg.Action {
	case domain.ActionAddTag:
		err = i.crm.AddTag(ctx, exec.CompanyID, exec.ContactID, Render(cfg.Tag, exec.Context), key)
	case domain.ActionMoveStage:
		err = i.crm.MoveStage(ctx, exec.CompanyID, exec.ContactID, cfg.FunnelID, *cfg.StageID, key)
	case domain.ActionWebhook:
		body, _ := RenderValue(cfg.Body, exec.Context).(map[string]any)
		method := cfg.Method
		if method == "" {
			method = "POST"
		}
		err = i.crm.CallWebhook(ctx, exec.CompanyID, WebhookCall{
			URL:            Render(cfg.URL, exec.Context),
			Method:         strings.ToUpper(method),
			Body:           body,
			IdempotencyKey: key,
		})
	default:
		err = NewValidationError(in.Node.ID.String(), "action", fmt.Sprintf("action %q", cfg.Action), ErrInvalidNodeConfig)
	}
	if err != nil {
		return StepResult{}, fmt.Errorf("action %s: %w", cfg.Action, err)
	}

	return i.next(in), nil
}

// stepDelay приостанавливает execution на заданное время.
func (i *Interpreter) stepDelay(in StepInput, cfg domain.DelayConfig) StepResult {
	if in.Resume != nil && in.Resume.ByTimer {
		return i.next(in)
	}
	resumeAt := in.Now.Add(cfg.Duration())
	return Suspend(&resumeAt)
}

// stepTransfer передаёт диалог оператору и завершает автоматизацию.
func (i *Interpreter) stepTransfer(ctx context.Context, in StepInput, cfg domain.TransferConfig) (StepResult, error) {
	exec := in.Execution
	note := Render(cfg.Note, exec.Context)
	if err := i.crm.TransferToHuman(ctx, exec.CompanyID, exec.ContactID, cfg.Department, note, IdempotencyKey(exec, in.Node.ID)); err != nil {
		return StepResult{}, fmt.Errorf("transfer: %w", err)
	}
	return Complete(), nil
}

// send рендерит текст и отправляет сообщение через шлюз.
func (i *Interpreter) send(ctx context.Context, in StepInput, text, contentType, mediaURL string, buttons []domain.Button) (string, error) {
	exec := in.Execution
	if contentType == "" {
		contentType = "text"
	}

	labels := make([]string, 0, len(buttons))
	for _, b := range buttons {
		labels = append(labels, Render(b.Text, exec.Context))
	}

	msgID, err := i.sender.Send(ctx, OutboundMessage{
		CompanyID:      exec.CompanyID,
		ContactID:      exec.ContactID,
		Phone:          exec.Phone,
		Content:        Render(text, exec.Context),
		ContentType:    contentType,
		MediaURL:       Render(mediaURL, exec.Context),
		Buttons:        labels,
		IdempotencyKey: IdempotencyKey(exec, in.Node.ID),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return msgID, nil
}

// IdempotencyKey возвращает ключ побочного эффекта шага:
// "{execution_id}:{node_id}:{step}".
//
// Повтор того же шага (retry, восстановление после падения) даёт тот же ключ.
func IdempotencyKey(exec *domain.Execution, nodeID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%d", exec.ID, nodeID, exec.Steps)
}
