package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

// --- Fakes ---

type fakeSender struct {
	mu       sync.Mutex
	messages []OutboundMessage
	failures int
}

func (s *fakeSender) Send(_ context.Context, msg OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return "", fmt.Errorf("gateway 503: %w", ErrTransient)
	}
	s.messages = append(s.messages, msg)
	return fmt.Sprintf("msg-%d", len(s.messages)), nil
}

type fakeCRM struct {
	mu    sync.Mutex
	calls []string
	keys  []string
	err   error
}

func (c *fakeCRM) record(call, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls = append(c.calls, call)
	c.keys = append(c.keys, key)
	return nil
}

func (c *fakeCRM) AddTag(_ context.Context, _, _ uuid.UUID, tag, key string) error {
	return c.record("add_tag:"+tag, key)
}

func (c *fakeCRM) MoveStage(_ context.Context, _, _ uuid.UUID, _ *uuid.UUID, stageID uuid.UUID, key string) error {
	return c.record("move_stage:"+stageID.String(), key)
}

func (c *fakeCRM) TransferToHuman(_ context.Context, _, _ uuid.UUID, department, _, key string) error {
	return c.record("transfer:"+department, key)
}

func (c *fakeCRM) CallWebhook(_ context.Context, _ uuid.UUID, call WebhookCall) error {
	return c.record("webhook:"+call.Method+" "+call.URL, call.IdempotencyKey)
}

func newTestInterpreter(opts ...Option) (*Interpreter, *fakeSender, *fakeCRM) {
	sender := &fakeSender{}
	crm := &fakeCRM{}
	return NewInterpreter(sender, crm, opts...), sender, crm
}

func newExecOn(g *Graph, node uuid.UUID) *domain.Execution {
	contact := &domain.Contact{ID: uuid.New(), Name: "Maria", Phone: "5511999990000"}
	return domain.NewExecution(g.Flow, contact, node, time.Now())
}

func stepAt(t *testing.T, in *Interpreter, g *Graph, exec *domain.Execution, resume *ResumeInput) StepResult {
	t.Helper()
	node, ok := g.Node(exec.CurrentNodeID)
	if !ok {
		t.Fatalf("node %s not in graph", exec.CurrentNodeID)
	}
	res, err := in.Step(context.Background(), StepInput{
		Execution: exec,
		Node:      node,
		Graph:     g,
		Now:       time.Now(),
		Resume:    resume,
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return res
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// --- Tests ---

func TestStep_MessageAdvances(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	msg := b.node(domain.MessageConfig{Text: "Olá {{contact.name}}"})
	end := b.node(domain.EndConfig{})
	b.edge(start, msg, "")
	b.edge(msg, end, "")
	g := b.build(t)

	interp, sender, _ := newTestInterpreter()
	exec := newExecOn(g, msg)

	res := stepAt(t, interp, g, exec, nil)

	if res.Outcome != OutcomeAdvance || res.Next != end {
		t.Fatalf("expected advance to end, got %s -> %s", res.Outcome, res.Next)
	}
	if len(sender.messages) != 1 || sender.messages[0].Content != "Olá Maria" {
		t.Fatalf("unexpected messages: %+v", sender.messages)
	}
	if sender.messages[0].ContentType != "text" {
		t.Errorf("default content type should be text, got %q", sender.messages[0].ContentType)
	}
	want := fmt.Sprintf("%s:%s:%d", exec.ID, msg, exec.Steps)
	if sender.messages[0].IdempotencyKey != want {
		t.Errorf("idempotency key = %q, want %q", sender.messages[0].IdempotencyKey, want)
	}
	if res.MessageID == "" {
		t.Error("message id should be returned")
	}
}

func TestStep_MessageWithoutEdgeCompletes(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	msg := b.node(domain.MessageConfig{Text: "Tchau"})
	b.edge(start, msg, "")
	g := b.build(t)

	interp, _, _ := newTestInterpreter()
	res := stepAt(t, interp, g, newExecOn(g, msg), nil)
	if res.Outcome != OutcomeComplete {
		t.Errorf("expected complete, got %s", res.Outcome)
	}
}

func TestStep_MessageButtons(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	msg := b.node(domain.MessageConfig{
		Text:     "Quer falar com um consultor?",
		Buttons:  []domain.Button{{Text: "Sim"}, {Text: "Não"}},
		Variable: "resposta",
	})
	yes := b.node(domain.TransferConfig{Department: "vendas"})
	no := b.node(domain.EndConfig{})
	b.edge(start, msg, "")
	b.edge(msg, yes, "0")
	b.edge(msg, no, "1")
	g := b.build(t)

	interp, sender, _ := newTestInterpreter()
	exec := newExecOn(g, msg)

	res := stepAt(t, interp, g, exec, nil)
	if res.Outcome != OutcomeSuspend || res.ResumeAt != nil {
		t.Fatalf("expected suspend awaiting reply, got %s", res.Outcome)
	}
	if len(sender.messages) != 1 || len(sender.messages[0].Buttons) != 2 {
		t.Fatalf("message with buttons should be sent once: %+v", sender.messages)
	}

	tests := []struct {
		name   string
		resume *ResumeInput
		expect uuid.UUID
		value  string
	}{
		{"button index", &ResumeInput{ButtonIndex: intPtr(1)}, no, "Não"},
		{"button text", &ResumeInput{ReplyText: strPtr("  sim ")}, yes, "Sim"},
		{"button number", &ResumeInput{ReplyText: strPtr("2")}, no, "Não"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := stepAt(t, interp, g, exec, tt.resume)
			if res.Outcome != OutcomeAdvance || res.Next != tt.expect {
				t.Fatalf("expected advance to %s, got %s -> %s", tt.expect, res.Outcome, res.Next)
			}
			if res.Vars["resposta"] != tt.value {
				t.Errorf("resposta = %v, want %s", res.Vars["resposta"], tt.value)
			}
		})
	}

	// Нераспознанный ответ — продолжаем ждать, повторно не отправляем
	res = stepAt(t, interp, g, exec, &ResumeInput{ReplyText: strPtr("talvez")})
	if res.Outcome != OutcomeSuspend {
		t.Errorf("unknown reply should keep waiting, got %s", res.Outcome)
	}
	if len(sender.messages) != 1 {
		t.Errorf("resume must not resend the message, sent %d", len(sender.messages))
	}
}

func TestStep_QuestionStoresReply(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	q := b.node(domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"})
	end := b.node(domain.EndConfig{})
	b.edge(start, q, "")
	b.edge(q, end, "")
	g := b.build(t)

	interp, sender, _ := newTestInterpreter()
	exec := newExecOn(g, q)

	res := stepAt(t, interp, g, exec, nil)
	if res.Outcome != OutcomeSuspend || res.ResumeAt != nil {
		t.Fatalf("expected suspend awaiting reply, got %s", res.Outcome)
	}
	if len(sender.messages) != 1 || sender.messages[0].Content != "Qual seu nome?" {
		t.Fatalf("question prompt should be sent: %+v", sender.messages)
	}

	res = stepAt(t, interp, g, exec, &ResumeInput{ReplyText: strPtr(" Maria ")})
	if res.Outcome != OutcomeAdvance || res.Next != end {
		t.Fatalf("expected advance to end, got %s", res.Outcome)
	}
	if res.Vars["nome"] != "Maria" {
		t.Errorf("nome = %v", res.Vars["nome"])
	}
}

func TestStep_PauseSilent(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	p := b.node(domain.PauseConfig{Variable: "msg"})
	end := b.node(domain.EndConfig{})
	b.edge(start, p, "")
	b.edge(p, end, "")
	g := b.build(t)

	interp, sender, _ := newTestInterpreter()
	exec := newExecOn(g, p)

	res := stepAt(t, interp, g, exec, nil)
	if res.Outcome != OutcomeSuspend || res.ResumeAt != nil {
		t.Fatalf("expected suspend, got %s", res.Outcome)
	}
	if len(sender.messages) != 0 {
		t.Error("pause must not send messages")
	}

	res = stepAt(t, interp, g, exec, &ResumeInput{ReplyText: strPtr("oi")})
	if res.Outcome != OutcomeAdvance || res.Vars["msg"] != "oi" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestStep_Delay(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	d := b.node(domain.DelayConfig{Seconds: 5})
	end := b.node(domain.EndConfig{})
	b.edge(start, d, "")
	b.edge(d, end, "")
	g := b.build(t)

	interp, _, _ := newTestInterpreter()
	exec := newExecOn(g, d)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	node, _ := g.Node(d)
	res, err := interp.Step(context.Background(), StepInput{Execution: exec, Node: node, Graph: g, Now: now})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Outcome != OutcomeSuspend || res.ResumeAt == nil {
		t.Fatalf("expected timed suspend, got %+v", res)
	}
	if !res.ResumeAt.Equal(now.Add(5 * time.Second)) {
		t.Errorf("resume_at = %v, want %v", res.ResumeAt, now.Add(5*time.Second))
	}

	res = stepAt(t, interp, g, exec, &ResumeInput{ByTimer: true})
	if res.Outcome != OutcomeAdvance || res.Next != end {
		t.Errorf("timer resume should advance, got %s", res.Outcome)
	}
}

func TestStep_Condition(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	cond := b.node(domain.ConditionConfig{
		Conditions: []domain.Predicate{{Field: "nome", Operator: OpIsSet}},
	})
	yes := b.node(domain.EndConfig{})
	no := b.node(domain.EndConfig{})
	b.edge(start, cond, "")
	b.edge(cond, yes, domain.HandleTrue)
	b.edge(cond, no, domain.HandleFalse)
	g := b.build(t)

	interp, _, _ := newTestInterpreter()

	exec := newExecOn(g, cond)
	if res := stepAt(t, interp, g, exec, nil); res.Next != no {
		t.Error("unset variable should take false branch")
	}

	exec.SetVar("nome", "Maria")
	for i := 0; i < 5; i++ {
		if res := stepAt(t, interp, g, exec, nil); res.Next != yes {
			t.Fatal("same context must select the same branch")
		}
	}
}

func TestStep_ConditionWithoutBranchCompletes(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	cond := b.node(domain.ConditionConfig{
		Conditions: []domain.Predicate{{Field: "nome", Operator: OpIsSet}},
	})
	yes := b.node(domain.EndConfig{})
	b.edge(start, cond, "")
	b.edge(cond, yes, domain.HandleTrue)
	g := b.build(t)

	interp, _, _ := newTestInterpreter()
	if res := stepAt(t, interp, g, newExecOn(g, cond), nil); res.Outcome != OutcomeComplete {
		t.Errorf("missing false branch should complete, got %s", res.Outcome)
	}
}

func TestStep_ConditionBadExpressionFails(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	cond := b.node(domain.ConditionConfig{
		Conditions: []domain.Predicate{{Operator: OpExpr, Value: "nome ==="}},
	})
	b.edge(start, cond, "")
	g := b.build(t)

	interp, _, _ := newTestInterpreter()
	res := stepAt(t, interp, g, newExecOn(g, cond), nil)
	if res.Outcome != OutcomeFail || res.Reason == "" {
		t.Errorf("bad expression should fail the execution, got %+v", res)
	}
}

func TestStep_RandomizerPersistsChoice(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	rnd := b.node(domain.ConditionConfig{
		IsRandomizer: true,
		Weights:      []domain.Weight{{Handle: "a", Weight: 50}, {Handle: "b", Weight: 50}},
	})
	a := b.node(domain.EndConfig{})
	bb := b.node(domain.EndConfig{})
	b.edge(start, rnd, "")
	b.edge(rnd, a, "a")
	b.edge(rnd, bb, "b")
	g := b.build(t)

	interp, _, _ := newTestInterpreter(WithRand(rand.New(rand.NewPCG(1, 2))))
	exec := newExecOn(g, rnd)

	first := stepAt(t, interp, g, exec, nil)
	if first.Choice == "" {
		t.Fatal("first draw should report the choice")
	}
	exec.RecordChoice(rnd, first.Choice)

	for i := 0; i < 20; i++ {
		res := stepAt(t, interp, g, exec, nil)
		if res.Next != first.Next {
			t.Fatalf("replay %d re-rolled: %s != %s", i, res.Next, first.Next)
		}
		if res.Choice != "" {
			t.Fatal("replay must not produce a new draw")
		}
	}
}

func TestStep_RandomizerWeights(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	rnd := b.node(domain.ConditionConfig{
		IsRandomizer: true,
		Weights:      []domain.Weight{{Handle: "a", Weight: 1}, {Handle: "b", Weight: 0}},
	})
	a := b.node(domain.EndConfig{})
	bb := b.node(domain.EndConfig{})
	b.edge(start, rnd, "")
	b.edge(rnd, a, "a")
	b.edge(rnd, bb, "b")
	g := b.build(t)

	interp, _, _ := newTestInterpreter()
	for i := 0; i < 20; i++ {
		if res := stepAt(t, interp, g, newExecOn(g, rnd), nil); res.Next != a {
			t.Fatal("zero-weight handle must never be chosen")
		}
	}
}

func TestStep_ActionAndTransfer(t *testing.T) {
	stage := uuid.New()
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	tag := b.node(domain.ActionConfig{Action: domain.ActionAddTag, Tag: "interessado"})
	move := b.node(domain.ActionConfig{Action: domain.ActionMoveStage, StageID: &stage})
	hook := b.node(domain.ActionConfig{Action: domain.ActionWebhook, URL: "https://hooks.example.com/{{contact.name}}"})
	transfer := b.node(domain.TransferConfig{Department: "suporte"})
	b.edge(start, tag, "")
	b.edge(tag, move, "")
	b.edge(move, hook, "")
	b.edge(hook, transfer, "")
	g := b.build(t)

	interp, _, crm := newTestInterpreter()
	exec := newExecOn(g, tag)

	for _, expected := range []uuid.UUID{move, hook, transfer} {
		res := stepAt(t, interp, g, exec, nil)
		if res.Outcome != OutcomeAdvance || res.Next != expected {
			t.Fatalf("expected advance to %s, got %s", expected, res.Outcome)
		}
		_ = exec.AdvanceTo(res.Next, time.Now())
	}

	res := stepAt(t, interp, g, exec, nil)
	if res.Outcome != OutcomeComplete {
		t.Fatalf("transfer should complete, got %s", res.Outcome)
	}

	want := []string{
		"add_tag:interessado",
		"move_stage:" + stage.String(),
		"webhook:POST https://hooks.example.com/Maria",
		"transfer:suporte",
	}
	if len(crm.calls) != len(want) {
		t.Fatalf("calls = %v", crm.calls)
	}
	for i := range want {
		if crm.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, crm.calls[i], want[i])
		}
	}
	if crm.keys[0] == crm.keys[1] {
		t.Error("different steps must use different idempotency keys")
	}
}

func TestStep_TransientErrorIsReturned(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	msg := b.node(domain.MessageConfig{Text: "oi"})
	b.edge(start, msg, "")
	g := b.build(t)

	interp, sender, _ := newTestInterpreter()
	sender.failures = 1
	exec := newExecOn(g, msg)
	node, _ := g.Node(msg)

	_, err := interp.Step(context.Background(), StepInput{Execution: exec, Node: node, Graph: g, Now: time.Now()})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	res, err := interp.Step(context.Background(), StepInput{Execution: exec, Node: node, Graph: g, Now: time.Now()})
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Errorf("expected complete, got %s", res.Outcome)
	}
}

func TestStep_ConfigErrorFromCRMFails(t *testing.T) {
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	tag := b.node(domain.ActionConfig{Action: domain.ActionAddTag, Tag: "x"})
	b.edge(start, tag, "")
	g := b.build(t)

	interp, _, crm := newTestInterpreter()
	crm.err = fmt.Errorf("crm 422: %w", ErrConfig)

	res := stepAt(t, interp, g, newExecOn(g, tag), nil)
	if res.Outcome != OutcomeFail {
		t.Errorf("config error should fail, got %s", res.Outcome)
	}
	if !errors.Is(crm.err, ErrConfig) {
		t.Error("sanity: error should be a config error")
	}
}

func TestStep_GraphTermination(t *testing.T) {
	// start → message → condition(true) → action → delay → end
	b := newFlowBuilder()
	start := b.node(domain.StartConfig{})
	msg := b.node(domain.MessageConfig{Text: "oi"})
	cond := b.node(domain.ConditionConfig{Conditions: []domain.Predicate{{Field: "contact.name", Operator: OpIsSet}}})
	act := b.node(domain.ActionConfig{Action: domain.ActionAddTag, Tag: "visto"})
	d := b.node(domain.DelayConfig{Seconds: 1})
	end := b.node(domain.EndConfig{})
	b.edge(start, msg, "")
	b.edge(msg, cond, "")
	b.edge(cond, act, domain.HandleTrue)
	b.edge(act, d, "")
	b.edge(d, end, "")
	g := b.build(t)

	interp, _, _ := newTestInterpreter()
	exec := newExecOn(g, start)
	var resume *ResumeInput

	for steps := 0; steps <= len(g.Nodes); steps++ {
		res := stepAt(t, interp, g, exec, resume)
		resume = nil
		switch res.Outcome {
		case OutcomeAdvance:
			_ = exec.AdvanceTo(res.Next, time.Now())
		case OutcomeSuspend:
			resume = &ResumeInput{ByTimer: true}
		case OutcomeComplete:
			return
		default:
			t.Fatalf("unexpected outcome %s", res.Outcome)
		}
	}
	t.Fatalf("execution did not complete within %d steps", len(g.Nodes))
}
