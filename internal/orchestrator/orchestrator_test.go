package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/cache"
	"github.com/shaiso/Funnel/internal/crm"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/mq"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/repo/memory"
)

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSender struct {
	mu       sync.Mutex
	messages []engine.OutboundMessage
	failures int
}

func (s *fakeSender) Send(_ context.Context, msg engine.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return "", fmt.Errorf("gateway 503: %w", engine.ErrTransient)
	}
	s.messages = append(s.messages, msg)
	return fmt.Sprintf("wamid-%d", len(s.messages)), nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.messages {
		out = append(out, m.Content)
	}
	return out
}

type fakeCRM struct {
	mu   sync.Mutex
	tags []string
}

func (c *fakeCRM) AddTag(_ context.Context, _, _ uuid.UUID, tag, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, tag)
	return nil
}

func (c *fakeCRM) MoveStage(context.Context, uuid.UUID, uuid.UUID, *uuid.UUID, uuid.UUID, string) error {
	return nil
}

func (c *fakeCRM) TransferToHuman(context.Context, uuid.UUID, uuid.UUID, string, string, string) error {
	return nil
}

func (c *fakeCRM) CallWebhook(context.Context, uuid.UUID, engine.WebhookCall) error {
	return nil
}

type fakeContacts struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]domain.Contact
	leads    map[uuid.UUID]uuid.UUID
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{
		contacts: make(map[uuid.UUID]domain.Contact),
		leads:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeContacts) check(c domain.Contact, companyID uuid.UUID) (*domain.Contact, error) {
	if c.CompanyID != companyID {
		return nil, fmt.Errorf("%w: contact %s", crm.ErrTenantViolation, c.ID)
	}
	return &c, nil
}

func (f *fakeContacts) GetContact(_ context.Context, companyID, contactID uuid.UUID) (*domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[contactID]
	if !ok {
		return nil, crm.ErrContactNotFound
	}
	return f.check(c, companyID)
}

func (f *fakeContacts) ResolveLeadContact(ctx context.Context, companyID, leadID uuid.UUID) (*domain.Contact, error) {
	f.mu.Lock()
	contactID, ok := f.leads[leadID]
	f.mu.Unlock()
	if !ok {
		return nil, crm.ErrContactNotFound
	}
	return f.GetContact(ctx, companyID, contactID)
}

func (f *fakeContacts) FindContactByPhone(_ context.Context, companyID uuid.UUID, phone string) (*domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	phone = domain.NormalizePhone(phone)
	for _, c := range f.contacts {
		if c.CompanyID == companyID && domain.NormalizePhone(c.Phone) == phone {
			return &c, nil
		}
	}
	return nil, crm.ErrContactNotFound
}

// --- Harness ---

type harness struct {
	t        *testing.T
	store    *memory.Store
	sender   *fakeSender
	crm      *fakeCRM
	contacts *fakeContacts
	clock    *fakeClock
	cfg      Config
	orch     *Orchestrator
	company  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:        t,
		store:    memory.New(),
		sender:   &fakeSender{},
		crm:      &fakeCRM{},
		contacts: newFakeContacts(),
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		company:  uuid.New(),
	}
	interp := engine.NewInterpreter(h.sender, h.crm, engine.WithRand(rand.New(rand.NewPCG(7, 11))))
	h.cfg = Config{
		Flows:        h.store.Flows,
		Executions:   h.store.Executions,
		Events:       h.store.Events,
		Graphs:       cache.NewLoader(h.store.Flows, nil, logger),
		Interpreter:  interp,
		Contacts:     h.contacts,
		RunningLease: 30 * time.Second,
		Backoff:      BackoffPolicy{Kind: "fixed", InitialDelay: time.Second},
		Now:          h.clock.Now,
		Logger:       logger,
	}
	h.orch = New(h.cfg)
	return h
}

// useGraphs пересоздаёт orchestrator с другим загрузчиком графов.
func (h *harness) useGraphs(g GraphLoader) {
	h.cfg.Graphs = g
	h.orch = New(h.cfg)
}

// flakyGraphs отказывает в загрузке графа заданное число раз на flow.
type flakyGraphs struct {
	GraphLoader
	mu   sync.Mutex
	fail map[uuid.UUID]int
}

func (g *flakyGraphs) Load(ctx context.Context, companyID, flowID uuid.UUID) (*engine.Graph, error) {
	g.mu.Lock()
	if g.fail[flowID] > 0 {
		g.fail[flowID]--
		g.mu.Unlock()
		return nil, errors.New("redis: connection refused")
	}
	g.mu.Unlock()
	return g.GraphLoader.Load(ctx, companyID, flowID)
}

// contact регистрирует контакт компании и лид, который на него ссылается.
func (h *harness) contact(companyID uuid.UUID, name, phone string) (contactID, leadID uuid.UUID) {
	h.contacts.mu.Lock()
	defer h.contacts.mu.Unlock()
	contactID, leadID = uuid.New(), uuid.New()
	h.contacts.contacts[contactID] = domain.Contact{ID: contactID, CompanyID: companyID, Name: name, Phone: phone}
	h.contacts.leads[leadID] = contactID
	return contactID, leadID
}

type graphBuilder struct {
	nodes []domain.Node
	edges []domain.Edge
}

func (b *graphBuilder) node(cfg domain.NodeConfig) uuid.UUID {
	id := uuid.New()
	b.nodes = append(b.nodes, domain.Node{ID: id, Type: cfg.NodeType(), Config: cfg})
	return id
}

func (b *graphBuilder) edge(from, to uuid.UUID, handle string) {
	b.edges = append(b.edges, domain.Edge{ID: uuid.New(), SourceNodeID: from, TargetNodeID: to, SourceHandle: handle})
}

// chain строит start → cfgs... → end и возвращает ID узлов без start и end.
func chain(cfgs ...domain.NodeConfig) (*graphBuilder, []uuid.UUID) {
	b := &graphBuilder{}
	prev := b.node(domain.StartConfig{})
	var ids []uuid.UUID
	for _, cfg := range cfgs {
		id := b.node(cfg)
		b.edge(prev, id, "")
		ids = append(ids, id)
		prev = id
	}
	b.edge(prev, b.node(domain.EndConfig{}), "")
	return b, ids
}

func (h *harness) flow(trigger domain.TriggerType, cfg domain.TriggerConfig, b *graphBuilder) *domain.Flow {
	h.t.Helper()
	ctx := context.Background()
	flow := &domain.Flow{
		ID:            uuid.New(),
		CompanyID:     h.company,
		Name:          string(trigger) + " flow",
		IsActive:      true,
		TriggerType:   trigger,
		TriggerConfig: cfg,
		CreatedAt:     h.clock.Now(),
		UpdatedAt:     h.clock.Now(),
	}
	if err := h.store.Flows.Create(ctx, flow); err != nil {
		h.t.Fatal(err)
	}
	if err := h.store.Flows.SaveGraph(ctx, h.company, flow.ID, b.nodes, b.edges); err != nil {
		h.t.Fatal(err)
	}
	return flow
}

// process записывает событие и обрабатывает его.
func (h *harness) process(ev domain.Event) *domain.InboundEvent {
	h.t.Helper()
	ctx := context.Background()
	if ev.CompanyID == uuid.Nil {
		ev.CompanyID = h.company
	}
	stored, _, err := h.store.Events.Record(ctx, domain.NewInboundEvent(ev, uuid.NewString(), h.clock.Now()))
	if err != nil {
		h.t.Fatal(err)
	}
	if err := h.orch.ProcessEvent(ctx, stored); err != nil {
		h.t.Fatalf("ProcessEvent: %v", err)
	}
	got, err := h.store.Events.GetByID(ctx, stored.CompanyID, stored.ID)
	if err != nil {
		h.t.Fatal(err)
	}
	return got
}

func (h *harness) executions(flowID uuid.UUID) []domain.Execution {
	h.t.Helper()
	execs, err := h.store.Executions.List(context.Background(), repo.ExecutionFilter{CompanyID: h.company, FlowID: &flowID})
	if err != nil {
		h.t.Fatal(err)
	}
	return execs
}

func (h *harness) onlyExecution(flowID uuid.UUID) domain.Execution {
	h.t.Helper()
	execs := h.executions(flowID)
	if len(execs) != 1 {
		h.t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	return execs[0]
}

func (h *harness) tick() int {
	h.t.Helper()
	n, err := h.orch.Tick(context.Background())
	if err != nil {
		h.t.Fatalf("Tick: %v", err)
	}
	return n
}

func ptr[T any](v T) *T { return &v }

func assertSent(t *testing.T, s *fakeSender, want ...string) {
	t.Helper()
	got := s.sent()
	if len(got) != len(want) {
		t.Fatalf("sent %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// --- Scenarios ---

func TestKeywordTriggerScenario(t *testing.T) {
	h := newHarness(t)
	h.contact(h.company, "Ana", "+55 (11) 98765-4321")
	b, _ := chain(domain.MessageConfig{Text: "Bem-vindo"})
	flow := h.flow(domain.TriggerKeyword, domain.TriggerConfig{Keywords: []string{"oi", "olá"}}, b)

	ev := h.process(domain.Event{Type: domain.EventKeyword, Phone: "5511987654321", MessageText: "Olá, bom dia"})

	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("event status = %s, want PROCESSED (%s)", ev.Status, ev.Error)
	}
	assertSent(t, h.sender, "Bem-vindo")

	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if exec.Phone != "5511987654321" {
		t.Errorf("phone = %q", exec.Phone)
	}
}

func TestKeywordNoMatchIsNoop(t *testing.T) {
	h := newHarness(t)
	h.contact(h.company, "Ana", "5511987654321")
	b, _ := chain(domain.MessageConfig{Text: "Bem-vindo"})
	flow := h.flow(domain.TriggerKeyword, domain.TriggerConfig{Keywords: []string{"oi"}}, b)

	ev := h.process(domain.Event{Type: domain.EventKeyword, Phone: "5511987654321", MessageText: "oitenta reais"})

	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("event status = %s", ev.Status)
	}
	if n := len(h.executions(flow.ID)); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestQuestionResumeScenario(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, ids := chain(
		domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"},
		domain.MessageConfig{Text: "Olá {{nome}}!"},
	)
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)
	question := ids[0]

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})

	assertSent(t, h.sender, "Qual seu nome?")
	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionWaiting || exec.CurrentNodeID != question {
		t.Fatalf("after trigger: status=%s node=%s", exec.Status, exec.CurrentNodeID)
	}
	if !exec.IsAwaitingReply() {
		t.Fatal("execution should await reply")
	}

	ev := h.process(domain.Event{
		Type:           domain.EventContinueExecution,
		ExecutionID:    &exec.ID,
		ExpectedNodeID: &question,
		ReplyText:      ptr("Maria"),
	})
	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("continue status = %s (%s)", ev.Status, ev.Error)
	}

	assertSent(t, h.sender, "Qual seu nome?", "Olá Maria!")
	exec = h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if exec.Context["nome"] != "Maria" {
		t.Errorf("context nome = %v", exec.Context["nome"])
	}
}

func TestResumeIdempotence(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, ids := chain(
		domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"},
		domain.QuestionConfig{Text: "E sua cidade?", Variable: "cidade"},
	)
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)
	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	exec := h.onlyExecution(flow.ID)

	cont := domain.Event{
		Type:           domain.EventContinueExecution,
		ExecutionID:    &exec.ID,
		ExpectedNodeID: &ids[0],
		ReplyText:      ptr("Maria"),
	}
	first := h.process(cont)
	second := h.process(cont)

	for _, ev := range []*domain.InboundEvent{first, second} {
		if ev.Status != domain.EventStatusProcessed {
			t.Errorf("event %s status = %s", ev.ID, ev.Status)
		}
	}

	exec = h.onlyExecution(flow.ID)
	if exec.CurrentNodeID != ids[1] {
		t.Errorf("current node = %s, want second question", exec.CurrentNodeID)
	}
	if exec.Context["cidade"] != nil {
		t.Errorf("second continue must not answer the next question, cidade = %v", exec.Context["cidade"])
	}
	assertSent(t, h.sender, "Qual seu nome?", "E sua cidade?")
}

func TestResumeIdempotence_SameEventRetried(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(
		domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"},
		domain.QuestionConfig{Text: "E sua cidade?", Variable: "cidade"},
	)
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)
	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	exec := h.onlyExecution(flow.ID)

	// Без expected_node_id: повтор того же события распознаётся по last_event_id
	ctx := context.Background()
	ev := domain.NewInboundEvent(domain.Event{
		Type:        domain.EventContinueExecution,
		CompanyID:   h.company,
		ExecutionID: &exec.ID,
		ReplyText:   ptr("Maria"),
	}, "retry-key", h.clock.Now())
	if _, _, err := h.store.Events.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := h.orch.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}

	exec = h.onlyExecution(flow.ID)
	if exec.Context["nome"] != "Maria" || exec.Context["cidade"] != nil {
		t.Errorf("context = %v", exec.Context)
	}
}

func TestResumeIdempotence_Concurrent(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, ids := chain(
		domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"},
		domain.MessageConfig{Text: "Olá {{nome}}!"},
	)
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)
	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	exec := h.onlyExecution(flow.ID)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 8 {
		ev := domain.NewInboundEvent(domain.Event{
			Type:           domain.EventContinueExecution,
			CompanyID:      h.company,
			ExecutionID:    &exec.ID,
			ExpectedNodeID: &ids[0],
			ReplyText:      ptr("Maria"),
		}, fmt.Sprintf("reply-%d", i), h.clock.Now())
		if _, _, err := h.store.Events.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.orch.ProcessEvent(ctx, ev); err != nil {
				t.Errorf("ProcessEvent: %v", err)
			}
		}()
	}
	wg.Wait()

	assertSent(t, h.sender, "Qual seu nome?", "Olá Maria!")
	if got := h.onlyExecution(flow.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("status = %s", got)
	}
}

func TestUniqueActiveExecution_Concurrent(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 10 {
		ev := domain.NewInboundEvent(domain.Event{Type: domain.EventNewLead, CompanyID: h.company, LeadID: &lead},
			fmt.Sprintf("lead-%d", i), h.clock.Now())
		if _, _, err := h.store.Events.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.orch.ProcessEvent(ctx, ev); err != nil {
				t.Errorf("ProcessEvent: %v", err)
			}
		}()
	}
	wg.Wait()

	execs := h.executions(flow.ID)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	assertSent(t, h.sender, "Qual seu nome?")
}

func TestFanOut(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b1, _ := chain(domain.MessageConfig{Text: "um"})
	b2, _ := chain(domain.MessageConfig{Text: "dois"})
	f1 := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b1)
	f2 := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b2)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})

	for _, f := range []*domain.Flow{f1, f2} {
		if got := h.onlyExecution(f.ID).Status; got != domain.ExecutionCompleted {
			t.Errorf("flow %s: status = %s", f.Name, got)
		}
	}
	if n := len(h.sender.sent()); n != 2 {
		t.Errorf("sent %d messages, want 2", n)
	}
}

func TestInboundMessageResumesBeforeKeywordMatch(t *testing.T) {
	h := newHarness(t)
	contactID, lead := h.contact(h.company, "Maria", "5511900000001")
	qb, _ := chain(
		domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"},
		domain.MessageConfig{Text: "Olá {{nome}}!"},
	)
	question := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, qb)
	kb, _ := chain(domain.MessageConfig{Text: "keyword flow"})
	keyword := h.flow(domain.TriggerKeyword, domain.TriggerConfig{Keywords: []string{"maria"}}, kb)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	h.process(domain.Event{Type: domain.EventKeyword, ContactID: &contactID, MessageText: "Maria"})

	assertSent(t, h.sender, "Qual seu nome?", "Olá Maria!")
	if got := h.onlyExecution(question.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("question flow status = %s", got)
	}
	if n := len(h.executions(keyword.ID)); n != 0 {
		t.Errorf("keyword flow started %d executions, want 0", n)
	}

	// Ожидающих больше нет: то же слово запускает keyword flow
	h.process(domain.Event{Type: domain.EventKeyword, Phone: "5511900000001", MessageText: "Maria"})
	if got := h.onlyExecution(keyword.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("keyword flow status = %s", got)
	}
}

func TestUnmatchedButtonKeepsWaiting(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b := &graphBuilder{}
	start := b.node(domain.StartConfig{})
	msg := b.node(domain.MessageConfig{Text: "Escolha", Buttons: []domain.Button{{Text: "Sim"}, {Text: "Não"}}})
	yes := b.node(domain.MessageConfig{Text: "ok"})
	end := b.node(domain.EndConfig{})
	b.edge(start, msg, "")
	b.edge(msg, yes, domain.ButtonHandle(0))
	b.edge(yes, end, "")
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	h.process(domain.Event{Type: domain.EventKeyword, Phone: "5511900000001", MessageText: "talvez"})

	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionWaiting || exec.CurrentNodeID != msg {
		t.Fatalf("status=%s node=%s, want waiting on buttons", exec.Status, exec.CurrentNodeID)
	}

	h.process(domain.Event{Type: domain.EventKeyword, Phone: "5511900000001", MessageText: "sim"})
	assertSent(t, h.sender, "Escolha", "ok")
	if got := h.onlyExecution(flow.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("status = %s", got)
	}
}

func TestDelayAccuracy(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.DelayConfig{Seconds: 5}, domain.MessageConfig{Text: "depois"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)
	suspendedAt := h.clock.Now()

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})

	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionWaiting || exec.NextActionAt == nil {
		t.Fatalf("status=%s next=%v", exec.Status, exec.NextActionAt)
	}
	if want := suspendedAt.Add(5 * time.Second); !exec.NextActionAt.Equal(want) {
		t.Errorf("next_action_at = %v, want %v", exec.NextActionAt, want)
	}

	h.clock.Advance(4*time.Second + 999*time.Millisecond)
	if n := h.tick(); n != 0 {
		t.Fatalf("resumed %d executions before delay elapsed", n)
	}
	assertSent(t, h.sender)

	h.clock.Advance(time.Millisecond)
	if n := h.tick(); n != 1 {
		t.Fatalf("resumed %d executions, want 1", n)
	}
	assertSent(t, h.sender, "depois")
	if got := h.onlyExecution(flow.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("status = %s", got)
	}

	if n := h.tick(); n != 0 {
		t.Errorf("completed execution resumed again")
	}
}

func TestRandomizerPersistence(t *testing.T) {
	for _, handle := range []string{"a", "b"} {
		t.Run(handle, func(t *testing.T) {
			h := newHarness(t)
			contactID, _ := h.contact(h.company, "Maria", "5511900000001")

			b := &graphBuilder{}
			start := b.node(domain.StartConfig{})
			rnd := b.node(domain.ConditionConfig{
				IsRandomizer: true,
				Weights:      []domain.Weight{{Handle: "a", Weight: 50}, {Handle: "b", Weight: 50}},
			})
			msgA := b.node(domain.MessageConfig{Text: "A"})
			msgB := b.node(domain.MessageConfig{Text: "B"})
			end := b.node(domain.EndConfig{})
			b.edge(start, rnd, "")
			b.edge(rnd, msgA, "a")
			b.edge(rnd, msgB, "b")
			b.edge(msgA, end, "")
			b.edge(msgB, end, "")
			flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

			// Процесс упал после сохранения розыгрыша, но до перехода
			contact, _ := h.contacts.GetContact(context.Background(), h.company, contactID)
			exec := domain.NewExecution(flow, contact, rnd, h.clock.Now().Add(-time.Minute))
			exec.RecordChoice(rnd, handle)
			if _, err := h.store.Executions.Create(context.Background(), exec); err != nil {
				t.Fatal(err)
			}

			if n := h.tick(); n != 1 {
				t.Fatalf("resumed %d, want 1", n)
			}
			assertSent(t, h.sender, map[string]string{"a": "A", "b": "B"}[handle])
		})
	}
}

func TestRandomizerChoiceIsStored(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b := &graphBuilder{}
	start := b.node(domain.StartConfig{})
	rnd := b.node(domain.ConditionConfig{
		IsRandomizer: true,
		Weights:      []domain.Weight{{Handle: "a", Weight: 50}, {Handle: "b", Weight: 50}},
	})
	qa := b.node(domain.QuestionConfig{Text: "A?", Variable: "x"})
	qb := b.node(domain.QuestionConfig{Text: "B?", Variable: "x"})
	b.edge(start, rnd, "")
	b.edge(rnd, qa, "a")
	b.edge(rnd, qb, "b")
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})

	exec := h.onlyExecution(flow.ID)
	if len(exec.Choices) != 1 {
		t.Fatalf("choices = %v, want one stored draw", exec.Choices)
	}
	var chosen string
	for _, v := range exec.Choices {
		chosen = v
	}
	want := map[string]uuid.UUID{"a": qa, "b": qb}[chosen]
	if exec.CurrentNodeID != want {
		t.Errorf("current node does not follow stored choice %q", chosen)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	h.sender.failures = 100
	b, ids := chain(domain.MessageConfig{Text: "Bem-vindo"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	ev := h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("step failures must not fail the event, status = %s", ev.Status)
	}

	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionRunning || exec.Attempts != 1 || exec.NextActionAt == nil {
		t.Fatalf("after first failure: status=%s attempts=%d next=%v", exec.Status, exec.Attempts, exec.NextActionAt)
	}
	if exec.CurrentNodeID != ids[0] {
		t.Errorf("retry must stay on the same node")
	}

	h.clock.Advance(time.Second)
	h.tick()
	if exec = h.onlyExecution(flow.ID); exec.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", exec.Attempts)
	}

	h.clock.Advance(time.Second)
	h.tick()
	exec = h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.LastError == "" {
		t.Error("last_error should be set")
	}

	h.clock.Advance(time.Minute)
	if n := h.tick(); n != 0 {
		t.Errorf("failed execution consumed a scheduler cycle")
	}

	counts, err := h.store.Executions.CountByFlow(context.Background(), h.company)
	if err != nil {
		t.Fatal(err)
	}
	if c := counts[flow.ID]; c.Failed != 1 || c.LastFailedAt == nil {
		t.Errorf("counts = %+v", c)
	}
}

func TestRetryRecovers(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	h.sender.failures = 1
	b, _ := chain(domain.MessageConfig{Text: "Bem-vindo"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	h.clock.Advance(time.Second)
	h.tick()

	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.Attempts != 0 || exec.LastError != "" {
		t.Errorf("attempts=%d last_error=%q should be reset", exec.Attempts, exec.LastError)
	}
	assertSent(t, h.sender, "Bem-vindo")
}

func TestStaleRunningRecovered(t *testing.T) {
	h := newHarness(t)
	contactID, _ := h.contact(h.company, "Maria", "5511900000001")
	b, ids := chain(domain.MessageConfig{Text: "Bem-vindo"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	contact, _ := h.contacts.GetContact(context.Background(), h.company, contactID)
	exec := domain.NewExecution(flow, contact, ids[0], h.clock.Now().Add(-10*time.Second))
	if _, err := h.store.Executions.Create(context.Background(), exec); err != nil {
		t.Fatal(err)
	}

	if n := h.tick(); n != 0 {
		t.Fatalf("execution within lease must not be taken over")
	}
	h.clock.Advance(25 * time.Second)
	if n := h.tick(); n != 1 {
		t.Fatalf("resumed %d, want 1", n)
	}
	assertSent(t, h.sender, "Bem-vindo")
}

func TestInactiveFlow(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, ids := chain(
		domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"},
		domain.MessageConfig{Text: "Olá {{nome}}!"},
	)
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	exec := h.onlyExecution(flow.ID)

	if err := h.store.Flows.SetActive(context.Background(), h.company, flow.ID, false); err != nil {
		t.Fatal(err)
	}

	// Новые executions не создаются
	_, otherLead := h.contact(h.company, "João", "5511900000002")
	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &otherLead})
	if n := len(h.executions(flow.ID)); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}

	// Уже запущенный доходит до конца
	h.process(domain.Event{
		Type:           domain.EventContinueExecution,
		ExecutionID:    &exec.ID,
		ExpectedNodeID: &ids[0],
		ReplyText:      ptr("Maria"),
	})
	if got := h.onlyExecution(flow.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("in-flight execution status = %s, want completed", got)
	}
}

func TestTenantViolationRejected(t *testing.T) {
	h := newHarness(t)
	_, foreignLead := h.contact(uuid.New(), "Outro", "5511900000009")
	b, _ := chain(domain.MessageConfig{Text: "Bem-vindo"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	ev := h.process(domain.Event{Type: domain.EventNewLead, LeadID: &foreignLead})

	if ev.Status != domain.EventStatusRejected {
		t.Errorf("status = %s, want REJECTED", ev.Status)
	}
	if n := len(h.executions(flow.ID)); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
	assertSent(t, h.sender)
}

func TestContinueForeignExecution(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.QuestionConfig{Text: "Qual seu nome?", Variable: "nome"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)
	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})
	exec := h.onlyExecution(flow.ID)

	ev := h.process(domain.Event{
		Type:        domain.EventContinueExecution,
		CompanyID:   uuid.New(),
		ExecutionID: &exec.ID,
		ReplyText:   ptr("Maria"),
	})

	if ev.Status != domain.EventStatusRejected {
		t.Errorf("status = %s, want REJECTED", ev.Status)
	}
	if got := h.onlyExecution(flow.ID); got.Status != domain.ExecutionWaiting || got.Context["nome"] != nil {
		t.Errorf("foreign event changed execution: %+v", got)
	}
}

func TestContinueUnknownExecution(t *testing.T) {
	h := newHarness(t)

	ev := h.process(domain.Event{
		Type:        domain.EventContinueExecution,
		ExecutionID: ptr(uuid.New()),
		ReplyText:   ptr("Maria"),
	})

	if ev.Status != domain.EventStatusFailed {
		t.Errorf("status = %s, want FAILED", ev.Status)
	}
}

func TestRedeliveredEventDoesNotRestartFinishedFlow(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	bA, _ := chain(domain.MessageConfig{Text: "A-welcome"})
	flowA := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, bA)
	bB, _ := chain(domain.MessageConfig{Text: "B-welcome"})
	flowB := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, bB)
	h.useGraphs(&flakyGraphs{GraphLoader: h.cfg.Graphs, fail: map[uuid.UUID]int{flowB.ID: 1}})

	ctx := context.Background()
	in := domain.NewInboundEvent(domain.Event{Type: domain.EventNewLead, CompanyID: h.company, LeadID: &lead}, uuid.NewString(), h.clock.Now())
	stored, _, err := h.store.Events.Record(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	// Первая доставка: A выполнен, B упал на загрузке графа
	if err := h.orch.ProcessEvent(ctx, stored); err == nil {
		t.Fatal("first delivery: expected retryable error")
	}
	ev, err := h.store.Events.GetByID(ctx, h.company, stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != domain.EventStatusPending {
		t.Fatalf("event status after partial failure = %s, want PENDING", ev.Status)
	}

	// Повторная доставка того же события
	if err := h.orch.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	assertSent(t, h.sender, "A-welcome", "B-welcome")
	for _, flow := range []*domain.Flow{flowA, flowB} {
		if got := h.onlyExecution(flow.ID); got.Status != domain.ExecutionCompleted {
			t.Errorf("flow %s execution status = %s, want completed", flow.Name, got.Status)
		}
	}
	ev, _ = h.store.Events.GetByID(ctx, h.company, stored.ID)
	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("event status = %s, want PROCESSED", ev.Status)
	}
}

func TestInvalidGraphFailsExecution(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b := &graphBuilder{}
	b.node(domain.MessageConfig{Text: "sem start"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	ev := h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})

	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("event status = %s", ev.Status)
	}
	exec := h.onlyExecution(flow.ID)
	if exec.Status != domain.ExecutionFailed || exec.LastError == "" {
		t.Errorf("status=%s last_error=%q", exec.Status, exec.LastError)
	}
	assertSent(t, h.sender)
}

func TestActionWithTemplate(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.ActionConfig{Action: domain.ActionAddTag, Tag: "lead-{{contact.name}}"})
	flow := h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	h.process(domain.Event{Type: domain.EventNewLead, LeadID: &lead})

	if got := h.onlyExecution(flow.ID).Status; got != domain.ExecutionCompleted {
		t.Errorf("status = %s", got)
	}
	if len(h.crm.tags) != 1 || h.crm.tags[0] != "lead-Maria" {
		t.Errorf("tags = %v", h.crm.tags)
	}
}

func TestScheduleEvent(t *testing.T) {
	h := newHarness(t)
	contactID, _ := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.MessageConfig{Text: "Bom dia, {{contact.name}}"})
	flow := h.flow(domain.TriggerSchedule, domain.TriggerConfig{
		Schedule: &domain.ScheduleSpec{IntervalSec: 3600, ContactIDs: []uuid.UUID{contactID}},
	}, b)

	ev := h.process(domain.Event{Type: domain.EventSchedule, FlowID: &flow.ID, ContactID: &contactID})

	if ev.Status != domain.EventStatusProcessed {
		t.Errorf("status = %s (%s)", ev.Status, ev.Error)
	}
	assertSent(t, h.sender, "Bom dia, Maria")
}

func TestProcessEvent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.Event
		want domain.EventStatus
	}{
		{"keyword without contact", domain.Event{Type: domain.EventKeyword, MessageText: "oi"}, domain.EventStatusFailed},
		{"new_lead without lead", domain.Event{Type: domain.EventNewLead}, domain.EventStatusFailed},
		{"unknown lead", domain.Event{Type: domain.EventNewLead, LeadID: ptr(uuid.New())}, domain.EventStatusFailed},
		{"continue without execution", domain.Event{Type: domain.EventContinueExecution}, domain.EventStatusFailed},
		{"schedule without flow", domain.Event{Type: domain.EventSchedule}, domain.EventStatusFailed},
		{"unknown phone", domain.Event{Type: domain.EventKeyword, Phone: "5500", MessageText: "oi"}, domain.EventStatusProcessed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if got := h.process(tt.ev); got.Status != tt.want {
				t.Errorf("status = %s, want %s (%s)", got.Status, tt.want, got.Error)
			}
		})
	}
}

func TestProcessEvent_TerminalSkipped(t *testing.T) {
	h := newHarness(t)
	ev := domain.NewInboundEvent(domain.Event{Type: domain.EventNewLead, CompanyID: h.company}, "k", h.clock.Now())
	ev.MarkProcessed(h.clock.Now())

	if err := h.orch.ProcessEvent(context.Background(), ev); err != nil {
		t.Errorf("ProcessEvent: %v", err)
	}
	if ev.Attempts != 0 {
		t.Errorf("terminal event was processed again")
	}
}

func TestHandleEventPending(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.MessageConfig{Text: "Bem-vindo"})
	h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	ctx := context.Background()
	ev := domain.NewInboundEvent(domain.Event{Type: domain.EventNewLead, CompanyID: h.company, LeadID: &lead}, "k", h.clock.Now())
	if _, _, err := h.store.Events.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}

	msg := &mq.Message{
		ID:      uuid.NewString(),
		Type:    mq.MessageTypeEventPending,
		Payload: mq.EventPendingPayload{EventID: ev.ID, CompanyID: h.company, Type: ev.Type},
	}
	if err := h.orch.handleEventPending(ctx, msg); err != nil {
		t.Fatalf("handleEventPending: %v", err)
	}
	assertSent(t, h.sender, "Bem-vindo")

	missing := &mq.Message{Payload: mq.EventPendingPayload{EventID: uuid.New(), CompanyID: h.company}}
	if err := h.orch.handleEventPending(ctx, missing); !errors.Is(err, mq.ErrPoison) {
		t.Errorf("missing event: err = %v, want ErrPoison", err)
	}
}

func TestPollPicksUpOldPending(t *testing.T) {
	h := newHarness(t)
	_, lead := h.contact(h.company, "Maria", "5511900000001")
	b, _ := chain(domain.MessageConfig{Text: "Bem-vindo"})
	h.flow(domain.TriggerNewLead, domain.TriggerConfig{}, b)

	ctx := context.Background()
	ev := domain.NewInboundEvent(domain.Event{Type: domain.EventNewLead, CompanyID: h.company, LeadID: &lead}, "k", h.clock.Now())
	if _, _, err := h.store.Events.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}

	h.orch.poll(ctx)
	assertSent(t, h.sender)

	h.clock.Advance(defaultPollInterval)
	h.orch.poll(ctx)
	assertSent(t, h.sender, "Bem-vindo")

	got, _ := h.store.Events.GetByID(ctx, h.company, ev.ID)
	if got.Status != domain.EventStatusProcessed {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  BackoffPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed", BackoffPolicy{Kind: "fixed", InitialDelay: 2 * time.Second}, 3, 2 * time.Second},
		{"exponential 1", BackoffPolicy{Kind: "exponential", InitialDelay: time.Second}, 1, time.Second},
		{"exponential 3", BackoffPolicy{Kind: "exponential", InitialDelay: time.Second}, 3, 4 * time.Second},
		{"exponential capped", BackoffPolicy{Kind: "exponential", InitialDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"defaults", BackoffPolicy{}, 1, time.Second},
		{"default max", BackoffPolicy{Kind: "exponential", InitialDelay: time.Second}, 20, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateBackoff(tt.attempt, tt.policy); got != tt.want {
				t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}
