package trigger

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

type fakeFlows struct {
	flows []domain.Flow
	err   error
}

func (f *fakeFlows) ListActiveByTrigger(_ context.Context, companyID uuid.UUID, trigger domain.TriggerType) ([]domain.Flow, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Flow
	for _, fl := range f.flows {
		if fl.CompanyID == companyID && fl.TriggerType == trigger && fl.IsActive {
			out = append(out, fl)
		}
	}
	return out, nil
}

func keywordFlow(company uuid.UUID, keywords ...string) domain.Flow {
	return domain.Flow{
		ID:            uuid.New(),
		CompanyID:     company,
		IsActive:      true,
		TriggerType:   domain.TriggerKeyword,
		TriggerConfig: domain.TriggerConfig{Keywords: keywords},
	}
}

func ptr[T any](v T) *T { return &v }

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Olá, bom dia", []string{"olá", "bom", "dia"}},
		{"  OI!!! ", []string{"oi"}},
		{"preço: R$10,00?", []string{"preço", "r", "10", "00"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMatchesKeyword(t *testing.T) {
	flow := keywordFlow(uuid.New(), "oi", " Olá ", "bom dia")

	tests := []struct {
		text string
		want bool
	}{
		{"Olá, bom dia", true},
		{"OI", true},
		{"oi tudo bem?", true},
		{"oitenta reais", false},
		{"bom", false},
		{"tenha um BOM DIA", true},
		{"dia bom", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := MatchesKeyword(&flow, tt.text); got != tt.want {
				t.Errorf("MatchesKeyword(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestMatchesStageChange(t *testing.T) {
	funnel, stageA, stageB := uuid.New(), uuid.New(), uuid.New()
	flow := &domain.Flow{TriggerConfig: domain.TriggerConfig{FunnelID: &funnel, StageID: &stageB}}
	anyStage := &domain.Flow{TriggerConfig: domain.TriggerConfig{FunnelID: &funnel}}

	tests := []struct {
		name string
		flow *domain.Flow
		ev   domain.Event
		want bool
	}{
		{"exact stage", flow, domain.Event{FunnelID: &funnel, FromStageID: &stageA, StageID: &stageB}, true},
		{"other stage", flow, domain.Event{FunnelID: &funnel, FromStageID: &stageB, StageID: &stageA}, false},
		{"other funnel", flow, domain.Event{FunnelID: ptr(uuid.New()), StageID: &stageB}, false},
		{"any stage", anyStage, domain.Event{FunnelID: &funnel, FromStageID: &stageB, StageID: &stageA}, true},
		{"same stage", anyStage, domain.Event{FunnelID: &funnel, FromStageID: &stageA, StageID: &stageA}, false},
		{"no stage", anyStage, domain.Event{FunnelID: &funnel}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesStageChange(tt.flow, &tt.ev); got != tt.want {
				t.Errorf("MatchesStageChange() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesNewLead(t *testing.T) {
	funnel := uuid.New()
	scoped := &domain.Flow{TriggerConfig: domain.TriggerConfig{FunnelID: &funnel}}
	anyFunnel := &domain.Flow{}

	if !MatchesNewLead(scoped, &domain.Event{FunnelID: &funnel}) {
		t.Error("same funnel should match")
	}
	if MatchesNewLead(scoped, &domain.Event{FunnelID: ptr(uuid.New())}) {
		t.Error("other funnel should not match")
	}
	if MatchesNewLead(scoped, &domain.Event{}) {
		t.Error("lead without funnel should not match scoped flow")
	}
	if !MatchesNewLead(anyFunnel, &domain.Event{FunnelID: &funnel}) {
		t.Error("flow without funnel should match any lead")
	}
}

func TestMatcher_FanOutAndTenant(t *testing.T) {
	company, other := uuid.New(), uuid.New()
	a := keywordFlow(company, "oi")
	b := keywordFlow(company, "olá")
	c := keywordFlow(company, "promo")
	foreign := keywordFlow(other, "olá")
	inactive := keywordFlow(company, "olá")
	inactive.IsActive = false

	m := NewMatcher(&fakeFlows{flows: []domain.Flow{a, b, c, foreign, inactive}})

	got, err := m.Match(context.Background(), &domain.Event{
		Type:        domain.EventKeyword,
		CompanyID:   company,
		MessageText: "Oi, olá!",
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := map[uuid.UUID]bool{}
	for _, f := range got {
		ids[f.ID] = true
	}
	if len(got) != 2 || !ids[a.ID] || !ids[b.ID] {
		t.Errorf("Match() returned %d flows, want a and b", len(got))
	}
}

func TestMatcher_NoMatchIsNotError(t *testing.T) {
	m := NewMatcher(&fakeFlows{flows: []domain.Flow{keywordFlow(uuid.New(), "oi")}})
	got, err := m.Match(context.Background(), &domain.Event{Type: domain.EventKeyword, CompanyID: uuid.New(), MessageText: "oi"})
	if err != nil || len(got) != 0 {
		t.Errorf("Match() = %v, %v", got, err)
	}
}

func TestMatcher_Errors(t *testing.T) {
	m := NewMatcher(&fakeFlows{})
	_, err := m.Match(context.Background(), &domain.Event{Type: domain.EventContinueExecution})
	if !errors.Is(err, ErrNotMatchable) {
		t.Errorf("continue_execution error = %v, want ErrNotMatchable", err)
	}

	boom := errors.New("db down")
	m = NewMatcher(&fakeFlows{err: boom})
	_, err = m.Match(context.Background(), &domain.Event{Type: domain.EventNewLead})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped db error", err)
	}
}
