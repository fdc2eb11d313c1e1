// Package trigger сопоставляет входящие события с триггерами flows компании.
//
// Под одно событие может подойти несколько flows: каждый запускает
// собственный execution. Отсутствие совпадений не считается ошибкой.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

// ErrNotMatchable — событие не проходит через сопоставление
// (continue_execution, schedule): flow или execution заданы явно.
var ErrNotMatchable = errors.New("event type is not matched against triggers")

// FlowSource — источник активных flows.
type FlowSource interface {
	ListActiveByTrigger(ctx context.Context, companyID uuid.UUID, trigger domain.TriggerType) ([]domain.Flow, error)
}

// Matcher находит flows, чей триггер срабатывает на событие.
type Matcher struct {
	flows FlowSource
}

// NewMatcher создаёт Matcher.
func NewMatcher(flows FlowSource) *Matcher {
	return &Matcher{flows: flows}
}

// Match возвращает активные flows компании события, подходящие под него.
func (m *Matcher) Match(ctx context.Context, ev *domain.Event) ([]domain.Flow, error) {
	trigger, ok := TriggerFor(ev.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMatchable, ev.Type)
	}

	candidates, err := m.flows.ListActiveByTrigger(ctx, ev.CompanyID, trigger)
	if err != nil {
		return nil, fmt.Errorf("list %s flows: %w", trigger, err)
	}

	var tokens []string
	if ev.Type == domain.EventKeyword {
		tokens = Tokenize(ev.MessageText)
	}

	var matched []domain.Flow
	for _, flow := range candidates {
		if flow.CompanyID != ev.CompanyID || !flow.IsActive {
			continue
		}
		if matches(&flow, ev, tokens) {
			matched = append(matched, flow)
		}
	}
	return matched, nil
}

// TriggerFor возвращает тип триггера, который срабатывает на событие.
func TriggerFor(t domain.EventType) (domain.TriggerType, bool) {
	switch t {
	case domain.EventNewLead:
		return domain.TriggerNewLead, true
	case domain.EventKeyword:
		return domain.TriggerKeyword, true
	case domain.EventStageChange:
		return domain.TriggerStageChange, true
	default:
		return "", false
	}
}

func matches(flow *domain.Flow, ev *domain.Event, tokens []string) bool {
	switch ev.Type {
	case domain.EventNewLead:
		return MatchesNewLead(flow, ev)
	case domain.EventKeyword:
		return matchesTokens(flow, tokens)
	case domain.EventStageChange:
		return MatchesStageChange(flow, ev)
	}
	return false
}

// MatchesNewLead: воронка не задана — подходит любая.
func MatchesNewLead(flow *domain.Flow, ev *domain.Event) bool {
	return sameOrAny(flow.TriggerConfig.FunnelID, ev.FunnelID)
}

// MatchesStageChange проверяет воронку и, если задан, целевой этап.
// Перемещение в тот же этап изменением не считается.
func MatchesStageChange(flow *domain.Flow, ev *domain.Event) bool {
	if ev.StageID == nil {
		return false
	}
	if ev.FromStageID != nil && *ev.FromStageID == *ev.StageID {
		return false
	}
	cfg := flow.TriggerConfig
	if cfg.FunnelID == nil || ev.FunnelID == nil || *cfg.FunnelID != *ev.FunnelID {
		return false
	}
	return sameOrAny(cfg.StageID, ev.StageID)
}

func sameOrAny(configured, actual *uuid.UUID) bool {
	if configured == nil {
		return true
	}
	return actual != nil && *configured == *actual
}

// MatchesKeyword проверяет, содержит ли текст одно из ключевых слов flow.
func MatchesKeyword(flow *domain.Flow, text string) bool {
	return matchesTokens(flow, Tokenize(text))
}

// matchesTokens ищет ключевое слово как непрерывную последовательность
// слов сообщения: "bom dia" совпадает с "Olá, bom dia!", "oi" не совпадает с "oitenta".
func matchesTokens(flow *domain.Flow, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, kw := range flow.NormalizedKeywords() {
		if containsRun(tokens, Tokenize(kw)) {
			return true
		}
	}
	return false
}

func containsRun(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, w := range phrase {
			if tokens[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}

// Tokenize разбивает текст на слова в нижнем регистре.
// Разделитель — любой символ, кроме букв и цифр.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
