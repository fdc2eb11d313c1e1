package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shaiso/Funnel/internal/domain"
)

// Операторы условий.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpNotContain = "not_contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpGT         = "gt"
	OpGTE        = "gte"
	OpLT         = "lt"
	OpLTE        = "lte"
	OpIsSet      = "is_set"
	OpIsEmpty    = "is_empty"
	OpIn         = "in"
	OpMatches    = "matches"
	OpExpr       = "expr"
)

// Evaluator вычисляет условия condition-узлов.
//
// Вычисление не имеет побочных эффектов: одинаковый контекст всегда даёт
// одинаковый результат. Скомпилированные выражения и регулярки кэшируются,
// Evaluator безопасен для конкурентного использования.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
}

// NewEvaluator создаёт новый Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Select возвращает handle для condition-узла.
//
// Первый сработавший предикат определяет handle (по умолчанию "true").
// Если не сработал ни один — "false".
func (e *Evaluator) Select(cfg domain.ConditionConfig, vars map[string]any) (string, error) {
	for _, p := range cfg.Conditions {
		ok, err := e.Evaluate(p, vars)
		if err != nil {
			return "", err
		}
		if ok {
			if p.Handle != "" {
				return p.Handle, nil
			}
			return domain.HandleTrue, nil
		}
	}
	return domain.HandleFalse, nil
}

// Evaluate вычисляет один предикат.
func (e *Evaluator) Evaluate(p domain.Predicate, vars map[string]any) (bool, error) {
	if p.Operator == OpExpr {
		source, _ := p.Value.(string)
		return e.evalExpr(source, vars)
	}

	actual, found := Lookup(vars, p.Field)

	switch p.Operator {
	case OpIsSet:
		return found && !isEmpty(actual), nil
	case OpIsEmpty:
		return !found || isEmpty(actual), nil
	case OpEquals:
		return equalValues(actual, p.Value), nil
	case OpNotEquals:
		return !equalValues(actual, p.Value), nil
	case OpContains:
		return containsValue(actual, p.Value), nil
	case OpNotContain:
		return !containsValue(actual, p.Value), nil
	case OpStartsWith:
		return strings.HasPrefix(normalize(actual), normalize(p.Value)), nil
	case OpEndsWith:
		return strings.HasSuffix(normalize(actual), normalize(p.Value)), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		return compareNumbers(p.Operator, actual, p.Value), nil
	case OpIn:
		return inList(actual, p.Value), nil
	case OpMatches:
		pattern, _ := p.Value.(string)
		re, err := e.pattern(pattern)
		if err != nil {
			return false, err
		}
		return found && re.MatchString(stringify(actual)), nil
	default:
		return false, NewValidationError("", "operator", fmt.Sprintf("operator %q", p.Operator), ErrUnknownOperator)
	}
}

// evalExpr вычисляет expr-выражение, например `"vip" in contact.tags && idade > 18`.
func (e *Evaluator) evalExpr(source string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(source) == "" {
		return false, NewValidationError("", "value", "empty expression", ErrExpression)
	}

	program, err := e.program(source)
	if err != nil {
		return false, err
	}

	env := vars
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return false, NewValidationError("", "value", fmt.Sprintf("expression %q: %v", source, err), ErrExpression)
	}

	result, ok := out.(bool)
	if !ok {
		return false, NewValidationError("", "value", fmt.Sprintf("expression %q returned %T", source, out), ErrExpression)
	}
	return result, nil
}

// program возвращает скомпилированное выражение из кэша или компилирует новое.
//
// Компиляция идёт без типов переменных: контексты разных execution
// различаются, а программа кэшируется по тексту выражения.
func (e *Evaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.programs[source]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[source]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(source,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, NewValidationError("", "value", fmt.Sprintf("compile %q: %v", source, err), ErrExpression)
	}

	e.programs[source] = prg
	return prg, nil
}

// pattern возвращает скомпилированную регулярку из кэша.
func (e *Evaluator) pattern(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	if re, ok := e.patterns[pattern]; ok {
		e.mu.RUnlock()
		return re, nil
	}
	e.mu.RUnlock()

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, NewValidationError("", "value", fmt.Sprintf("pattern %q: %v", pattern, err), ErrExpression)
	}

	e.mu.Lock()
	e.patterns[pattern] = re
	e.mu.Unlock()
	return re, nil
}

// normalize приводит значение к строке для сравнения: без пробелов по краям, в нижнем регистре.
func normalize(v any) string {
	if v == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(stringify(v)))
}

func equalValues(actual, expected any) bool {
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(expected); ok {
			return a == b
		}
	}
	if ab, ok := actual.(bool); ok {
		if eb, ok := expected.(bool); ok {
			return ab == eb
		}
	}
	return normalize(actual) == normalize(expected)
}

// containsValue — подстрока для строк, элемент для списков (теги контакта).
func containsValue(actual, expected any) bool {
	switch a := actual.(type) {
	case []any:
		for _, item := range a {
			if equalValues(item, expected) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range a {
			if equalValues(item, expected) {
				return true
			}
		}
		return false
	case nil:
		return false
	default:
		return strings.Contains(normalize(actual), normalize(expected))
	}
}

func inList(actual, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if equalValues(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if equalValues(actual, item) {
				return true
			}
		}
	case string:
		for _, item := range strings.Split(l, ",") {
			if equalValues(actual, item) {
				return true
			}
		}
	}
	return false
}

func compareNumbers(op string, actual, expected any) bool {
	a, ok := toFloat(actual)
	if !ok {
		return false
	}
	b, ok := toFloat(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(n, ",", ".")), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
