package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe — выражение {{ path }} или {{ path | default "значение" }}.
//
// path — имя переменной или путь через точку: nome, contact.name, lead.email.
var placeholderRe = regexp.MustCompile(`\{\{\s*([\p{L}_][\p{L}\p{N}_.]*)\s*(?:\|\s*default\s*"([^"]*)"\s*)?\}\}`)

// Render подставляет переменные контекста в текст.
//
// Примеры:
//
//	Olá {{nome}}!                       → Olá Maria!
//	Oi {{ contact.name }}               → Oi João
//	{{ cidade | default "sua cidade" }} → sua cidade, если cidade не задана
//
// Отсутствующая переменная без default заменяется пустой строкой.
func Render(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		value, ok := Lookup(vars, sub[1])
		if !ok || isEmpty(value) {
			return sub[2]
		}
		return stringify(value)
	})
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return Render(v, vars)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			result[key] = RenderValue(val, vars)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = RenderValue(val, vars)
		}
		return result

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			result[i] = Render(val, vars)
		}
		return result

	default:
		// Для остальных типов (int, float, bool) возвращаем как есть
		return value
	}
}

// Lookup находит значение по пути через точку.
func Lookup(vars map[string]any, path string) (any, bool) {
	if vars == nil || path == "" {
		return nil, false
	}

	var current any = vars
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := m[part]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify приводит значение к строке для подстановки в текст.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
