package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Contact — контакт CRM.
//
// Контакты принадлежат CRM; execution хранит только ссылку и нормализованный телефон.
type Contact struct {
	ID        uuid.UUID      `json:"id"`
	CompanyID uuid.UUID      `json:"company_id"`
	Name      string         `json:"name,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	Email     string         `json:"email,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Attributes возвращает атрибуты контакта для контекста execution.
func (c *Contact) Attributes() map[string]any {
	attrs := map[string]any{
		"id":    c.ID.String(),
		"name":  c.Name,
		"phone": NormalizePhone(c.Phone),
		"email": c.Email,
	}
	tags := make([]any, 0, len(c.Tags))
	for _, t := range c.Tags {
		tags = append(tags, t)
	}
	attrs["tags"] = tags
	for k, v := range c.Fields {
		if _, exists := attrs[k]; !exists {
			attrs[k] = v
		}
	}
	return attrs
}

// NormalizePhone оставляет в номере только цифры.
// "+55 (11) 98765-4321" → "5511987654321".
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
