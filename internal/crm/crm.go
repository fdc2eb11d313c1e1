// Package crm — HTTP-клиент CRM: контакты, лиды и побочные действия flows.
//
// Все действия передают ключ идемпотентности в заголовке Idempotency-Key;
// CRM обязана не применять повтор с тем же ключом.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/httpjson"
)

var (
	// ErrContactNotFound — контакт или лид не найден в CRM.
	ErrContactNotFound = errors.New("contact not found")

	// ErrTenantViolation — CRM вернула объект другой компании.
	ErrTenantViolation = errors.New("tenant isolation violation")
)

// Client — клиент CRM.
type Client struct {
	api      *httpjson.Client
	webhooks *httpjson.Client
}

// New создаёт клиента. Токен CRM не передаётся во внешние webhook-и.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		api:      httpjson.New(baseURL, token, timeout),
		webhooks: httpjson.New("", "", timeout),
	}
}

func companyPath(companyID uuid.UUID, format string, args ...any) string {
	return "/v1/companies/" + companyID.String() + fmt.Sprintf(format, args...)
}

// GetContact возвращает контакт компании.
func (c *Client) GetContact(ctx context.Context, companyID, contactID uuid.UUID) (*domain.Contact, error) {
	var contact domain.Contact
	if err := c.api.Do(ctx, http.MethodGet, companyPath(companyID, "/contacts/%s", contactID), "", nil, &contact); err != nil {
		return nil, c.lookupError("get contact", err)
	}
	return checkTenant(&contact, companyID)
}

// ResolveLeadContact возвращает контакт, к которому привязан лид.
func (c *Client) ResolveLeadContact(ctx context.Context, companyID, leadID uuid.UUID) (*domain.Contact, error) {
	var contact domain.Contact
	if err := c.api.Do(ctx, http.MethodGet, companyPath(companyID, "/leads/%s/contact", leadID), "", nil, &contact); err != nil {
		return nil, c.lookupError("resolve lead contact", err)
	}
	return checkTenant(&contact, companyID)
}

// FindContactByPhone ищет контакт по нормализованному телефону.
func (c *Client) FindContactByPhone(ctx context.Context, companyID uuid.UUID, phone string) (*domain.Contact, error) {
	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return nil, ErrContactNotFound
	}
	var contact domain.Contact
	path := companyPath(companyID, "/contacts/by-phone/%s", url.PathEscape(phone))
	if err := c.api.Do(ctx, http.MethodGet, path, "", nil, &contact); err != nil {
		return nil, c.lookupError("find contact by phone", err)
	}
	return checkTenant(&contact, companyID)
}

type contactList struct {
	Contacts []domain.Contact `json:"contacts"`
	Next     string           `json:"next,omitempty"`
}

// ListContactsByTag возвращает все контакты компании с тегом, проходя по страницам.
func (c *Client) ListContactsByTag(ctx context.Context, companyID uuid.UUID, tag string) ([]domain.Contact, error) {
	var result []domain.Contact
	cursor := ""
	for {
		q := url.Values{"tag": {tag}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page contactList
		if err := c.api.Do(ctx, http.MethodGet, companyPath(companyID, "/contacts?%s", q.Encode()), "", nil, &page); err != nil {
			return nil, fmt.Errorf("list contacts by tag: %w", err)
		}
		for i := range page.Contacts {
			if page.Contacts[i].CompanyID != companyID {
				return nil, fmt.Errorf("%w: contact %s belongs to %s", ErrTenantViolation, page.Contacts[i].ID, page.Contacts[i].CompanyID)
			}
		}
		result = append(result, page.Contacts...)
		if page.Next == "" {
			return result, nil
		}
		cursor = page.Next
	}
}

// AddTag добавляет тег контакту.
func (c *Client) AddTag(ctx context.Context, companyID, contactID uuid.UUID, tag, key string) error {
	body := map[string]string{"tag": tag}
	return c.api.Do(ctx, http.MethodPost, companyPath(companyID, "/contacts/%s/tags", contactID), key, body, nil)
}

// MoveStage перемещает лид контакта в этап воронки.
func (c *Client) MoveStage(ctx context.Context, companyID, contactID uuid.UUID, funnelID *uuid.UUID, stageID uuid.UUID, key string) error {
	body := map[string]any{"stage_id": stageID}
	if funnelID != nil {
		body["funnel_id"] = *funnelID
	}
	return c.api.Do(ctx, http.MethodPost, companyPath(companyID, "/contacts/%s/stage", contactID), key, body, nil)
}

// TransferToHuman передаёт диалог оператору.
func (c *Client) TransferToHuman(ctx context.Context, companyID, contactID uuid.UUID, department, note, key string) error {
	body := map[string]string{"department": department, "note": note}
	return c.api.Do(ctx, http.MethodPost, companyPath(companyID, "/contacts/%s/transfer", contactID), key, body, nil)
}

// CallWebhook вызывает внешний webhook из action-узла.
func (c *Client) CallWebhook(ctx context.Context, companyID uuid.UUID, call engine.WebhookCall) error {
	if !strings.HasPrefix(call.URL, "http://") && !strings.HasPrefix(call.URL, "https://") {
		return fmt.Errorf("%w: webhook url %q", engine.ErrConfig, call.URL)
	}
	var body any
	if call.Method != http.MethodGet && call.Method != http.MethodDelete {
		payload := map[string]any{"company_id": companyID}
		for k, v := range call.Body {
			payload[k] = v
		}
		body = payload
	}
	return c.webhooks.Do(ctx, call.Method, call.URL, call.IdempotencyKey, body, nil)
}

func (c *Client) lookupError(op string, err error) error {
	if errors.Is(err, httpjson.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrContactNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func checkTenant(contact *domain.Contact, companyID uuid.UUID) (*domain.Contact, error) {
	if contact.CompanyID != companyID {
		return nil, fmt.Errorf("%w: contact %s belongs to %s", ErrTenantViolation, contact.ID, contact.CompanyID)
	}
	return contact, nil
}

var _ engine.CRM = (*Client)(nil)
