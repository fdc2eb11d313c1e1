// Package gateway — клиент исходящего шлюза WhatsApp-коннектора.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/httpjson"
)

// SendRequest — тело POST /v1/messages.
type SendRequest struct {
	CompanyID      uuid.UUID `json:"company_id"`
	ContactID      uuid.UUID `json:"contact_id"`
	Phone          string    `json:"phone,omitempty"`
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type"`
	MediaURL       string    `json:"media_url,omitempty"`
	Buttons        []string  `json:"buttons,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// SendResponse — ответ шлюза.
type SendResponse struct {
	MessageID string `json:"message_id"`
}

// Client отправляет сообщения через шлюз.
type Client struct {
	http *httpjson.Client
}

// New создаёт Client.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{http: httpjson.New(baseURL, token, timeout)}
}

// Send отправляет сообщение и возвращает ID сообщения шлюза.
//
// Шлюз дедуплицирует по idempotency_key: повтор шага после падения
// не отправит сообщение контакту второй раз.
func (c *Client) Send(ctx context.Context, msg engine.OutboundMessage) (string, error) {
	req := SendRequest{
		CompanyID:      msg.CompanyID,
		ContactID:      msg.ContactID,
		Phone:          msg.Phone,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		MediaURL:       msg.MediaURL,
		Buttons:        msg.Buttons,
		IdempotencyKey: msg.IdempotencyKey,
	}

	var resp SendResponse
	if err := c.http.Do(ctx, http.MethodPost, "/v1/messages", msg.IdempotencyKey, req, &resp); err != nil {
		return "", fmt.Errorf("gateway send: %w", err)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("%w: gateway returned empty message_id", engine.ErrTransient)
	}
	return resp.MessageID, nil
}

var _ engine.Sender = (*Client)(nil)
