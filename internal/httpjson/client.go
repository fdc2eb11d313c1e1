// Package httpjson — JSON-клиент для внешних HTTP-сервисов (шлюз, CRM).
//
// Классификация ответов:
//   - сетевая ошибка, таймаут, 5xx, 429 → engine.ErrTransient (шаг повторяется)
//   - 404 → ErrNotFound
//   - прочие 4xx → engine.ErrConfig (повтор не поможет)
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Funnel/internal/engine"
)

// HeaderIdempotencyKey — заголовок с ключом идемпотентности.
const HeaderIdempotencyKey = "Idempotency-Key"

const defaultTimeout = 10 * time.Second

// ErrNotFound — сервис ответил 404.
var ErrNotFound = errors.New("remote resource not found")

// StatusError — неуспешный HTTP-ответ.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Is относит ошибку к категории по коду ответа.
func (e *StatusError) Is(target error) bool {
	switch target {
	case engine.ErrTransient:
		return Retryable(e.Status)
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case engine.ErrConfig:
		return e.Status >= 400 && e.Status < 500 && !Retryable(e.Status) && e.Status != http.StatusNotFound
	}
	return false
}

// Retryable возвращает true для кодов, после которых запрос стоит повторить.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

// Client выполняет JSON-запросы к одному сервису.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New создаёт Client. timeout <= 0 — 10 секунд.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Do отправляет in как JSON и декодирует ответ в out (если out != nil).
// path может быть абсолютным URL.
func (c *Client) Do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.baseURL + path
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", engine.ErrConfig, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", engine.ErrConfig, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", engine.ErrTransient, method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", engine.ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		return &StatusError{
			Method: method,
			URL:    url,
			Status: resp.StatusCode,
			Body:   truncate(string(respBody), 200),
		}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
