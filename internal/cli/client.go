package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// ExecutionCounts — счётчики executions flow.
type ExecutionCounts struct {
	Running    int    `json:"running"`
	Waiting    int    `json:"waiting"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	LastStatus string `json:"last_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// FlowResponse — flow из API.
type FlowResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	IsActive    bool            `json:"is_active"`
	TriggerType string          `json:"trigger_type"`
	Executions  ExecutionCounts `json:"executions"`
	Stopped     bool            `json:"stopped"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// FlowDetailResponse — flow с графом.
type FlowDetailResponse struct {
	FlowResponse
	TriggerConfig map[string]any   `json:"trigger_config,omitempty"`
	Nodes         []map[string]any `json:"nodes"`
	Edges         []map[string]any `json:"edges"`
}

// ExecutionResponse — execution из API.
type ExecutionResponse struct {
	ID            string         `json:"id"`
	FlowID        string         `json:"flow_id"`
	ContactID     string         `json:"contact_id"`
	Status        string         `json:"status"`
	CurrentNodeID string         `json:"current_node_id"`
	NextActionAt  string         `json:"next_action_at,omitempty"`
	AwaitingReply bool           `json:"awaiting_reply"`
	Context       map[string]any `json:"context,omitempty"`
	Attempts      int            `json:"attempts"`
	Steps         int            `json:"steps"`
	LastError     string         `json:"last_error,omitempty"`
	StartedAt     string         `json:"started_at"`
	FinishedAt    string         `json:"finished_at,omitempty"`
}

// EventResponse — inbound-событие из API.
type EventResponse struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error,omitempty"`
	Payload        map[string]any `json:"payload"`
	ReceivedAt     string         `json:"received_at"`
	ProcessedAt    string         `json:"processed_at,omitempty"`
}

// ScheduleResponse — расписание schedule-flow из API.
type ScheduleResponse struct {
	ID             string `json:"id"`
	FlowID         string `json:"flow_id"`
	CronExpr       string `json:"cron_expr,omitempty"`
	IntervalSec    int    `json:"interval_sec,omitempty"`
	Timezone       string `json:"timezone"`
	Enabled        bool   `json:"enabled"`
	NextDueAt      string `json:"next_due_at,omitempty"`
	LastFiredAt    string `json:"last_fired_at,omitempty"`
	LastFiredCount int    `json:"last_fired_count"`
}

// SessionResponse — сессия WhatsApp-коннектора из API.
type SessionResponse struct {
	ID           string `json:"id"`
	InstanceName string `json:"instance_name"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	LastError    string `json:"last_error,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// ListExecutionsOpts — параметры фильтрации executions.
type ListExecutionsOpts struct {
	FlowID    string
	ContactID string
	Status    string
	Limit     int
	Offset    int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Funnel API. Все запросы идут от имени одной компании.
type Client struct {
	baseURL    string
	companyID  string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL, companyID string) *Client {
	return &Client{
		baseURL:   baseURL,
		companyID: companyID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Flows ---

// ListFlows возвращает flows компании со счётчиками.
func (c *Client) ListFlows() ([]FlowResponse, error) {
	var flows []FlowResponse
	err := c.list("/api/v1/flows", nil, &flows)
	return flows, err
}

// ImportFlow импортирует flow с графом из JSON-документа.
func (c *Client) ImportFlow(doc json.RawMessage) (*FlowDetailResponse, error) {
	var flow FlowDetailResponse
	err := c.post("/api/v1/flows", doc, &flow)
	return &flow, err
}

// ReplaceFlow заменяет определение и граф flow.
func (c *Client) ReplaceFlow(id string, doc json.RawMessage) (*FlowDetailResponse, error) {
	var flow FlowDetailResponse
	err := c.put("/api/v1/flows/"+id, doc, &flow)
	return &flow, err
}

// GetFlow возвращает flow с графом.
func (c *Client) GetFlow(id string) (*FlowDetailResponse, error) {
	var flow FlowDetailResponse
	err := c.get("/api/v1/flows/"+id, &flow)
	return &flow, err
}

// SetFlowActive включает или выключает flow.
func (c *Client) SetFlowActive(id string, active bool) (*FlowResponse, error) {
	var flow FlowResponse
	err := c.put("/api/v1/flows/"+id+"/active", map[string]bool{"is_active": active}, &flow)
	return &flow, err
}

// DeleteFlow удаляет flow.
func (c *Client) DeleteFlow(id string) error {
	return c.delete("/api/v1/flows/" + id)
}

// --- Executions ---

// ListExecutions возвращает executions с фильтрацией.
func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ExecutionResponse, error) {
	params := url.Values{}
	if opts.FlowID != "" {
		params.Set("flow_id", opts.FlowID)
	}
	if opts.ContactID != "" {
		params.Set("contact_id", opts.ContactID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var execs []ExecutionResponse
	err := c.list("/api/v1/executions", params, &execs)
	return execs, err
}

// GetExecution возвращает execution по ID.
func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.get("/api/v1/executions/"+id, &exec)
	return &exec, err
}

// --- Events ---

// SendEvent отправляет webhook-событие типа eventType.
// Пустой idempotencyKey — без ключа.
func (c *Client) SendEvent(eventType string, payload json.RawMessage, idempotencyKey string) (*EventResponse, error) {
	resp, err := c.do(http.MethodPost, "/api/v1/webhooks/"+url.PathEscape(eventType), payload, map[string]string{
		"Idempotency-Key": idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ev EventResponse
	if err := c.decodeData(resp, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvent возвращает inbound-событие по ID.
func (c *Client) GetEvent(id string) (*EventResponse, error) {
	var ev EventResponse
	err := c.get("/api/v1/events/"+id, &ev)
	return &ev, err
}

// --- Schedules & sessions ---

// ListSchedules возвращает расписания schedule-flows компании.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", nil, &schedules)
	return schedules, err
}

// ListSessions возвращает сессии коннектора компании.
func (c *Client) ListSessions() ([]SessionResponse, error) {
	var sessions []SessionResponse
	err := c.list("/api/v1/sessions", nil, &sessions)
	return sessions, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.companyID != "" {
		req.Header.Set("X-Company-ID", c.companyID)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{Status: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
}
