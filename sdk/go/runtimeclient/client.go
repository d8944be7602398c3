// Package runtimeclient is a small HTTP client for the runtime daemon's API.
package runtimeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the runtime's REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Task mirrors the task snapshot returned by the daemon.
type Task struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Payload         any        `json:"payload,omitempty"`
	Status          string     `json:"status"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	Retries         int        `json:"retries"`
	MaxRetries      int        `json:"max_retries"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t Task) Terminal() bool {
	switch t.Status {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

// TaskSummary is returned by EnqueueTask.
type TaskSummary struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Plugin is a point-in-time view of a registered plugin.
type Plugin struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	State        string    `json:"state"`
	Description  string    `json:"description,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// PublishResult lists handler failures reported by the bus.
type PublishResult struct {
	Topic    string   `json:"topic"`
	Failures []string `json:"failures,omitempty"`
}

// APIError represents an error response from the daemon.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("runtime api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("runtime api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client for the daemon at rawURL. When httpClient is nil
// a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// EnqueueTask submits a task of taskType.
func (c *Client) EnqueueTask(ctx context.Context, taskType string, payload any) (TaskSummary, error) {
	var summary TaskSummary
	body := map[string]any{"type": taskType, "payload": payload}
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", body, &summary); err != nil {
		return TaskSummary{}, err
	}
	return summary, nil
}

// GetTask fetches a task snapshot.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// CancelTask requests cancellation. It reports false when the task had
// already finished.
func (c *Client) CancelTask(ctx context.Context, taskID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.send(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return false, err
	}
	return out.Cancelled, nil
}

// TaskTypes lists the task types the runtime has handlers for.
func (c *Client) TaskTypes(ctx context.Context) ([]string, error) {
	var out struct {
		Types []string `json:"types"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/task-types", nil, &out); err != nil {
		return nil, err
	}
	return out.Types, nil
}

// WaitForTask polls until the task is terminal or ctx is done.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListPlugins returns every registered plugin in registration order.
func (c *Client) ListPlugins(ctx context.Context) ([]Plugin, error) {
	var plugins []Plugin
	if err := c.send(ctx, http.MethodGet, "/api/v1/plugins", nil, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// ActivatePlugin activates name and returns its new descriptor.
func (c *Client) ActivatePlugin(ctx context.Context, name string) (Plugin, error) {
	return c.transition(ctx, name, "activate")
}

// DeactivatePlugin deactivates name and returns its new descriptor.
func (c *Client) DeactivatePlugin(ctx context.Context, name string) (Plugin, error) {
	return c.transition(ctx, name, "deactivate")
}

// UnregisterPlugin removes a deactivated plugin.
func (c *Client) UnregisterPlugin(ctx context.Context, name string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/plugins/"+url.PathEscape(name), nil, nil)
}

// PublishEvent publishes an event through the daemon's bus.
func (c *Client) PublishEvent(ctx context.Context, topic string, payload any) (PublishResult, error) {
	var out PublishResult
	body := map[string]any{"topic": topic, "payload": payload}
	if err := c.send(ctx, http.MethodPost, "/api/v1/events", body, &out); err != nil {
		return PublishResult{}, err
	}
	return out, nil
}

func (c *Client) transition(ctx context.Context, name, action string) (Plugin, error) {
	var p Plugin
	endpoint := "/api/v1/plugins/" + url.PathEscape(name) + "/" + action
	if err := c.send(ctx, http.MethodPost, endpoint, nil, &p); err != nil {
		return Plugin{}, err
	}
	return p, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	rel, err := url.Parse(path.Join(c.baseURL.Path, endpoint))
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
