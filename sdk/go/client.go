package scrumbringersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Scrumbringer HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	CardID      *string `json:"card_id,omitempty"`
	TypeID      *string `json:"type_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	State       string  `json:"state"`
	Priority    *int    `json:"priority,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Card represents a board card.
type Card struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// AutomationResult reports what a rule did for one state change.
type AutomationResult struct {
	RuleID            string `json:"rule_id"`
	Outcome           string `json:"outcome"`
	CreatedTasks      int    `json:"created_tasks,omitempty"`
	SuppressionReason string `json:"suppression_reason,omitempty"`
}

// TaskMutation bundles a task write with its automation outcome. A non-empty
// AutomationError means the task change committed but rules failed to run.
type TaskMutation struct {
	Task            Task               `json:"task"`
	Automation      []AutomationResult `json:"automation"`
	AutomationError string             `json:"automation_error,omitempty"`
}

// CardMutation is the card counterpart of TaskMutation.
type CardMutation struct {
	Card            Card               `json:"card"`
	Automation      []AutomationResult `json:"automation"`
	AutomationError string             `json:"automation_error,omitempty"`
}

// Execution is one execution ledger row.
type Execution struct {
	ID                int64   `json:"id"`
	RuleID            string  `json:"rule_id"`
	OriginType        string  `json:"origin_type"`
	OriginID          string  `json:"origin_id"`
	Outcome           string  `json:"outcome"`
	SuppressionReason *string `json:"suppression_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Metrics aggregates the execution ledger for a project.
type Metrics struct {
	Evaluated  int            `json:"evaluated"`
	Applied    int            `json:"applied"`
	Suppressed int            `json:"suppressed"`
	Reasons    map[string]int `json:"reasons"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedExecutions wraps ledger listings with a cursor.
type PaginatedExecutions struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// CreateTask creates a task of the named type.
func (c *Client) CreateTask(ctx context.Context, title, taskType string) (TaskMutation, error) {
	body := map[string]any{
		"title": title,
		"type":  taskType,
	}
	var resp TaskMutation
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// SetTaskState transitions a task and returns the automation outcome.
func (c *Client) SetTaskState(ctx context.Context, taskID, state string, force bool) (TaskMutation, error) {
	body := map[string]any{
		"state": state,
		"force": force,
	}
	var resp TaskMutation
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/state", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ClaimTask moves a pending task to claimed.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (TaskMutation, error) {
	return c.SetTaskState(ctx, taskID, "claimed", false)
}

// CompleteTask moves a claimed task to completed.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (TaskMutation, error) {
	return c.SetTaskState(ctx, taskID, "completed", false)
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateCard creates a board card.
func (c *Client) CreateCard(ctx context.Context, title, state string) (CardMutation, error) {
	body := map[string]any{"title": title}
	if state != "" {
		body["state"] = state
	}
	var resp CardMutation
	err := c.do(ctx, http.MethodPost, c.projectPath("cards"), body, &resp)
	return resp, err
}

// MoveCard moves a card to another column.
func (c *Client) MoveCard(ctx context.Context, cardID, state string) (CardMutation, error) {
	body := map[string]any{"state": state}
	var resp CardMutation
	endpoint := c.projectPath(fmt.Sprintf("cards/%s/state", url.PathEscape(cardID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Executions returns execution ledger rows, optionally filtered by rule.
func (c *Client) Executions(ctx context.Context, ruleID string, limit int) (PaginatedExecutions, error) {
	endpoint := c.projectPath("automation/executions")
	params := url.Values{}
	if ruleID != "" {
		params.Set("rule_id", ruleID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedExecutions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Metrics returns the project's automation metrics.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, c.projectPath("automation/metrics"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
