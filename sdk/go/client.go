// Package forgelinesdk is a minimal client for the Forgeline HTTP API.
package forgelinesdk

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

// Client talks to a Forgeline server.
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

// Project is the API project model.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	TechStack   string `json:"tech_stack,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Run is the API workflow run model.
type Run struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status"`
	Parallel    bool    `json:"parallel"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Step is one pipeline step inside a run.
type Step struct {
	Name      string  `json:"name"`
	Seq       int     `json:"seq"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	AgentType string  `json:"agent_type"`
	LastError *string `json:"last_error,omitempty"`
}

// RunProgress summarizes a run.
type RunProgress struct {
	RunID      string  `json:"run_id"`
	Status     string  `json:"status"`
	TotalSteps int     `json:"total_steps"`
	Completed  int     `json:"completed_steps"`
	Percentage float64 `json:"percentage"`
	Steps      []Step  `json:"steps"`
}

// ProjectStatus is the status endpoint payload.
type ProjectStatus struct {
	Project Project `json:"project"`
	Metrics struct {
		TasksByStatus        map[string]int `json:"tasks_by_status"`
		DeliverablesTotal    int            `json:"deliverables_total"`
		DeliverablesComplete int            `json:"deliverables_complete"`
		ProgressPercent      float64        `json:"progress_percent"`
	} `json:"metrics"`
	Run *RunProgress `json:"run,omitempty"`
}

// Task is the API task model (partial).
type Task struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Capability string  `json:"capability"`
	Title      string  `json:"title"`
	Priority   string  `json:"priority"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project and points the client at it.
func (c *Client) CreateProject(ctx context.Context, name, description, techStack string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"tech_stack":  techStack,
	}
	var resp Project
	if err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp); err != nil {
		return resp, err
	}
	c.ProjectID = resp.ID
	return resp, nil
}

// StartWorkflow launches the pipeline for the client's project.
func (c *Client) StartWorkflow(ctx context.Context, parallel *bool) (Run, error) {
	body := map[string]any{}
	if parallel != nil {
		body["parallel"] = *parallel
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath("workflow/start"), body, &resp)
	return resp, err
}

// CancelWorkflow stops the active run and pauses the project.
func (c *Client) CancelWorkflow(ctx context.Context, reason string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath("workflow/cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResumeWorkflow continues a paused run, optionally restarting from a step.
func (c *Client) ResumeWorkflow(ctx context.Context, fromStep string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath("workflow/resume"), map[string]any{"from_step": fromStep}, &resp)
	return resp, err
}

// Status returns project state, metrics and latest run progress.
func (c *Client) Status(ctx context.Context) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// WaitForState polls until the project reaches the wanted lifecycle state.
func (c *Client) WaitForState(ctx context.Context, state string, interval time.Duration) (ProjectStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		status, err := c.Status(ctx)
		if err != nil {
			return status, err
		}
		if status.Project.State == state {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Tasks lists the project's tasks, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := c.projectPath("tasks")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssignTask claims an agent for a pending task.
func (c *Client) AssignTask(ctx context.Context, taskID string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/assign", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp.Task, err
}

// CompleteTask records a task result. A non-empty failure marks it failed.
func (c *Client) CompleteTask(ctx context.Context, taskID string, output any, failure string) (Task, error) {
	body := map[string]any{"failure": failure}
	if output != nil {
		body["output"] = output
	}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)))
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

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
