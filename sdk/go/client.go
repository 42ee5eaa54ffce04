package cadencesdk

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

// Client is a minimal cadence HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set and the server
	// allows the legacy header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Status              string     `json:"status"`
	AssigneeID          *string    `json:"assignee_id,omitempty"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	OriginalDueDate     *time.Time `json:"original_due_date,omitempty"`
	RecurringTemplateID *string    `json:"recurring_template_id,omitempty"`
}

// TaskView adds the temporal state the server computes.
type TaskView struct {
	Task
	OverdueDays      *int       `json:"overdue_days,omitempty"`
	OverdueDisplay   string     `json:"overdue_display,omitempty"`
	CanComplete      bool       `json:"can_complete"`
	CanCompleteAfter *time.Time `json:"can_complete_after,omitempty"`
	Recurrence       string     `json:"recurrence,omitempty"`
	TemplateStatus   string     `json:"template_status,omitempty"`
}

// TaskResult is a finished task and the instance it generated, if any.
type TaskResult struct {
	Task Task  `json:"task"`
	Next *Task `json:"next,omitempty"`
}

// Template represents a recurring template (partial).
type Template struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	RecurrenceType      string  `json:"recurrence_type"`
	RecurrenceInterval  int     `json:"recurrence_interval"`
	IsPaused            bool    `json:"is_paused"`
	IsEnded             bool    `json:"is_ended"`
	LastGeneratedTaskID *string `json:"last_generated_task_id,omitempty"`
}

// TemplateSpec is the body of CreateTemplate.
type TemplateSpec struct {
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	AssigneeID          string     `json:"assignee_id,omitempty"`
	RecurrenceType      string     `json:"recurrence_type"`
	RecurrenceInterval  int        `json:"recurrence_interval,omitempty"`
	DayOfWeek           *int       `json:"recurrence_day_of_week,omitempty"`
	DayOfMonth          *int       `json:"recurrence_day_of_month,omitempty"`
	Month               *int       `json:"recurrence_month,omitempty"`
	StartDate           time.Time  `json:"start_date"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	UnlockDaysBeforeDue int        `json:"unlock_days_before_due,omitempty"`
}

// RescheduleRequest represents a request to move a due date.
type RescheduleRequest struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	RequestedBy      string     `json:"requested_by"`
	RequestedDueDate time.Time  `json:"requested_due_date"`
	Status           string     `json:"status"`
	ApprovedBy       *string    `json:"approved_by,omitempty"`
	RejectedBy       *string    `json:"rejected_by,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	CurrentDueDate   *time.Time `json:"current_due_date,omitempty"`
}

// HistoryEntry is one audit row with its rendered description.
type HistoryEntry struct {
	ID          string         `json:"id"`
	ChangeType  string         `json:"change_type"`
	OldValue    map[string]any `json:"old_value,omitempty"`
	NewValue    map[string]any `json:"new_value,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ActorID     string         `json:"actor_id"`
	ActorName   string         `json:"actor_name"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SweepResult summarizes a sweep run.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Approved   int `json:"approved"`
	Skipped    int `json:"skipped"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateTemplate starts a recurring series and returns it with its first task.
func (c *Client) CreateTemplate(ctx context.Context, spec TemplateSpec) (Template, Task, error) {
	var resp struct {
		Template  Template `json:"template"`
		FirstTask Task     `json:"first_task"`
	}
	err := c.do(ctx, http.MethodPost, "templates", spec, &resp)
	return resp.Template, resp.FirstTask, err
}

// TransitionTemplate calls pause, resume or end.
func (c *Client) TransitionTemplate(ctx context.Context, id, op string) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("templates/%s/%s", url.PathEscape(id), op), nil, &resp)
	return resp, err
}

// Advance generates the next instance. Next is nil when nothing was generated.
func (c *Client) Advance(ctx context.Context, id string) (*Task, error) {
	var resp struct {
		Next *Task `json:"next"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("templates/%s/advance", url.PathEscape(id)), nil, &resp)
	return resp.Next, err
}

// Instances lists the tasks a template generated, latest first.
func (c *Client) Instances(ctx context.Context, id string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("templates/%s/instances", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// CreateTask creates a one-off task.
func (c *Client) CreateTask(ctx context.Context, title string, due *time.Time) (Task, error) {
	body := map[string]any{"title": title}
	if due != nil {
		body["due_date"] = due.UTC().Format(time.RFC3339)
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (TaskView, error) {
	var resp TaskView
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CompleteTask(ctx context.Context, id string) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) TaskHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/history", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// RequestReschedule asks to move a task's due date. expiresInDays zero uses
// the server default.
func (c *Client) RequestReschedule(ctx context.Context, taskID string, to time.Time, expiresInDays int) (RescheduleRequest, error) {
	body := map[string]any{"requested_due_date": to.UTC().Format(time.RFC3339)}
	if expiresInDays > 0 {
		body["expires_in_days"] = expiresInDays
	}
	var resp RescheduleRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/reschedule-requests", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, requestID string) (RescheduleRequest, error) {
	var resp RescheduleRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reschedule-requests/%s/approve", url.PathEscape(requestID)), nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, requestID, reason string) (RescheduleRequest, error) {
	var resp RescheduleRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reschedule-requests/%s/reject", url.PathEscape(requestID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Requests lists reschedule requests, optionally filtered by status.
func (c *Client) Requests(ctx context.Context, status string) ([]RescheduleRequest, error) {
	endpoint := "reschedule-requests"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []RescheduleRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "sweep", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
