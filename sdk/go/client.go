package orglinesdk

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

// Client is a minimal orgline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID          string  `json:"id"`
	Role        string  `json:"role"`
	DisplayName string  `json:"display_name,omitempty"`
	ReportingTo *string `json:"reporting_to,omitempty"`
	Status      string  `json:"status"`
	Permissions struct {
		CanHire         bool `json:"can_hire"`
		MaxSubordinates int  `json:"max_subordinates"`
		HiringBudget    int  `json:"hiring_budget"`
	} `json:"permissions"`
	CreatedAt string  `json:"created_at"`
	FiredAt   *string `json:"fired_at,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string   `json:"id"`
	AgentID      string   `json:"agent_id"`
	ParentTaskID *string  `json:"parent_task_id,omitempty"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	BlockedBy    []string `json:"blocked_by"`
	Version      int64    `json:"version"`
}

// ValidationIssue is one hire check error or warning.
type ValidationIssue struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// HireCheck is the result of a dry-run hire validation.
type HireCheck struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// HireResult is returned by CreateAgent.
type HireResult struct {
	Agent    Agent             `json:"agent"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// FireResult summarizes a fire operation.
type FireResult struct {
	AgentID           string   `json:"agent_id"`
	Strategy          string   `json:"strategy"`
	OrphansHandled    int      `json:"orphans_handled"`
	CascadeFired      []string `json:"cascade_fired,omitempty"`
	TasksReassigned   int      `json:"tasks_reassigned"`
	TasksArchived     int      `json:"tasks_archived"`
	FilesArchived     bool     `json:"files_archived"`
	NotificationsSent int      `json:"notifications_sent"`
}

// ScanResult summarizes a deadlock scan.
type ScanResult struct {
	DeadlocksDetected    int        `json:"deadlocks_detected"`
	NotificationsSent    int        `json:"notifications_sent"`
	NotificationsSkipped int        `json:"notifications_skipped"`
	DeadlockedTaskIDs    []string   `json:"deadlocked_task_ids"`
	Cycles               [][]string `json:"cycles"`
}

// Message is an inbox entry.
type Message struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at"`
	ReadAt    *string        `json:"read_at,omitempty"`
}

// AuditEntry represents a log entry.
type AuditEntry struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id"`
	TargetID string         `json:"target_id,omitempty"`
	Success  bool           `json:"success"`
	Details  map[string]any `json:"details,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedAudit wraps list responses with cursors.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// CreateRoot creates an agent with no manager.
func (c *Client) CreateRoot(ctx context.Context, agentID, role string) (Agent, error) {
	var resp HireResult
	err := c.do(ctx, http.MethodPost, "agents", map[string]any{"agent_id": agentID, "role": role}, &resp)
	return resp.Agent, err
}

// Hire creates agentID under managerID.
func (c *Client) Hire(ctx context.Context, managerID, agentID, role string) (HireResult, error) {
	body := map[string]any{
		"agent_id":   agentID,
		"role":       role,
		"manager_id": managerID,
	}
	var resp HireResult
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// CheckHire validates a hire without performing it.
func (c *Client) CheckHire(ctx context.Context, managerID, newAgentID string) (HireCheck, error) {
	endpoint := fmt.Sprintf("agents/%s/hire-check?new_agent_id=%s", url.PathEscape(managerID), url.QueryEscape(newAgentID))
	var resp HireCheck
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Agent fetches an agent by id.
func (c *Client) Agent(ctx context.Context, agentID string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(agentID), nil, &resp)
	return resp, err
}

// Fire removes an agent. An empty strategy uses the server default.
func (c *Client) Fire(ctx context.Context, agentID, strategy, reason string) (FireResult, error) {
	body := map[string]any{}
	if strategy != "" {
		body["strategy"] = strategy
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp FireResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/fire", url.PathEscape(agentID)), body, &resp)
	return resp, err
}

// Pause pauses an agent and blocks its active tasks.
func (c *Client) Pause(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/pause", url.PathEscape(agentID)), nil, nil)
}

// Resume reactivates a paused agent.
func (c *Client) Resume(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/resume", url.PathEscape(agentID)), nil, nil)
}

// Inbox lists an agent's messages.
func (c *Client) Inbox(ctx context.Context, agentID string, unreadOnly bool) ([]Message, error) {
	endpoint := fmt.Sprintf("agents/%s/inbox", url.PathEscape(agentID))
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task owned by agentID.
func (c *Client) CreateTask(ctx context.Context, agentID, title string, blockedBy ...string) (Task, error) {
	body := map[string]any{
		"agent_id": agentID,
		"title":    title,
	}
	if len(blockedBy) > 0 {
		body["blocked_by"] = blockedBy
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// CompleteTask marks a task completed and releases its dependents.
func (c *Client) CompleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID)), nil, nil)
}

// ScanDeadlocks runs one deadlock scan on the server.
func (c *Client) ScanDeadlocks(ctx context.Context, force bool) (ScanResult, error) {
	var resp ScanResult
	err := c.do(ctx, http.MethodPost, "deadlocks/scan", map[string]any{"force": force}, &resp)
	return resp, err
}

// AuditPage returns a paginated audit listing, oldest first.
func (c *Client) AuditPage(ctx context.Context, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
