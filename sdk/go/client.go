package buildlinesdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC of an agent webhook body.
const SignatureHeader = "X-Buildline-Signature"

// Client is a minimal Buildline HTTP API client.
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

// CardFailure is one card a build could not dispatch.
type CardFailure struct {
	CardID       string `json:"card_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Stage        string `json:"stage"`
	Error        string `json:"error"`
}

// BuildResult is the outcome of a triggered build.
type BuildResult struct {
	Success       bool          `json:"success"`
	RunID         string        `json:"run_id"`
	AssignmentIDs []string      `json:"assignment_ids"`
	Failures      []CardFailure `json:"failures"`
	Message       string        `json:"message"`
}

// Run represents the API run model (partial).
type Run struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	Scope         string `json:"scope"`
	Status        string `json:"status"`
	BaseBranch    string `json:"base_branch"`
	FailureReason string `json:"failure_reason"`
	CreatedAt     string `json:"created_at"`
}

type Assignment struct {
	ID            string `json:"id"`
	CardID        string `json:"card_id"`
	FeatureBranch string `json:"feature_branch"`
	Status        string `json:"status"`
	Error         string `json:"error"`
}

type Check struct {
	CheckType string `json:"check_type"`
	Status    string `json:"status"`
	Output    string `json:"output"`
	LogURI    string `json:"log_uri"`
}

type Approval struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	ApprovalType string `json:"approval_type"`
	Status       string `json:"status"`
	RequestedBy  string `json:"requested_by"`
}

// RunDetail is a run with its assignments, checks and approvals.
type RunDetail struct {
	Run         Run          `json:"run"`
	Assignments []Assignment `json:"assignments"`
	Checks      []Check      `json:"checks"`
	Approvals   []Approval   `json:"approvals"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	RunID      string `json:"run_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// AgentEvent is a lifecycle callback sent by a coding agent.
type AgentEvent struct {
	Type         string   `json:"type"`
	AssignmentID string   `json:"assignment_id"`
	ExecutionID  string   `json:"execution_id,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Error        string   `json:"error,omitempty"`
	CommitSHA    string   `json:"-"`
	CommitMsg    string   `json:"-"`
	Learnings    []string `json:"learnings,omitempty"`
}

func (e AgentEvent) MarshalJSON() ([]byte, error) {
	type plain AgentEvent
	out := struct {
		plain
		Commit *struct {
			SHA     string `json:"sha"`
			Message string `json:"message,omitempty"`
		} `json:"commit,omitempty"`
	}{plain: plain(e)}
	if e.CommitSHA != "" {
		out.Commit = &struct {
			SHA     string `json:"sha"`
			Message string `json:"message,omitempty"`
		}{SHA: e.CommitSHA, Message: e.CommitMsg}
	}
	return json.Marshal(out)
}

// WebhookResult reports what an agent event changed.
type WebhookResult struct {
	AssignmentID    string  `json:"assignment_id"`
	ExecutionID     string  `json:"execution_id"`
	ExecutionStatus string  `json:"execution_status"`
	Ignored         bool    `json:"ignored"`
	Checks          []Check `json:"checks"`
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

// TriggerBuild starts a build for one card, or for a workflow when
// workflowID is set.
func (c *Client) TriggerBuild(ctx context.Context, cardID, workflowID string) (BuildResult, error) {
	body := map[string]any{"scope": "card", "card_id": cardID}
	if workflowID != "" {
		body = map[string]any{"scope": "workflow", "workflow_id": workflowID}
	}
	var resp BuildResult
	err := c.do(ctx, http.MethodPost, c.projectPath("builds"), body, &resp)
	return resp, err
}

// GetRun fetches a run with everything it owns.
func (c *Client) GetRun(ctx context.Context, runID string) (RunDetail, error) {
	var resp RunDetail
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns the project's runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	endpoint := c.projectPath("runs")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RequestApproval opens an approval request on a run whose checks passed.
func (c *Client) RequestApproval(ctx context.Context, runID, approvalType string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/runs/%s/approvals", url.PathEscape(runID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approval_type": approvalType}, &resp)
	return resp, err
}

// ResolveApproval approves or rejects a pending request.
func (c *Client) ResolveApproval(ctx context.Context, approvalID, decision, notes string) (Approval, error) {
	var resp Approval
	endpoint := fmt.Sprintf("v0/approvals/%s/resolve", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"decision": decision, "notes": notes}, &resp)
	return resp, err
}

// EventsPage returns events; with after set they are in ascending order
// starting past that cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, after string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if after != "" {
		q.Set("after", after)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PostAgentEvent delivers a signed agent callback.
func (c *Client) PostAgentEvent(ctx context.Context, secret string, evt AgentEvent) (WebhookResult, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return WebhookResult{}, err
	}
	var resp WebhookResult
	err = c.send(ctx, http.MethodPost, "v0/webhooks/agent", payload, map[string]string{
		SignatureHeader: Sign(secret, payload),
	}, &resp)
	return resp, err
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	headers := map[string]string{}
	switch {
	case c.BearerToken != "":
		headers["Authorization"] = "Bearer " + c.BearerToken
	case c.APIKey != "":
		headers["X-Api-Key"] = c.APIKey
	}
	return c.send(ctx, method, endpoint, payload, headers, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
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
