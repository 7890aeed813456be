package agent

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

// HTTP forwards tasks to a remote agent service.
type HTTP struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTP(baseURL, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{BaseURL: baseURL, Token: token, HTTPClient: &http.Client{Timeout: timeout}}
}

// RemoteError wraps non-2xx responses from the agent service.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent service error: status=%d body=%s", e.StatusCode, e.Body)
}

func (h *HTTP) Dispatch(ctx context.Context, p Payload) (DispatchResult, error) {
	var resp DispatchResult
	if err := h.do(ctx, http.MethodPost, "executions", p, &resp); err != nil {
		return DispatchResult{}, err
	}
	if resp.ExecutionID == "" {
		return DispatchResult{}, fmt.Errorf("agent service returned no execution id")
	}
	return resp, nil
}

func (h *HTTP) Status(ctx context.Context, executionID string) (Status, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := h.do(ctx, http.MethodGet, "executions/"+url.PathEscape(executionID), nil, &resp); err != nil {
		return StatusUnknown, err
	}
	switch Status(resp.Status) {
	case StatusRunning, StatusExited, StatusFailed:
		return Status(resp.Status), nil
	default:
		return StatusUnknown, nil
	}
}

func (h *HTTP) Cancel(ctx context.Context, executionID string) error {
	return h.do(ctx, http.MethodPost, "executions/"+url.PathEscape(executionID)+"/cancel", nil, nil)
}

func (h *HTTP) do(ctx context.Context, method, endpoint string, body any, out any) error {
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	target := strings.TrimRight(h.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RemoteError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
