package buildlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"buildline/internal/server"
)

func TestTriggerBuildSendsCardScope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/projects/proj-1/builds" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"run_id":"run-1","assignment_ids":["a-1"],"message":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	c.BearerToken = "tok"
	res, err := c.TriggerBuild(context.Background(), "card-1", "")
	if err != nil {
		t.Fatalf("trigger build: %v", err)
	}
	if !res.Success || res.RunID != "run-1" || len(res.AssignmentIDs) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got["scope"] != "card" || got["card_id"] != "card-1" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"decision_required","message":"cards are not finalized"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "proj-1").TriggerBuild(context.Background(), "", "wf-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "decision_required" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestPostAgentEventIsSigned(t *testing.T) {
	const secret = "hook-secret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok, err := server.VerifySignature(secret, body, r.Header.Get(SignatureHeader))
		if err != nil || !ok {
			t.Errorf("signature rejected: %v", err)
		}
		var evt map[string]any
		_ = json.Unmarshal(body, &evt)
		commit, _ := evt["commit"].(map[string]any)
		if evt["type"] != "commit_created" || commit["sha"] != "abc123" {
			t.Errorf("unexpected payload %s", string(body))
		}
		_, _ = w.Write([]byte(`{"assignment_id":"a-1","execution_id":"x-1","execution_status":"running","ignored":false}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "proj-1").PostAgentEvent(context.Background(), secret, AgentEvent{
		Type:         "commit_created",
		AssignmentID: "a-1",
		CommitSHA:    "abc123",
		CommitMsg:    "wip",
	})
	if err != nil {
		t.Fatalf("post agent event: %v", err)
	}
	if res.ExecutionStatus != "running" || res.Ignored {
		t.Fatalf("unexpected result %+v", res)
	}
}
