package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buildline/internal/config"
)

func TestNewSelectsMode(t *testing.T) {
	exec, err := New(config.Agent{Mode: "mock"})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if _, ok := exec.(*Mock); !ok {
		t.Fatalf("expected mock executor, got %T", exec)
	}
	if _, err := New(config.Agent{Mode: "process"}); err == nil {
		t.Fatalf("expected error for process mode without command")
	}
	if _, err := New(config.Agent{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestMockDispatchAndCancel(t *testing.T) {
	m := NewMock()
	res, err := m.Dispatch(context.Background(), Payload{RunID: "r1", AssignmentID: "a1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	st, err := m.Status(context.Background(), res.ExecutionID)
	if err != nil || st != StatusRunning {
		t.Fatalf("status: %v %v", st, err)
	}
	if err := m.Cancel(context.Background(), res.ExecutionID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := m.Cancelled(); len(got) != 1 || got[0] != res.ExecutionID {
		t.Fatalf("unexpected cancelled list %v", got)
	}
	if err := m.Cancel(context.Background(), "nope"); !errors.Is(err, ErrUnknownExecution) {
		t.Fatalf("expected unknown execution, got %v", err)
	}
	m.Fail = func(Payload) error { return errors.New("agent pool exhausted") }
	if _, err := m.Dispatch(context.Background(), Payload{}); err == nil {
		t.Fatalf("expected injected failure")
	}
	if len(m.Payloads()) != 1 {
		t.Fatalf("failed dispatch must not be recorded")
	}
}

func TestHTTPDispatchStatusCancel(t *testing.T) {
	var gotAuth string
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/executions":
			_ = json.NewDecoder(r.Body).Decode(&gotPayload)
			_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": "ext-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/executions/ext-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "running"})
		case r.Method == http.MethodPost && r.URL.Path == "/executions/ext-1/cancel":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "secret", time.Second)
	res, err := h.Dispatch(context.Background(), Payload{RunID: "r1", CardID: "c1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.ExecutionID != "ext-1" || gotPayload.CardID != "c1" {
		t.Fatalf("unexpected dispatch result %+v payload %+v", res, gotPayload)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	st, err := h.Status(context.Background(), "ext-1")
	if err != nil || st != StatusRunning {
		t.Fatalf("status: %v %v", st, err)
	}
	if err := h.Cancel(context.Background(), "ext-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var remote *RemoteError
	if _, err := h.Status(context.Background(), "missing"); !errors.As(err, &remote) || remote.StatusCode != http.StatusNotFound {
		t.Fatalf("expected remote 404, got %v", err)
	}
}
