// Package agent talks to the external coding-agent execution service.
package agent

import (
	"context"
	"errors"
	"fmt"

	"buildline/internal/config"
)

// FileIntent describes what the agent is expected to do to one file.
type FileIntent struct {
	Path   string `json:"path"`
	Intent string `json:"intent,omitempty"`
}

// Payload is the task handed to the agent for one assignment.
type Payload struct {
	RunID              string         `json:"run_id"`
	AssignmentID       string         `json:"assignment_id"`
	CardID             string         `json:"card_id"`
	FeatureBranch      string         `json:"feature_branch"`
	WorktreePath       string         `json:"worktree_path,omitempty"`
	AllowedPaths       []string       `json:"allowed_paths"`
	ForbiddenPaths     []string       `json:"forbidden_paths"`
	InputSnapshot      map[string]any `json:"input_snapshot,omitempty"`
	MemoryRefs         []string       `json:"memory_refs"`
	AcceptanceCriteria []string       `json:"acceptance_criteria"`
	CardTitle          string         `json:"card_title,omitempty"`
	CardDescription    string         `json:"card_description,omitempty"`
	FileIntents        []FileIntent   `json:"file_intents,omitempty"`
	ContextArtifacts   []string       `json:"context_artifacts,omitempty"`
}

// DispatchResult is returned once the service accepted a task. Completion is
// reported later through the webhook.
type DispatchResult struct {
	ExecutionID string `json:"execution_id"`
}

// Status is the service's view of an execution. It is diagnostic only; the
// webhook is authoritative.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// ErrUnknownExecution is returned for ids the executor never issued.
var ErrUnknownExecution = errors.New("unknown execution")

// Executor dispatches tasks to coding agents.
type Executor interface {
	Dispatch(ctx context.Context, p Payload) (DispatchResult, error)
	Status(ctx context.Context, executionID string) (Status, error)
	Cancel(ctx context.Context, executionID string) error
}

// New selects the executor for the configured mode.
func New(cfg config.Agent) (Executor, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(), nil
	case "process":
		return NewProcess(cfg.Command)
	case "http":
		return NewHTTP(cfg.Endpoint, cfg.Token, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown agent mode %q", cfg.Mode)
	}
}
