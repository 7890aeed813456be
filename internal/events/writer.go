package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"buildline/internal/db"
)

// Event types written by the orchestrator.
const (
	ProjectCreated      = "project.created"
	PolicyUpdated       = "policy.updated"
	CardImported        = "card.imported"
	RunCreated          = "run.created"
	RunStarted          = "run.started"
	RunCompleted        = "run.completed"
	RunFailed           = "run.failed"
	RunTimedOut         = "run.timed_out"
	AssignmentCreated   = "assignment.created"
	AssignmentBlocked   = "assignment.blocked"
	AssignmentResumed   = "assignment.resumed"
	AgentRunStarted     = "agent_run_started"
	ExecutionStarted    = "execution_started"
	CommitCreated       = "commit_created"
	ExecutionCompleted  = "execution_completed"
	ExecutionFailed     = "execution_failed"
	ExecutionCancelled  = "execution_cancelled"
	CheckRecorded       = "check.recorded"
	ApprovalRequested   = "approval.requested"
	ApprovalResolved    = "approval.resolved"
	PRCandidateCreated  = "pr_candidate.created"
	PRCandidateUpdated  = "pr_candidate.updated"
	BuildTriggered      = "build.triggered"
	BuildDispatchFailed = "build.dispatch_failed"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Entry is one audit row. RunID and EntityID are optional.
type Entry struct {
	Type       string
	ProjectID  string
	RunID      string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes an entry inside the caller's transaction so the audit row
// commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,project_id,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`),
		ts, e.Type, nullable(e.ProjectID), nullable(e.RunID), e.EntityKind, nullable(e.EntityID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

// AppendStandalone writes a single entry in its own transaction. Used for
// failures that must be logged without any accompanying state change.
func (w Writer) AppendStandalone(ctx context.Context, conn *sql.DB, e Entry) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
