package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/memory"
	"buildline/internal/observability"
)

// Webhook event types sent by the agent service.
const (
	WebhookExecutionStarted   = "execution_started"
	WebhookCommitCreated      = "commit_created"
	WebhookExecutionCompleted = "execution_completed"
	WebhookExecutionFailed    = "execution_failed"
)

type WebhookCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message,omitempty"`
}

// WebhookEvent is one lifecycle callback. ExecutionID may be the agent
// service's id or ours; when empty the assignment's latest execution is used.
type WebhookEvent struct {
	Type         string         `json:"type"`
	AssignmentID string         `json:"assignment_id"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Error        string         `json:"error,omitempty"`
	Commit       *WebhookCommit `json:"commit,omitempty"`
	Learnings    []string       `json:"learnings,omitempty"`
	ActorID      string         `json:"-"`
}

// WebhookResult reports the execution's status after the event. Ignored is
// set when the event's transition was already applied; Checks may still be
// filled when a redelivery records checks an earlier delivery missed.
type WebhookResult struct {
	AssignmentID    string            `json:"assignment_id"`
	ExecutionID     string            `json:"execution_id"`
	ExecutionStatus string            `json:"execution_status"`
	Ignored         bool              `json:"ignored"`
	Checks          []domain.RunCheck `json:"checks,omitempty"`
}

// ProcessWebhook applies an agent lifecycle event. Events arriving after the
// execution reached a terminal state are acknowledged without a transition,
// which makes re-delivery safe.
func (e Engine) ProcessWebhook(ctx context.Context, evt WebhookEvent) (WebhookResult, error) {
	switch evt.Type {
	case WebhookExecutionStarted, WebhookCommitCreated, WebhookExecutionCompleted, WebhookExecutionFailed:
	default:
		e.Metrics.IncWebhook(evt.Type, "unknown")
		return WebhookResult{}, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Type)
	}
	if evt.AssignmentID == "" {
		e.Metrics.IncWebhook(evt.Type, "invalid")
		return WebhookResult{}, validationError(nil, []string{"assignment_id is required"})
	}
	if evt.Type == WebhookCommitCreated && (evt.Commit == nil || evt.Commit.SHA == "") {
		e.Metrics.IncWebhook(evt.Type, "invalid")
		return WebhookResult{}, validationError(nil, []string{"commit_created requires commit.sha"})
	}

	a, err := e.Repo.GetAssignment(ctx, nil, evt.AssignmentID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("assignment %s: %w", evt.AssignmentID, err)
	}
	run, err := e.Repo.GetRun(ctx, nil, a.RunID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("run %s: %w", a.RunID, err)
	}
	x, err := e.Repo.FindExecution(ctx, nil, a.ID, evt.ExecutionID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("execution for assignment %s: %w", a.ID, err)
	}
	if evt.ActorID == "" {
		evt.ActorID = "agent"
	}

	w := webhookCtx{evt: evt, run: run, assignment: a, execution: x}
	var res WebhookResult
	switch evt.Type {
	case WebhookExecutionStarted:
		res, err = e.applyExecutionStarted(ctx, w)
	case WebhookCommitCreated:
		res, err = e.applyCommit(ctx, w)
	case WebhookExecutionCompleted:
		res, err = e.applyExecutionCompleted(ctx, w)
	case WebhookExecutionFailed:
		res, err = e.applyExecutionFailed(ctx, w)
	}
	if err != nil {
		e.Metrics.IncWebhook(evt.Type, "error")
		return WebhookResult{}, err
	}
	outcome := "applied"
	if res.Ignored {
		outcome = "ignored"
	}
	e.Metrics.IncWebhook(evt.Type, outcome)
	return res, nil
}

type webhookCtx struct {
	evt        WebhookEvent
	run        domain.Run
	assignment domain.Assignment
	execution  domain.AgentExecution
}

func (w webhookCtx) entry(eventType string, payload events.EventPayload) events.Entry {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["execution_id"] = w.execution.ID
	return events.Entry{
		Type:       eventType,
		ProjectID:  w.run.ProjectID,
		RunID:      w.run.ID,
		EntityKind: "assignment",
		EntityID:   w.assignment.ID,
		ActorID:    w.evt.ActorID,
		Payload:    payload,
	}
}

func (w webhookCtx) result(status string, ignored bool) WebhookResult {
	return WebhookResult{
		AssignmentID:    w.assignment.ID,
		ExecutionID:     w.execution.ID,
		ExecutionStatus: status,
		Ignored:         ignored,
	}
}

func (e Engine) applyExecutionStarted(ctx context.Context, w webhookCtx) (WebhookResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WebhookResult{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.MarkExecutionStarted(ctx, tx, w.execution.ID, e.nowString())
	if err != nil {
		return WebhookResult{}, err
	}
	if !ok {
		return w.result(w.execution.Status, true), nil
	}
	if err := e.appendEvent(ctx, tx, w.entry(events.ExecutionStarted, nil)); err != nil {
		return WebhookResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WebhookResult{}, err
	}
	return w.result(domain.ExecutionRunning, false), nil
}

func (e Engine) applyCommit(ctx context.Context, w webhookCtx) (WebhookResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WebhookResult{}, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertCommit(ctx, tx, domain.AssignmentCommit{
		ID:           uuid.NewString(),
		AssignmentID: w.assignment.ID,
		SHA:          w.evt.Commit.SHA,
		Message:      w.evt.Commit.Message,
		CreatedAt:    e.nowString(),
	})
	if err != nil {
		return WebhookResult{}, err
	}
	if !inserted {
		return w.result(w.execution.Status, true), nil
	}
	if err := e.appendEvent(ctx, tx, w.entry(events.CommitCreated, events.EventPayload{
		"sha":     w.evt.Commit.SHA,
		"message": w.evt.Commit.Message,
	})); err != nil {
		return WebhookResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WebhookResult{}, err
	}
	return w.result(w.execution.Status, false), nil
}

func (e Engine) applyExecutionCompleted(ctx context.Context, w webhookCtx) (WebhookResult, error) {
	now := e.nowString()
	logger := observability.WithAssignment(observability.WithRun(e.log(), w.run.ID), w.assignment.ID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WebhookResult{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.FinishExecution(ctx, tx, w.execution.ID, domain.ExecutionCompleted, w.evt.Summary, "", now)
	if err != nil {
		return WebhookResult{}, err
	}
	if !ok {
		tx.Rollback()
		return e.redeliveredCompletion(ctx, w)
	}
	if _, err := e.Repo.TransitionAssignment(ctx, tx, w.assignment.ID, domain.AssignmentCompleted, "", now, domain.AssignmentRunning); err != nil {
		return WebhookResult{}, err
	}
	if err := e.appendEvent(ctx, tx, w.entry(events.ExecutionCompleted, events.EventPayload{
		"summary":   w.evt.Summary,
		"learnings": len(w.evt.Learnings),
	})); err != nil {
		return WebhookResult{}, err
	}
	runCompleted, err := e.completeRunIfDone(ctx, tx, w.run, now)
	if err != nil {
		return WebhookResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WebhookResult{}, err
	}
	e.Metrics.IncAssignment(domain.AssignmentCompleted)
	if runCompleted {
		e.Metrics.IncRun(domain.RunCompleted)
		logger.Info("run completed")
	}
	e.setCardBuildState(ctx, w.assignment.CardID, domain.CardCompleted, "")
	e.harvest(w)

	checks, err := e.checkRunner().ExecuteRequiredChecks(ctx, w.run.ID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("execute checks for run %s: %w", w.run.ID, err)
	}
	res := w.result(domain.ExecutionCompleted, false)
	res.Checks = checks
	return res, nil
}

// redeliveredCompletion handles an execution_completed for an execution that
// already finished. When the execution completed but its checks were never
// all recorded, the checks are run again; recorded types are left alone.
func (e Engine) redeliveredCompletion(ctx context.Context, w webhookCtx) (WebhookResult, error) {
	res := w.result(w.execution.Status, true)
	current, err := e.Repo.FindExecution(ctx, nil, w.assignment.ID, w.execution.ID)
	if err != nil {
		return WebhookResult{}, err
	}
	if current.Status != domain.ExecutionCompleted {
		return res, nil
	}
	res.ExecutionStatus = current.Status
	recorded, err := e.Repo.ListChecks(ctx, nil, w.run.ID)
	if err != nil {
		return WebhookResult{}, err
	}
	have := make(map[string]bool, len(recorded))
	for _, c := range recorded {
		have[c.CheckType] = true
	}
	pending := false
	for _, checkType := range w.run.PolicySnapshot.RequiredChecks {
		if !have[checkType] {
			pending = true
			break
		}
	}
	if !pending {
		return res, nil
	}
	observability.WithRun(e.log(), w.run.ID).Info("recording checks missed by an earlier delivery", "assignment_id", w.assignment.ID)
	checks, err := e.checkRunner().ExecuteRequiredChecks(ctx, w.run.ID)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("execute checks for run %s: %w", w.run.ID, err)
	}
	res.Checks = checks
	return res, nil
}

// completeRunIfDone completes the run once every assignment has completed.
func (e Engine) completeRunIfDone(ctx context.Context, tx *sql.Tx, run domain.Run, now string) (bool, error) {
	counts, err := e.Repo.CountAssignmentsByStatus(ctx, tx, run.ID)
	if err != nil {
		return false, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 || counts[domain.AssignmentCompleted] != total {
		return false, nil
	}
	done, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now)
	if err != nil || !done {
		return false, err
	}
	err = e.appendEvent(ctx, tx, events.Entry{
		Type:       events.RunCompleted,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "run",
		EntityID:   run.ID,
		Payload:    events.EventPayload{"assignments": total},
	})
	return err == nil, err
}

func (e Engine) harvest(w webhookCtx) {
	if !e.Config.MemoryEnabled || e.Memory == nil || len(w.evt.Learnings) == 0 {
		return
	}
	l := memory.Learning{
		ProjectID:    w.run.ProjectID,
		CardID:       w.assignment.CardID,
		RunID:        w.run.ID,
		AssignmentID: w.assignment.ID,
		Items:        append([]string(nil), w.evt.Learnings...),
	}
	e.goBackground(func(ctx context.Context) {
		if err := e.Memory.Harvest(ctx, l); err != nil {
			e.log().Warn("memory harvest failed", "assignment_id", l.AssignmentID, "error", err)
		}
	})
}

// applyExecutionFailed fails the execution, its assignment and the whole run.
func (e Engine) applyExecutionFailed(ctx context.Context, w webhookCtx) (WebhookResult, error) {
	now := e.nowString()
	errMsg := w.evt.Error
	if errMsg == "" {
		errMsg = "execution failed"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WebhookResult{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.FinishExecution(ctx, tx, w.execution.ID, domain.ExecutionFailed, w.evt.Summary, errMsg, now)
	if err != nil {
		return WebhookResult{}, err
	}
	if !ok {
		return w.result(w.execution.Status, true), nil
	}
	if _, err := e.Repo.TransitionAssignment(ctx, tx, w.assignment.ID, domain.AssignmentFailed, errMsg, now, domain.AssignmentRunning, domain.AssignmentQueued); err != nil {
		return WebhookResult{}, err
	}
	if err := e.appendEvent(ctx, tx, w.entry(events.ExecutionFailed, events.EventPayload{
		"summary": w.evt.Summary,
		"error":   errMsg,
	})); err != nil {
		return WebhookResult{}, err
	}
	reason := fmt.Sprintf("assignment %s failed: %s", w.assignment.ID, errMsg)
	runFailed, err := e.Repo.FinishRun(ctx, tx, w.run.ID, domain.RunFailed, reason, now)
	if err != nil {
		return WebhookResult{}, err
	}
	if runFailed {
		if err := e.appendEvent(ctx, tx, events.Entry{
			Type:       events.RunFailed,
			ProjectID:  w.run.ProjectID,
			RunID:      w.run.ID,
			EntityKind: "run",
			EntityID:   w.run.ID,
			ActorID:    w.evt.ActorID,
			Payload:    events.EventPayload{"reason": reason},
		}); err != nil {
			return WebhookResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return WebhookResult{}, err
	}
	e.Metrics.IncAssignment(domain.AssignmentFailed)
	if runFailed {
		e.Metrics.IncRun(domain.RunFailed)
	}
	e.setCardBuildState(ctx, w.assignment.CardID, domain.CardFailed, errMsg)
	return w.result(domain.ExecutionFailed, false), nil
}
