package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"buildline/internal/agent"
	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/observability"
	"buildline/internal/repo"
)

// DispatchResult identifies the execution created by a dispatch.
type DispatchResult struct {
	AssignmentID string `json:"assignment_id"`
	ExecutionID  string `json:"execution_id"`
	ExternalID   string `json:"external_execution_id"`
	Attempt      int    `json:"attempt"`
	RunStarted   bool   `json:"run_started"`
}

// DispatchAssignment hands a queued assignment to the agent service. A failed
// dispatch leaves the assignment queued so the caller may retry. The first
// successful dispatch of a run moves the run to running and takes the
// project's build lock.
func (e Engine) DispatchAssignment(ctx context.Context, assignmentID, actorID string) (DispatchResult, error) {
	a, err := e.Repo.GetAssignment(ctx, nil, assignmentID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("assignment %s: %w", assignmentID, err)
	}
	if a.Status != domain.AssignmentQueued {
		return DispatchResult{}, fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, ErrNotQueued)
	}
	run, err := e.Repo.GetRun(ctx, nil, a.RunID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("run %s: %w", a.RunID, err)
	}
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		return DispatchResult{}, fmt.Errorf("dispatch assignment %s: run %s is %s: %w", a.ID, run.ID, run.Status, ErrInvalidTransition)
	}
	card, err := e.Repo.GetCard(ctx, a.CardID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("card %s: %w", a.CardID, err)
	}
	approved, err := e.Repo.ApprovedPlannedFiles(ctx, card.ID)
	if err != nil {
		return DispatchResult{}, err
	}
	if len(approved) == 0 && e.Config.PlannedFiles == config.PlannedFilesStrict {
		return DispatchResult{}, decisionRequired(ErrNoApprovedFiles,
			fmt.Sprintf("card %s has no approved planned files; approve at least one before building", card.ID),
			map[string]any{"card_id": card.ID})
	}

	logger := observability.WithAssignment(observability.WithRun(e.log(), run.ID), a.ID)
	payload := agent.Payload{
		RunID:              run.ID,
		AssignmentID:       a.ID,
		CardID:             card.ID,
		FeatureBranch:      a.FeatureBranch,
		WorktreePath:       valueOf(a.WorktreePath),
		AllowedPaths:       a.AllowedPaths,
		ForbiddenPaths:     a.ForbiddenPaths,
		InputSnapshot:      a.InputSnapshot,
		MemoryRefs:         e.retrieveMemory(ctx, card, run.ProjectID),
		AcceptanceCriteria: acceptanceCriteria(card),
		CardTitle:          card.Title,
		CardDescription:    card.Description,
	}
	for _, f := range approved {
		payload.FileIntents = append(payload.FileIntents, agent.FileIntent{Path: f.Path, Intent: f.Intent})
		if isContextArtifact(f.Path) {
			payload.ContextArtifacts = append(payload.ContextArtifacts, f.Path)
		}
	}

	res, err := e.Agent.Dispatch(ctx, payload)
	if err != nil {
		e.Metrics.IncDispatch("failed")
		logger.Warn("dispatch failed", "error", err)
		e.appendEventStandalone(ctx, events.Entry{
			Type:       events.ExecutionFailed,
			ProjectID:  run.ProjectID,
			RunID:      run.ID,
			EntityKind: "assignment",
			EntityID:   a.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"stage": "dispatch", "error": err.Error()},
		})
		return DispatchResult{}, fmt.Errorf("dispatch assignment %s: %w", a.ID, err)
	}

	out, err := e.recordDispatch(ctx, run, a, res.ExecutionID, actorID)
	if err != nil {
		// The service accepted work we could not record; stop it.
		e.cancelExternal(context.WithoutCancel(ctx), []string{res.ExecutionID})
		e.Metrics.IncDispatch("rejected")
		return DispatchResult{}, err
	}
	e.Metrics.IncDispatch("ok")
	e.Metrics.IncAssignment(domain.AssignmentRunning)
	if out.RunStarted {
		e.Metrics.IncRun(domain.RunRunning)
	}
	e.setCardBuildState(ctx, card.ID, domain.CardBuilding, "")
	logger.Info("assignment dispatched", "execution_id", out.ExecutionID, "external_id", out.ExternalID, "attempt", out.Attempt)
	return out, nil
}

func (e Engine) recordDispatch(ctx context.Context, run domain.Run, a domain.Assignment, externalID, actorID string) (DispatchResult, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DispatchResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.LockProject(ctx, tx, run.ProjectID); err != nil {
		return DispatchResult{}, err
	}
	ok, err := e.Repo.TransitionAssignment(ctx, tx, a.ID, domain.AssignmentRunning, "", now, domain.AssignmentQueued)
	if err != nil {
		return DispatchResult{}, err
	}
	if !ok {
		return DispatchResult{}, fmt.Errorf("assignment %s changed during dispatch: %w", a.ID, ErrNotQueued)
	}
	x := domain.AgentExecution{
		ID:           uuid.NewString(),
		AssignmentID: a.ID,
		ExternalID:   externalID,
		Status:       domain.ExecutionRunning,
		StartedAt:    &now,
		CreatedAt:    now,
	}
	attempt, err := e.Repo.InsertExecution(ctx, tx, x)
	if err != nil {
		return DispatchResult{}, err
	}
	started, err := e.Repo.StartRun(ctx, tx, run.ID, now)
	if errors.Is(err, repo.ErrConflict) {
		return DispatchResult{}, buildRunningError(run.ProjectID)
	}
	if err != nil {
		return DispatchResult{}, err
	}
	if started {
		if err := e.appendEvent(ctx, tx, events.Entry{
			Type:       events.RunStarted,
			ProjectID:  run.ProjectID,
			RunID:      run.ID,
			EntityKind: "run",
			EntityID:   run.ID,
			ActorID:    actorID,
		}); err != nil {
			return DispatchResult{}, err
		}
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.AgentRunStarted,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "assignment",
		EntityID:   a.ID,
		ActorID:    actorID,
		Payload: events.EventPayload{
			"execution_id":          x.ID,
			"external_execution_id": externalID,
			"attempt":               attempt,
			"feature_branch":        a.FeatureBranch,
		},
	}); err != nil {
		return DispatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DispatchResult{}, err
	}
	return DispatchResult{AssignmentID: a.ID, ExecutionID: x.ID, ExternalID: externalID, Attempt: attempt, RunStarted: started}, nil
}

// retrieveMemory never fails the dispatch; an unavailable store yields no refs.
func (e Engine) retrieveMemory(ctx context.Context, card domain.Card, projectID string) []string {
	refs := []string{}
	if !e.Config.MemoryEnabled || e.Memory == nil {
		return refs
	}
	found, err := e.Memory.RetrieveForCard(ctx, card.ID, projectID, card.Title+" "+card.Description, e.Config.MemoryLimit)
	if err != nil {
		e.log().Warn("memory retrieval failed", "card_id", card.ID, "error", err)
		return refs
	}
	return append(refs, found...)
}

func acceptanceCriteria(card domain.Card) []string {
	out := []string{}
	if d := strings.TrimSpace(card.Description); d != "" {
		out = append(out, d)
	}
	for _, r := range card.Requirements {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// isContextArtifact picks planned files that ground the agent rather than
// carry the change: tests, specs and docs.
func isContextArtifact(p string) bool {
	lower := strings.ToLower(p)
	base := path.Base(lower)
	switch {
	case strings.HasPrefix(lower, "docs/"), strings.Contains(lower, "/docs/"):
		return true
	case strings.HasSuffix(base, ".md"):
		return true
	case strings.Contains(base, "_test."), strings.Contains(base, ".test."), strings.Contains(base, ".spec."):
		return true
	}
	return false
}
