package engine

import (
	"context"
	"fmt"

	"buildline/internal/domain"
	"buildline/internal/events"
)

// CancelRun stops an active run: running executions are cancelled on the
// agent service and failed locally, unfinished assignments are failed and
// the run is failed with reason.
func (e Engine) CancelRun(ctx context.Context, runID, actorID, reason string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		return domain.Run{}, fmt.Errorf("cancel run %s: run is %s: %w", run.ID, run.Status, ErrInvalidTransition)
	}
	if reason == "" {
		reason = "cancelled"
	}
	out, err := e.failRun(ctx, run, failRunOptions{
		Reason:         reason,
		AssignmentErr:  "cancelled: " + reason,
		RunEvent:       events.RunFailed,
		ExecutionEvent: events.ExecutionCancelled,
		ActorID:        actorID,
	})
	if err != nil {
		return domain.Run{}, err
	}
	if !out.failed {
		return domain.Run{}, fmt.Errorf("cancel run %s: run finished concurrently: %w", run.ID, ErrInvalidTransition)
	}
	e.log().Info("run cancelled", "run_id", run.ID, "reason", reason, "executions", len(out.externalIDs))
	return e.Repo.GetRun(ctx, nil, run.ID)
}

type failRunOptions struct {
	Reason         string
	AssignmentErr  string
	RunEvent       string
	ExecutionEvent string
	ActorID        string
}

type failRunOutcome struct {
	failed      bool
	cards       []string
	externalIDs []string
}

// failRun fails every unfinished execution and assignment of the run and then
// the run itself, in one transaction. External cancellation and card state
// propagation happen after commit.
func (e Engine) failRun(ctx context.Context, run domain.Run, opts failRunOptions) (failRunOutcome, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return failRunOutcome{}, err
	}
	defer tx.Rollback()

	var out failRunOutcome
	active, err := e.Repo.ListActiveExecutionsForRun(ctx, tx, run.ID)
	if err != nil {
		return failRunOutcome{}, err
	}
	for _, x := range active {
		ok, err := e.Repo.FinishExecution(ctx, tx, x.ID, domain.ExecutionFailed, "", opts.AssignmentErr, now)
		if err != nil {
			return failRunOutcome{}, err
		}
		if !ok {
			continue
		}
		if x.ExternalID != "" {
			out.externalIDs = append(out.externalIDs, x.ExternalID)
		}
		if opts.ExecutionEvent == "" {
			continue
		}
		if err := e.appendEvent(ctx, tx, events.Entry{
			Type:       opts.ExecutionEvent,
			ProjectID:  run.ProjectID,
			RunID:      run.ID,
			EntityKind: "assignment",
			EntityID:   x.AssignmentID,
			ActorID:    opts.ActorID,
			Payload:    events.EventPayload{"execution_id": x.ID, "external_execution_id": x.ExternalID, "reason": opts.Reason},
		}); err != nil {
			return failRunOutcome{}, err
		}
	}

	assignments, err := e.Repo.ListAssignmentsForRun(ctx, tx, run.ID)
	if err != nil {
		return failRunOutcome{}, err
	}
	for _, a := range assignments {
		ok, err := e.Repo.TransitionAssignment(ctx, tx, a.ID, domain.AssignmentFailed, opts.AssignmentErr, now,
			domain.AssignmentQueued, domain.AssignmentRunning, domain.AssignmentBlocked)
		if err != nil {
			return failRunOutcome{}, err
		}
		if ok {
			out.cards = append(out.cards, a.CardID)
		}
	}

	out.failed, err = e.Repo.FinishRun(ctx, tx, run.ID, domain.RunFailed, opts.Reason, now)
	if err != nil {
		return failRunOutcome{}, err
	}
	if !out.failed {
		return out, nil
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       opts.RunEvent,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "run",
		EntityID:   run.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"reason": opts.Reason, "assignments_failed": len(out.cards)},
	}); err != nil {
		return failRunOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return failRunOutcome{}, err
	}

	e.cancelExternal(context.WithoutCancel(ctx), out.externalIDs)
	e.Metrics.IncRun(domain.RunFailed)
	for _, cardID := range out.cards {
		e.Metrics.IncAssignment(domain.AssignmentFailed)
		e.setCardBuildState(ctx, cardID, domain.CardFailed, opts.AssignmentErr)
	}
	return out, nil
}
