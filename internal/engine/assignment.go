package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/pathrules"
)

type AssignmentCreateOptions struct {
	RunID          string
	CardID         string
	AgentRole      string
	AgentProfile   string
	FeatureBranch  string
	WorktreePath   string
	AllowedPaths   []string
	ForbiddenPaths []string
	InputSnapshot  map[string]any
	ActorID        string
}

// CreateAssignment binds a card to a feature branch inside a run. Allowed
// paths must be non-empty and clear of the run's frozen forbidden paths.
func (e Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.Assignment, error) {
	run, err := e.Repo.GetRun(ctx, nil, opts.RunID)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("run %s: %w", opts.RunID, err)
	}
	project, err := e.Repo.GetProject(ctx, run.ProjectID)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("project %s: %w", run.ProjectID, err)
	}

	forbidden := unionPaths(run.PolicySnapshot.ForbiddenPaths, run.InputSnapshot.ForbiddenPaths)
	var problems []string
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		problems = append(problems, fmt.Sprintf("run %s is %s", run.ID, run.Status))
	}
	if strings.TrimSpace(opts.CardID) == "" {
		problems = append(problems, "card_id is required")
	} else if !contains(run.InputSnapshot.CardIDs, opts.CardID) {
		problems = append(problems, fmt.Sprintf("card %s is not in the run's scope", opts.CardID))
	}
	switch branch := strings.TrimSpace(opts.FeatureBranch); {
	case branch == "":
		problems = append(problems, "feature_branch is required")
	case branch == project.DefaultBranch || branch == run.BaseBranch:
		problems = append(problems, fmt.Sprintf("feature_branch must differ from base branch %s", branch))
	}
	if len(opts.AllowedPaths) == 0 {
		problems = append(problems, "allowed_paths must not be empty")
	}
	conflicts, err := pathrules.Conflicts(opts.AllowedPaths, forbidden)
	if err != nil {
		return domain.Assignment{}, err
	}
	for _, c := range conflicts {
		problems = append(problems, "allowed path "+c.String())
	}
	if err := validationError(nil, problems); err != nil {
		return domain.Assignment{}, err
	}

	role := opts.AgentRole
	if role == "" {
		role = e.Config.AgentRole
	}
	now := e.nowString()
	a := domain.Assignment{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		CardID:         opts.CardID,
		AgentRole:      role,
		AgentProfile:   opts.AgentProfile,
		FeatureBranch:  strings.TrimSpace(opts.FeatureBranch),
		WorktreePath:   optionalString(opts.WorktreePath),
		AllowedPaths:   append([]string(nil), opts.AllowedPaths...),
		ForbiddenPaths: unionPaths(forbidden, opts.ForbiddenPaths),
		InputSnapshot:  opts.InputSnapshot,
		Status:         domain.AssignmentQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if a.InputSnapshot == nil {
		a.InputSnapshot = map[string]any{"run_input_snapshot": run.InputSnapshot}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.AssignmentCreated,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "assignment",
		EntityID:   a.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"card_id": a.CardID, "feature_branch": a.FeatureBranch, "allowed_paths": a.AllowedPaths},
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.Metrics.IncAssignment(domain.AssignmentQueued)
	return a, nil
}

// BlockAssignment parks a queued or running assignment. Any running
// execution is failed and cancelled on the agent service.
func (e Engine) BlockAssignment(ctx context.Context, assignmentID, reason, actorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, nil, assignmentID)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment %s: %w", assignmentID, err)
	}
	run, err := e.Repo.GetRun(ctx, nil, a.RunID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if reason == "" {
		reason = "blocked"
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.TransitionAssignment(ctx, tx, a.ID, domain.AssignmentBlocked, reason, now, domain.AssignmentQueued, domain.AssignmentRunning)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !ok {
		return domain.Assignment{}, fmt.Errorf("block assignment %s from %s: %w", a.ID, a.Status, ErrInvalidTransition)
	}
	execs, err := e.Repo.ListExecutionsForAssignment(ctx, tx, a.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	var cancel []string
	for _, x := range execs {
		if x.Status != domain.ExecutionRunning {
			continue
		}
		if _, err := e.Repo.FinishExecution(ctx, tx, x.ID, domain.ExecutionFailed, "", "blocked: "+reason, now); err != nil {
			return domain.Assignment{}, err
		}
		if x.ExternalID != "" {
			cancel = append(cancel, x.ExternalID)
		}
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.AssignmentBlocked,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "assignment",
		EntityID:   a.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"reason": reason, "from": a.Status},
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.cancelExternal(ctx, cancel)
	e.Metrics.IncAssignment(domain.AssignmentBlocked)

	a.Status, a.Error, a.UpdatedAt = domain.AssignmentBlocked, reason, now
	return a, nil
}

// ResumeAssignment requeues a blocked assignment and dispatches it again.
func (e Engine) ResumeAssignment(ctx context.Context, assignmentID, actorID string) (DispatchResult, error) {
	a, err := e.Repo.GetAssignment(ctx, nil, assignmentID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("assignment %s: %w", assignmentID, err)
	}
	run, err := e.Repo.GetRun(ctx, nil, a.RunID)
	if err != nil {
		return DispatchResult{}, err
	}
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		return DispatchResult{}, fmt.Errorf("resume assignment %s: run %s is %s: %w", a.ID, run.ID, run.Status, ErrInvalidTransition)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DispatchResult{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.TransitionAssignment(ctx, tx, a.ID, domain.AssignmentQueued, "", e.nowString(), domain.AssignmentBlocked)
	if err != nil {
		return DispatchResult{}, err
	}
	if !ok {
		return DispatchResult{}, fmt.Errorf("resume assignment %s from %s: %w", a.ID, a.Status, ErrInvalidTransition)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.AssignmentResumed,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "assignment",
		EntityID:   a.ID,
		ActorID:    actorID,
	}); err != nil {
		return DispatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DispatchResult{}, err
	}
	return e.DispatchAssignment(ctx, a.ID, actorID)
}

func (e Engine) GetAssignment(ctx context.Context, assignmentID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, nil, assignmentID)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment %s: %w", assignmentID, err)
	}
	return a, nil
}

// cancelExternal asks the agent service to stop executions. Failures are
// logged; local state has already been recorded.
func (e Engine) cancelExternal(ctx context.Context, externalIDs []string) {
	if e.Agent == nil {
		return
	}
	for _, id := range externalIDs {
		if err := e.Agent.Cancel(ctx, id); err != nil {
			e.log().Warn("agent cancel failed", "execution_id", id, "error", err)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
