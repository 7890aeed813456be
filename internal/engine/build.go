package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/gitops"
	"buildline/internal/observability"
)

type BuildOptions struct {
	ProjectID   string
	Scope       string
	CardID      string
	WorkflowID  string
	TriggerType string
	ActorID     string
}

type BuildResult struct {
	Success       bool          `json:"success"`
	RunID         string        `json:"run_id,omitempty"`
	AssignmentIDs []string      `json:"assignment_ids"`
	Failures      []CardFailure `json:"failures,omitempty"`
	Message       string        `json:"message"`
}

// Build failure stages.
const (
	stageBranch     = "branch"
	stageAssignment = "assignment"
	stageDispatch   = "dispatch"
)

// TriggerBuild runs a build over a card or a workflow: it takes the
// project's build lock, checks preconditions, prepares the working tree,
// creates the run and assigns and dispatches every card in scope. Per-card
// failures do not stop the other cards; they are returned as a *BuildError
// alongside the result.
func (e Engine) TriggerBuild(ctx context.Context, opts BuildOptions) (BuildResult, error) {
	if _, err := e.RecoverStaleRuns(ctx); err != nil {
		e.log().Warn("stale run recovery failed", "error", err)
	}
	logger := observability.WithProject(e.log(), opts.ProjectID)

	unlock := e.locks.lock("build/" + opts.ProjectID)
	defer unlock()

	running, err := e.Repo.BuildLockHeld(ctx, nil, opts.ProjectID)
	if err != nil {
		return BuildResult{}, err
	}
	if running {
		return BuildResult{}, buildRunningError(opts.ProjectID)
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return BuildResult{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if project.RepoURL == "" {
		return BuildResult{}, decisionRequired(ErrNoRepository,
			fmt.Sprintf("project %s has no repository; connect one before building", project.ID), nil)
	}

	cards, err := e.cardsInScope(ctx, opts)
	if err != nil {
		return BuildResult{}, err
	}
	var unfinalized []string
	for _, c := range cards {
		if c.FinalizedAt == nil {
			unfinalized = append(unfinalized, c.ID)
		}
	}
	if len(unfinalized) > 0 {
		return BuildResult{}, decisionRequired(ErrCardsNotFinalized,
			fmt.Sprintf("finalize cards before building: %s", strings.Join(unfinalized, ", ")),
			map[string]any{"card_ids": unfinalized})
	}
	allowed, err := e.allowedPathsFor(ctx, cards)
	if err != nil {
		return BuildResult{}, err
	}

	if e.Git == nil {
		return BuildResult{}, fmt.Errorf("project %s: no git provider configured", project.ID)
	}
	clonePath, err := e.Git.EnsureClone(ctx, project.ID, project.RepoURL, project.RepoToken, project.DefaultBranch)
	if err != nil {
		return BuildResult{}, fmt.Errorf("prepare working tree for %s: %w", project.ID, err)
	}

	cardIDs := make([]string, len(cards))
	for i, c := range cards {
		cardIDs[i] = c.ID
	}
	run, err := e.CreateRun(ctx, RunCreateOptions{
		ProjectID:    project.ID,
		Scope:        opts.Scope,
		WorkflowID:   opts.WorkflowID,
		CardID:       opts.CardID,
		CardIDs:      cardIDs,
		TriggerType:  opts.TriggerType,
		InitiatedBy:  opts.ActorID,
		RepoURL:      project.RepoURL,
		BaseBranch:   project.DefaultBranch,
		WorktreeRoot: clonePath,
		ClaimLock:    true,
	})
	if err != nil {
		return BuildResult{}, err
	}
	logger = observability.WithRun(logger, run.ID)
	e.appendEventStandalone(ctx, events.Entry{
		Type:       events.BuildTriggered,
		ProjectID:  project.ID,
		RunID:      run.ID,
		EntityKind: "run",
		EntityID:   run.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"cards": len(cards), "planned_files": e.Config.PlannedFiles.String()},
	})

	type outcome struct {
		assignmentID string
		failure      *CardFailure
	}
	outcomes := make([]outcome, len(cards))
	var g errgroup.Group
	limit := e.Config.MaxParallelDispatch
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, card := range cards {
		g.Go(func() error {
			id, failure := e.buildCard(ctx, project, run, card, allowed[card.ID], clonePath, opts.ActorID)
			outcomes[i] = outcome{assignmentID: id, failure: failure}
			return nil
		})
	}
	_ = g.Wait()

	res := BuildResult{RunID: run.ID, AssignmentIDs: []string{}}
	for _, o := range outcomes {
		if o.failure != nil {
			res.Failures = append(res.Failures, *o.failure)
			continue
		}
		res.AssignmentIDs = append(res.AssignmentIDs, o.assignmentID)
	}
	if len(res.Failures) == 0 {
		res.Success = true
		res.Message = fmt.Sprintf("dispatched %d assignment(s) in run %s", len(res.AssignmentIDs), run.ID)
		logger.Info("build dispatched", "assignments", len(res.AssignmentIDs))
		return res, nil
	}

	buildErr := &BuildError{RunID: run.ID, Failures: res.Failures, Dispatched: res.AssignmentIDs}
	if len(res.AssignmentIDs) == 0 {
		if _, err := e.failRun(ctx, run, failRunOptions{
			Reason:        "no card could be dispatched",
			AssignmentErr: "build failed",
			RunEvent:      events.RunFailed,
			ActorID:       opts.ActorID,
		}); err != nil {
			return res, err
		}
		buildErr.RunFailed = true
		res.Message = fmt.Sprintf("build failed: none of %d card(s) could be dispatched", len(cards))
	} else {
		res.Message = fmt.Sprintf("build partially dispatched: %d of %d card(s) failed; run %s continues with the rest",
			len(res.Failures), len(cards), run.ID)
	}
	logger.Warn("build had card failures", "failed", len(res.Failures), "dispatched", len(res.AssignmentIDs))
	return res, buildErr
}

func (e Engine) cardsInScope(ctx context.Context, opts BuildOptions) ([]domain.Card, error) {
	var ids []string
	switch opts.Scope {
	case domain.ScopeCard:
		if opts.CardID == "" {
			return nil, validationError(nil, []string{"card scope requires card_id"})
		}
		ids = []string{opts.CardID}
	case domain.ScopeWorkflow:
		if opts.WorkflowID == "" {
			return nil, validationError(nil, []string{"workflow scope requires workflow_id"})
		}
		var err error
		if ids, err = e.Repo.CardIDsForWorkflow(ctx, opts.ProjectID, opts.WorkflowID); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, validationError(nil, []string{fmt.Sprintf("workflow %s has no cards", opts.WorkflowID)})
		}
	default:
		return nil, validationError(nil, []string{fmt.Sprintf("scope must be workflow or card, got %q", opts.Scope)})
	}
	cards := make([]domain.Card, 0, len(ids))
	for _, id := range ids {
		c, err := e.Repo.GetCard(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("card %s: %w", id, err)
		}
		if c.ProjectID != opts.ProjectID {
			return nil, validationError(nil, []string{fmt.Sprintf("card %s belongs to project %s", id, c.ProjectID)})
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// allowedPathsFor derives each card's allowed paths from its approved
// planned files. Cards without any are a decision under the strict policy
// and get the default path set otherwise.
func (e Engine) allowedPathsFor(ctx context.Context, cards []domain.Card) (map[string][]string, error) {
	out := make(map[string][]string, len(cards))
	var missing []string
	for _, c := range cards {
		files, err := e.Repo.ApprovedPlannedFiles(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(files))
		for _, f := range files {
			paths = append(paths, f.Path)
		}
		if len(paths) == 0 {
			if e.Config.PlannedFiles == config.PlannedFilesStrict {
				missing = append(missing, c.ID)
				continue
			}
			paths = append(paths, e.defaultAllowedPaths()...)
		}
		out[c.ID] = paths
	}
	if len(missing) > 0 {
		return nil, decisionRequired(ErrNoApprovedFiles,
			fmt.Sprintf("approve planned files before building: %s", strings.Join(missing, ", ")),
			map[string]any{"card_ids": missing})
	}
	return out, nil
}

func (e Engine) defaultAllowedPaths() []string {
	if len(e.Config.DefaultAllowedPaths) > 0 {
		return e.Config.DefaultAllowedPaths
	}
	return config.DefaultAllowedPaths
}

// buildCard creates the card's branch and assignment and dispatches it.
func (e Engine) buildCard(ctx context.Context, project domain.Project, run domain.Run, card domain.Card, allowed []string, clonePath, actorID string) (string, *CardFailure) {
	fail := func(stage, assignmentID string, err error) (string, *CardFailure) {
		e.log().Warn("card build failed", "run_id", run.ID, "card_id", card.ID, "stage", stage, "error", err)
		e.setCardBuildState(ctx, card.ID, domain.CardFailed, err.Error())
		e.appendEventStandalone(ctx, events.Entry{
			Type:       events.BuildDispatchFailed,
			ProjectID:  run.ProjectID,
			RunID:      run.ID,
			EntityKind: "card",
			EntityID:   card.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"stage": stage, "assignment_id": assignmentID, "error": err.Error()},
		})
		return "", &CardFailure{CardID: card.ID, AssignmentID: assignmentID, Stage: stage, Error: err.Error()}
	}

	branch := gitops.BranchName(run.ID, card.ID)
	if err := e.Git.CreateFeatureBranch(ctx, clonePath, branch, project.DefaultBranch); err != nil {
		return fail(stageBranch, "", err)
	}
	a, err := e.CreateAssignment(ctx, AssignmentCreateOptions{
		RunID:         run.ID,
		CardID:        card.ID,
		FeatureBranch: branch,
		WorktreePath:  clonePath,
		AllowedPaths:  allowed,
		ActorID:       actorID,
	})
	if err != nil {
		return fail(stageAssignment, "", err)
	}
	if _, err := e.DispatchAssignment(ctx, a.ID, actorID); err != nil {
		return fail(stageDispatch, a.ID, err)
	}
	return a.ID, nil
}
