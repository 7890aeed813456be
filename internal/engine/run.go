package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/pathrules"
	"buildline/internal/policy"
	"buildline/internal/repo"
)

type RunCreateOptions struct {
	ProjectID      string
	Scope          string
	WorkflowID     string
	CardID         string
	CardIDs        []string
	TriggerType    string
	InitiatedBy    string
	AllowedPaths   []string
	ForbiddenPaths []string
	RepoURL        string
	BaseBranch     string
	WorktreeRoot   string
	// ClaimLock makes the queued run hold the project's build lock.
	ClaimLock bool
}

// CreateRun freezes the project's policy, validates the requested scope
// against it and persists a queued run. Every problem found is reported in
// one *ValidationError.
func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	snapshot, err := e.ResolvePolicySnapshot(ctx, opts.ProjectID)
	if errors.Is(err, ErrPolicyMissing) {
		return domain.Run{}, decisionRequired(ErrPolicyMissing,
			fmt.Sprintf("project %s has no policy profile; import one with `bl policy import`", opts.ProjectID), nil)
	}
	if err != nil {
		return domain.Run{}, err
	}

	if opts.TriggerType == "" {
		opts.TriggerType = opts.Scope
	}
	problems, err := validateRunInput(opts, snapshot)
	if err != nil {
		return domain.Run{}, err
	}
	if err := validationError(nil, problems); err != nil {
		return domain.Run{}, err
	}

	cardIDs := opts.CardIDs
	if len(cardIDs) == 0 {
		switch opts.Scope {
		case domain.ScopeCard:
			cardIDs = []string{opts.CardID}
		case domain.ScopeWorkflow:
			if cardIDs, err = e.Repo.CardIDsForWorkflow(ctx, opts.ProjectID, opts.WorkflowID); err != nil {
				return domain.Run{}, err
			}
		}
	}
	if cardIDs == nil {
		cardIDs = []string{}
	}

	now := e.nowString()
	run := domain.Run{
		ID:             uuid.NewString(),
		ProjectID:      opts.ProjectID,
		Scope:          opts.Scope,
		WorkflowID:     optionalString(opts.WorkflowID),
		CardID:         optionalString(opts.CardID),
		TriggerType:    opts.TriggerType,
		Status:         domain.RunQueued,
		InitiatedBy:    opts.InitiatedBy,
		RepoURL:        firstNonEmpty(opts.RepoURL, project.RepoURL),
		BaseBranch:     firstNonEmpty(opts.BaseBranch, project.DefaultBranch),
		PolicySnapshot: snapshot,
		InputSnapshot: domain.RunInputSnapshot{
			WorkflowID:     opts.WorkflowID,
			CardID:         opts.CardID,
			CardIDs:        append([]string(nil), cardIDs...),
			AllowedPaths:   append([]string(nil), opts.AllowedPaths...),
			ForbiddenPaths: unionPaths(snapshot.ForbiddenPaths, opts.ForbiddenPaths),
			CapturedAt:     now,
		},
		WorktreeRoot: opts.WorktreeRoot,
		ClaimsLock:   opts.ClaimLock,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if run.InitiatedBy == "" {
		run.InitiatedBy = e.Config.ActorID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.LockProject(ctx, tx, run.ProjectID); err != nil {
		return domain.Run{}, err
	}
	inserted, err := e.Repo.InsertRunIfIdle(ctx, tx, run)
	if err != nil {
		return domain.Run{}, err
	}
	if !inserted {
		return domain.Run{}, buildRunningError(run.ProjectID)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.RunCreated,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "run",
		EntityID:   run.ID,
		ActorID:    run.InitiatedBy,
		Payload: events.EventPayload{
			"scope":           run.Scope,
			"trigger_type":    run.TriggerType,
			"card_ids":        run.InputSnapshot.CardIDs,
			"required_checks": snapshot.RequiredChecks,
		},
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.Metrics.IncRun(domain.RunQueued)
	return run, nil
}

func validateRunInput(opts RunCreateOptions, snapshot policy.Snapshot) ([]string, error) {
	var problems []string
	switch opts.Scope {
	case domain.ScopeCard:
		if strings.TrimSpace(opts.CardID) == "" {
			problems = append(problems, "card scope requires card_id")
		}
	case domain.ScopeWorkflow:
		if strings.TrimSpace(opts.WorkflowID) == "" {
			problems = append(problems, "workflow scope requires workflow_id")
		}
		if !snapshot.Requires(domain.CheckIntegration) {
			problems = append(problems, "workflow scope requires the integration check in policy")
		}
	default:
		problems = append(problems, fmt.Sprintf("scope must be workflow or card, got %q", opts.Scope))
	}
	switch opts.TriggerType {
	case domain.TriggerCard, domain.TriggerWorkflow, domain.TriggerManual:
	default:
		problems = append(problems, fmt.Sprintf("unknown trigger type %q", opts.TriggerType))
	}
	if len(snapshot.RequiredChecks) == 0 {
		problems = append(problems, "policy must declare at least one required check")
	}
	conflicts, err := pathrules.Conflicts(opts.AllowedPaths, snapshot.ForbiddenPaths)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		problems = append(problems, "allowed path "+c.String())
	}
	if len(opts.ForbiddenPaths) > 0 {
		for _, m := range pathrules.Missing(snapshot.ForbiddenPaths, opts.ForbiddenPaths) {
			problems = append(problems, fmt.Sprintf("forbidden_paths must include policy path %s", m))
		}
	}
	return problems, nil
}

func buildRunningError(projectID string) error {
	return decisionRequired(ErrBuildRunning,
		fmt.Sprintf("a build is already running for project %s; wait for it to finish or cancel it", projectID),
		map[string]any{"project_id": projectID})
}

func (e Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, f)
}

// RunDetail is a run with everything it owns.
type RunDetail struct {
	Run         domain.Run                   `json:"run"`
	Assignments []domain.Assignment          `json:"assignments"`
	Checks      []domain.RunCheck            `json:"checks"`
	Approvals   []domain.ApprovalRequest     `json:"approvals"`
	PRCandidate *domain.PullRequestCandidate `json:"pr_candidate,omitempty"`
}

func (e Engine) GetRunDetail(ctx context.Context, runID string) (RunDetail, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	d := RunDetail{Run: run}
	if d.Assignments, err = e.Repo.ListAssignmentsForRun(ctx, nil, runID); err != nil {
		return RunDetail{}, err
	}
	if d.Checks, err = e.Repo.ListChecks(ctx, nil, runID); err != nil {
		return RunDetail{}, err
	}
	if d.Approvals, err = e.Repo.ListApprovals(ctx, runID); err != nil {
		return RunDetail{}, err
	}
	pr, err := e.Repo.GetPRCandidateForRun(ctx, nil, runID)
	switch {
	case err == nil:
		d.PRCandidate = &pr
	case !errors.Is(err, repo.ErrNotFound):
		return RunDetail{}, err
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
