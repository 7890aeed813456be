package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/repo"
)

type PRCandidateCreateOptions struct {
	RunID       string
	Title       string
	Description string
	HeadBranch  string
	BaseBranch  string

	// Push pushes the head branch to the remote before recording.
	Push    bool
	ActorID string
}

// CreatePullRequestCandidate records the run's reviewable output. A run has
// at most one candidate.
func (e Engine) CreatePullRequestCandidate(ctx context.Context, opts PRCandidateCreateOptions) (domain.PullRequestCandidate, error) {
	run, err := e.Repo.GetRun(ctx, nil, opts.RunID)
	if err != nil {
		return domain.PullRequestCandidate{}, fmt.Errorf("run %s: %w", opts.RunID, err)
	}
	if _, err := e.Repo.GetPRCandidateForRun(ctx, nil, run.ID); err == nil {
		return domain.PullRequestCandidate{}, fmt.Errorf("run %s: %w", run.ID, ErrPRCandidateExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PullRequestCandidate{}, err
	}

	head := opts.HeadBranch
	if head == "" {
		assignments, err := e.Repo.ListAssignmentsForRun(ctx, nil, run.ID)
		if err != nil {
			return domain.PullRequestCandidate{}, err
		}
		if len(assignments) == 1 {
			head = assignments[0].FeatureBranch
		}
	}
	base := firstNonEmpty(opts.BaseBranch, run.BaseBranch)
	var problems []string
	if head == "" {
		problems = append(problems, "head_branch is required when the run has more than one assignment")
	} else if head == base {
		problems = append(problems, fmt.Sprintf("head_branch must differ from base branch %s", base))
	}
	if err := validationError(nil, problems); err != nil {
		return domain.PullRequestCandidate{}, err
	}
	title := opts.Title
	if title == "" {
		title = fmt.Sprintf("Build %s", shortID(run.ID))
	}

	if opts.Push {
		if e.Git == nil {
			return domain.PullRequestCandidate{}, fmt.Errorf("push %s: no git provider configured", head)
		}
		if err := e.Git.PushBranch(ctx, run.ProjectID, head, run.RepoURL); err != nil {
			return domain.PullRequestCandidate{}, fmt.Errorf("push %s: %w", head, err)
		}
	}

	now := e.nowString()
	c := domain.PullRequestCandidate{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		BaseBranch:  base,
		HeadBranch:  head,
		Title:       title,
		Description: opts.Description,
		Status:      domain.PRNotCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PullRequestCandidate{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPRCandidate(ctx, tx, c); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.PullRequestCandidate{}, fmt.Errorf("run %s: %w", run.ID, ErrPRCandidateExists)
		}
		return domain.PullRequestCandidate{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.PRCandidateCreated,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "pr_candidate",
		EntityID:   c.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"head_branch": head, "base_branch": base, "pushed": opts.Push},
	}); err != nil {
		return domain.PullRequestCandidate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PullRequestCandidate{}, err
	}
	return c, nil
}

// ResolvePullRequestCandidate advances a candidate along
// not_created -> draft_open|open -> merged|closed. Opening and merging
// require an approved request when the run's policy says so.
func (e Engine) ResolvePullRequestCandidate(ctx context.Context, candidateID, status, prURL, actorID string) (domain.PullRequestCandidate, error) {
	c, err := e.Repo.GetPRCandidate(ctx, nil, candidateID)
	if err != nil {
		return domain.PullRequestCandidate{}, fmt.Errorf("pr candidate %s: %w", candidateID, err)
	}
	if err := ensurePRTransition(c.Status, status); err != nil {
		return domain.PullRequestCandidate{}, err
	}
	run, err := e.Repo.GetRun(ctx, nil, c.RunID)
	if err != nil {
		return domain.PullRequestCandidate{}, err
	}
	if err := e.ensurePRApproval(ctx, run, status); err != nil {
		return domain.PullRequestCandidate{}, err
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PullRequestCandidate{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdatePRCandidate(ctx, tx, c.ID, c.Status, status, prURL, now)
	if err != nil {
		return domain.PullRequestCandidate{}, err
	}
	if !ok {
		return domain.PullRequestCandidate{}, fmt.Errorf("pr candidate %s changed concurrently: %w", c.ID, ErrInvalidTransition)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.PRCandidateUpdated,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "pr_candidate",
		EntityID:   c.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": c.Status, "to": status, "pr_url": prURL},
	}); err != nil {
		return domain.PullRequestCandidate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PullRequestCandidate{}, err
	}
	c.Status, c.UpdatedAt = status, now
	if prURL != "" {
		c.PRURL = prURL
	}
	return c, nil
}

func ensurePRTransition(from, to string) error {
	switch from {
	case domain.PRNotCreated:
		if to == domain.PRDraftOpen || to == domain.PROpen {
			return nil
		}
	case domain.PRDraftOpen:
		if to == domain.PROpen || to == domain.PRMerged || to == domain.PRClosed {
			return nil
		}
	case domain.PROpen:
		if to == domain.PRMerged || to == domain.PRClosed {
			return nil
		}
	}
	return fmt.Errorf("pr candidate %s -> %s: %w", from, to, ErrInvalidTransition)
}

func (e Engine) ensurePRApproval(ctx context.Context, run domain.Run, to string) error {
	var need string
	switch {
	case (to == domain.PRDraftOpen || to == domain.PROpen) && run.PolicySnapshot.Approval.RequireCreatePR:
		need = domain.ApprovalCreatePR
	case to == domain.PRMerged && run.PolicySnapshot.Approval.RequireMergePR:
		need = domain.ApprovalMergePR
	default:
		return nil
	}
	approvals, err := e.Repo.ListApprovals(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, a := range approvals {
		if a.ApprovalType == need && a.Status == domain.ApprovalApproved {
			return nil
		}
	}
	return decisionRequired(ErrApprovalRequired,
		fmt.Sprintf("run %s needs an approved %s request before moving its pull request to %s", run.ID, need, to),
		map[string]any{"approval_type": need})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
