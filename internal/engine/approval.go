package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
)

// GateResult is the outcome of checking recorded results against the
// required check types.
type GateResult struct {
	CanApprove bool     `json:"can_approve"`
	Missing    []string `json:"missing_checks"`
	Failed     []string `json:"failed_checks"`
	Skipped    []string `json:"skipped_checks"`
	Errors     []string `json:"errors"`
}

// ValidateApprovalGates passes only when every required type has a passed
// result. A skipped required check blocks like a failed one.
func ValidateApprovalGates(required []string, results []domain.RunCheck) GateResult {
	byType := make(map[string]string, len(results))
	for _, r := range results {
		byType[r.CheckType] = r.Status
	}
	g := GateResult{Missing: []string{}, Failed: []string{}, Skipped: []string{}, Errors: []string{}}
	for _, t := range required {
		status, ok := byType[t]
		switch {
		case !ok:
			g.Missing = append(g.Missing, t)
			g.Errors = append(g.Errors, fmt.Sprintf("required check %s has no result", t))
		case status == domain.CheckFailed:
			g.Failed = append(g.Failed, t)
			g.Errors = append(g.Errors, fmt.Sprintf("required check %s failed", t))
		case status == domain.CheckSkipped:
			g.Skipped = append(g.Skipped, t)
			g.Errors = append(g.Errors, fmt.Sprintf("required check %s was skipped", t))
		}
	}
	g.CanApprove = len(g.Errors) == 0
	return g
}

type ApprovalCreateOptions struct {
	RunID        string
	ApprovalType string
	RequestedBy  string
}

// CreateApprovalRequest opens a pending request once the run's required
// checks have all passed. Nothing is stored when the gate fails.
func (e Engine) CreateApprovalRequest(ctx context.Context, opts ApprovalCreateOptions) (domain.ApprovalRequest, error) {
	switch opts.ApprovalType {
	case domain.ApprovalCreatePR, domain.ApprovalMergePR:
	default:
		return domain.ApprovalRequest{}, validationError(nil, []string{fmt.Sprintf("unknown approval type %q", opts.ApprovalType)})
	}
	run, err := e.Repo.GetRun(ctx, nil, opts.RunID)
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("run %s: %w", opts.RunID, err)
	}
	results, err := e.Repo.ListChecks(ctx, nil, run.ID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if gate := ValidateApprovalGates(run.PolicySnapshot.RequiredChecks, results); !gate.CanApprove {
		return domain.ApprovalRequest{}, &ValidationError{Problems: gate.Errors, Reason: ErrGateBlocked}
	}

	a := domain.ApprovalRequest{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		ApprovalType: opts.ApprovalType,
		Status:       domain.ApprovalPending,
		RequestedBy:  firstNonEmpty(opts.RequestedBy, e.Config.ActorID),
		CreatedAt:    e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.ApprovalRequested,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "approval",
		EntityID:   a.ID,
		ActorID:    a.RequestedBy,
		Payload:    events.EventPayload{"approval_type": a.ApprovalType},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return a, nil
}

// ResolveApprovalRequest records a decision on a pending request. Checks are
// not re-evaluated. A rejection cancels the run if it is still active.
func (e Engine) ResolveApprovalRequest(ctx context.Context, approvalID, decision, resolvedBy, notes string) (domain.ApprovalRequest, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return domain.ApprovalRequest{}, validationError(nil, []string{fmt.Sprintf("decision must be approved or rejected, got %q", decision)})
	}
	if resolvedBy == "" {
		resolvedBy = e.Config.ActorID
	}
	a, err := e.Repo.GetApproval(ctx, nil, approvalID)
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approval %s: %w", approvalID, err)
	}
	run, err := e.Repo.GetRun(ctx, nil, a.RunID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, decision, resolvedBy, notes, now)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("approval %s is already %s: %w", a.ID, a.Status, ErrInvalidTransition)
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.ApprovalResolved,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "approval",
		EntityID:   a.ID,
		ActorID:    resolvedBy,
		Payload:    events.EventPayload{"approval_type": a.ApprovalType, "decision": decision, "notes": notes},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}

	a.Status, a.ResolvedBy, a.ResolutionNotes, a.ResolvedAt = decision, &resolvedBy, notes, &now
	if decision == domain.ApprovalRejected && (run.Status == domain.RunQueued || run.Status == domain.RunRunning) {
		reason := "approval rejected"
		if notes != "" {
			reason += ": " + notes
		}
		if _, err := e.CancelRun(ctx, run.ID, resolvedBy, reason); err != nil {
			return a, fmt.Errorf("cancel run %s after rejection: %w", run.ID, err)
		}
	}
	return a, nil
}
