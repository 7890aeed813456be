package engine

import (
	"context"
	"errors"
	"fmt"

	"buildline/internal/events"
	"buildline/internal/policy"
	"buildline/internal/repo"
)

// ResolvePolicySnapshot loads the project's active profile and freezes it.
// The returned snapshot shares no state with the stored profile.
func (e Engine) ResolvePolicySnapshot(ctx context.Context, projectID string) (policy.Snapshot, error) {
	profile, err := e.Repo.GetPolicy(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return policy.Snapshot{}, fmt.Errorf("project %s: %w", projectID, ErrPolicyMissing)
	}
	if err != nil {
		return policy.Snapshot{}, err
	}
	return profile.Freeze(projectID, e.nowString()), nil
}

// ImportPolicy replaces the project's active profile. Runs created earlier
// keep the snapshot they were created with.
func (e Engine) ImportPolicy(ctx context.Context, projectID string, profile *policy.Profile, actorID string) error {
	if profile == nil {
		return validationError(nil, []string{"policy profile is required"})
	}
	if err := profile.Validate(); err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertPolicy(ctx, tx, projectID, profile, e.nowString()); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.PolicyUpdated,
		ProjectID:  projectID,
		EntityKind: "policy",
		EntityID:   projectID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"name": profile.Name, "required_checks": profile.RequiredChecks},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetPolicy(ctx context.Context, projectID string) (*policy.Profile, error) {
	p, err := e.Repo.GetPolicy(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrPolicyMissing)
	}
	return p, err
}
