package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/observability"
)

// CheckRunner executes the required checks for a run.
type CheckRunner interface {
	ExecuteRequiredChecks(ctx context.Context, runID string) ([]domain.RunCheck, error)
}

const stubMarker = "not yet executed: recorded as passed without running"

// ExecuteRequiredChecks records a result for every required check type the
// run has no result for yet. Recorded types are never re-run or overwritten,
// so calling it again is a no-op. Lint and unit run the policy's command in
// the run's working tree; other types are recorded as stubs.
func (e Engine) ExecuteRequiredChecks(ctx context.Context, runID string) ([]domain.RunCheck, error) {
	unlock := e.locks.lock("checks/" + runID)
	defer unlock()

	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	existing, err := e.Repo.ListChecks(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]bool, len(existing))
	for _, c := range existing {
		recorded[c.CheckType] = true
	}

	logger := observability.WithRun(e.log(), run.ID)
	for _, checkType := range run.PolicySnapshot.RequiredChecks {
		if recorded[checkType] {
			continue
		}
		recorded[checkType] = true
		c := e.runCheck(ctx, run, checkType)
		inserted, err := e.recordCheck(ctx, run, c)
		if err != nil {
			return nil, err
		}
		if inserted {
			e.Metrics.IncCheck(c.CheckType, c.Status)
			logger.Info("check recorded", "check_type", c.CheckType, "status", c.Status)
		}
	}
	return e.Repo.ListChecks(ctx, nil, runID)
}

func (e Engine) runCheck(ctx context.Context, run domain.Run, checkType string) domain.RunCheck {
	c := domain.RunCheck{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		CheckType: checkType,
	}

	if checkType != domain.CheckLint && checkType != domain.CheckUnit {
		c.Status = domain.CheckPassed
		c.Output = fmt.Sprintf("%s check %s", checkType, stubMarker)
		c.ExecutedAt = e.nowString()
		return c
	}
	command := run.PolicySnapshot.CheckCommands[checkType]
	if command == "" {
		c.Status = domain.CheckSkipped
		c.Output = fmt.Sprintf("no %s command configured in policy", checkType)
		c.ExecutedAt = e.nowString()
		return c
	}
	if run.WorktreeRoot == "" {
		c.Status = domain.CheckFailed
		c.Output = "run has no working tree"
		c.ExecutedAt = e.nowString()
		return c
	}
	if _, err := os.Stat(run.WorktreeRoot); err != nil {
		c.Status = domain.CheckFailed
		c.Output = fmt.Sprintf("working tree unavailable: %v", err)
		c.ExecutedAt = e.nowString()
		return c
	}
	if e.Commands == nil {
		c.Status = domain.CheckFailed
		c.Output = "no command runner configured"
		c.ExecutedAt = e.nowString()
		return c
	}

	res := e.Commands.Run(ctx, run.WorktreeRoot, command)
	c.Status = domain.CheckFailed
	if res.Passed() {
		c.Status = domain.CheckPassed
	}
	c.Output = res.Output
	switch {
	case res.TimedOut:
		c.Output += fmt.Sprintf("\n[timed out after %s]", res.Duration.Round(time.Millisecond))
	case res.Err != nil && res.ExitCode < 0:
		c.Output += fmt.Sprintf("\n[%v]", res.Err)
	}
	if e.Archive != nil && res.Full != "" {
		uri, err := e.Archive.PutCheckLog(ctx, run.ID, checkType, res.Full)
		if err != nil {
			e.log().Warn("check log archive failed", "run_id", run.ID, "check_type", checkType, "error", err)
		} else {
			c.LogURI = uri
		}
	}
	c.ExecutedAt = e.nowString()
	return c
}

func (e Engine) recordCheck(ctx context.Context, run domain.Run, c domain.RunCheck) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertCheckIfAbsent(ctx, tx, c)
	if err != nil || !inserted {
		return false, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.CheckRecorded,
		ProjectID:  run.ProjectID,
		RunID:      run.ID,
		EntityKind: "check",
		EntityID:   c.ID,
		Payload:    events.EventPayload{"check_type": c.CheckType, "status": c.Status, "log_uri": c.LogURI},
	}); err != nil {
		return false, err
	}
	return inserted, tx.Commit()
}
