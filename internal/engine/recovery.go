package engine

import (
	"context"
	"fmt"
	"time"

	"buildline/internal/events"
)

// StaleRunError is the error recorded on assignments and cards of a run
// that exceeded the stale-run timeout.
const StaleRunError = "timed out"

// RecoverStaleRuns fails queued and running runs older than the configured
// timeout, together with their unfinished assignments. It returns the ids of
// the runs it failed. A zero timeout disables recovery.
func (e Engine) RecoverStaleRuns(ctx context.Context) ([]string, error) {
	timeout := e.Config.StaleRunTimeout
	if timeout <= 0 {
		return []string{}, nil
	}
	cutoff := e.now().Add(-timeout).UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListStaleRuns(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	recovered := []string{}
	for _, run := range stale {
		out, err := e.failRun(ctx, run, failRunOptions{
			Reason:         fmt.Sprintf("%s after %s in %s", StaleRunError, timeout, run.Status),
			AssignmentErr:  StaleRunError,
			RunEvent:       events.RunTimedOut,
			ExecutionEvent: events.ExecutionFailed,
			ActorID:        "system",
		})
		if err != nil {
			return recovered, fmt.Errorf("recover run %s: %w", run.ID, err)
		}
		if out.failed {
			recovered = append(recovered, run.ID)
			e.log().Warn("stale run failed", "run_id", run.ID, "project_id", run.ProjectID, "status", run.Status, "assignments", len(out.cards))
		}
	}
	return recovered, nil
}
