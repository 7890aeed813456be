package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"buildline/internal/domain"
)

const runColumns = `id,project_id,scope,workflow_id,card_id,trigger_type,status,initiated_by,COALESCE(repo_url,''),base_branch,policy_snapshot_json,input_snapshot_json,COALESCE(worktree_root,''),COALESCE(failure_reason,''),created_at,updated_at,started_at,ended_at,claims_lock`

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	var workflowID, cardID, startedAt, endedAt sql.NullString
	var policyJSON, inputJSON string
	var claimsLock int
	err := row.Scan(&run.ID, &run.ProjectID, &run.Scope, &workflowID, &cardID, &run.TriggerType, &run.Status, &run.InitiatedBy,
		&run.RepoURL, &run.BaseBranch, &policyJSON, &inputJSON, &run.WorktreeRoot, &run.FailureReason,
		&run.CreatedAt, &run.UpdatedAt, &startedAt, &endedAt, &claimsLock)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.ClaimsLock = claimsLock == 1
	run.WorkflowID = ptrFromNull(workflowID)
	run.CardID = ptrFromNull(cardID)
	run.StartedAt = ptrFromNull(startedAt)
	run.EndedAt = ptrFromNull(endedAt)
	if err := json.Unmarshal([]byte(policyJSON), &run.PolicySnapshot); err != nil {
		return run, fmt.Errorf("run %s policy snapshot: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(inputJSON), &run.InputSnapshot); err != nil {
		return run, fmt.Errorf("run %s input snapshot: %w", run.ID, err)
	}
	return run, nil
}

// InsertRunIfIdle persists a queued run unless the project's build lock is
// held, by a running run or by a queued run that claims it. The existence
// check and the insert are one statement, so concurrent callers cannot both
// pass it. Reports whether the row was written.
func (r Repo) InsertRunIfIdle(ctx context.Context, tx *sql.Tx, run domain.Run) (bool, error) {
	policyJSON, err := json.Marshal(run.PolicySnapshot)
	if err != nil {
		return false, fmt.Errorf("marshal policy snapshot: %w", err)
	}
	inputJSON, err := json.Marshal(run.InputSnapshot)
	if err != nil {
		return false, fmt.Errorf("marshal input snapshot: %w", err)
	}
	claim := 0
	if run.ClaimsLock {
		claim = 1
	}
	res, err := r.exec(ctx, tx, `INSERT INTO runs(id,project_id,scope,workflow_id,card_id,trigger_type,status,initiated_by,repo_url,base_branch,policy_snapshot_json,input_snapshot_json,worktree_root,created_at,updated_at,claims_lock)
SELECT ?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CAST(? AS INTEGER)
WHERE NOT EXISTS (SELECT 1 FROM runs WHERE `+lockHeldClause+`)`,
		run.ID, run.ProjectID, run.Scope, nullableStringPtr(run.WorkflowID), nullableStringPtr(run.CardID), run.TriggerType, run.Status,
		run.InitiatedBy, nullable(run.RepoURL), run.BaseBranch, string(policyJSON), string(inputJSON), nullable(run.WorktreeRoot),
		run.CreatedAt, run.UpdatedAt, claim,
		run.ProjectID, domain.RunRunning, domain.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetRun(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(r.queryRow(ctx, tx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// lockHeldClause matches the runs holding a project's build lock. Its
// arguments are the project id, RunRunning and RunQueued.
const lockHeldClause = `project_id=? AND (status=? OR (status=? AND claims_lock=1))`

// BuildLockHeld reports whether the project holds the build lock.
func (r Repo) BuildLockHeld(ctx context.Context, tx *sql.Tx, projectID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(1) FROM runs WHERE `+lockHeldClause, projectID, domain.RunRunning, domain.RunQueued).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type RunFilters struct {
	ProjectID string
	Status    string
	Scope     string
	Limit     int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Scope != "" {
		clauses = append(clauses, "scope=?")
		args = append(args, f.Scope)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.query(ctx, nil, `SELECT `+runColumns+` FROM runs WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// StartRun promotes a queued run to running. It reports false when the run
// was no longer queued. A second running run for the project surfaces as
// ErrConflict from the single-running index.
func (r Repo) StartRun(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE runs SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.RunRunning, now, now, id, domain.RunQueued)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishRun moves a non-terminal run to completed or failed. Terminal runs
// are left untouched and false is returned.
func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, id, status, reason, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE runs SET status=?, failure_reason=?, ended_at=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		status, nullable(reason), now, now, id, domain.RunQueued, domain.RunRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) SetRunWorktree(ctx context.Context, tx *sql.Tx, id, root, now string) error {
	return r.execOne(ctx, tx, `UPDATE runs SET worktree_root=?, updated_at=? WHERE id=?`, nullable(root), now, id)
}

// ListStaleRuns returns non-terminal runs whose start (or creation, when
// never started) is older than cutoff.
func (r Repo) ListStaleRuns(ctx context.Context, cutoff string) ([]domain.Run, error) {
	rows, err := r.query(ctx, nil, `SELECT `+runColumns+` FROM runs WHERE status IN (?,?) AND COALESCE(started_at, created_at) < ? ORDER BY created_at`,
		domain.RunQueued, domain.RunRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
