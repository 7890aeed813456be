package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"buildline/internal/domain"
)

const assignmentColumns = `id,run_id,card_id,agent_role,COALESCE(agent_profile,''),feature_branch,worktree_path,allowed_paths_json,forbidden_paths_json,input_snapshot_json,status,COALESCE(error,''),created_at,updated_at`

func scanAssignment(row interface{ Scan(...any) error }) (domain.Assignment, error) {
	var a domain.Assignment
	var worktree, input sql.NullString
	var allowed, forbidden string
	err := row.Scan(&a.ID, &a.RunID, &a.CardID, &a.AgentRole, &a.AgentProfile, &a.FeatureBranch, &worktree,
		&allowed, &forbidden, &input, &a.Status, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.WorktreePath = ptrFromNull(worktree)
	if a.AllowedPaths, err = unmarshalStrings(allowed); err != nil {
		return a, fmt.Errorf("assignment %s allowed paths: %w", a.ID, err)
	}
	if a.ForbiddenPaths, err = unmarshalStrings(forbidden); err != nil {
		return a, fmt.Errorf("assignment %s forbidden paths: %w", a.ID, err)
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &a.InputSnapshot); err != nil {
			return a, fmt.Errorf("assignment %s input snapshot: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	allowed, err := marshalStrings(a.AllowedPaths)
	if err != nil {
		return err
	}
	forbidden, err := marshalStrings(a.ForbiddenPaths)
	if err != nil {
		return err
	}
	var input any
	if a.InputSnapshot != nil {
		data, err := json.Marshal(a.InputSnapshot)
		if err != nil {
			return fmt.Errorf("marshal assignment input: %w", err)
		}
		input = string(data)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO assignments(id,run_id,card_id,agent_role,agent_profile,feature_branch,worktree_path,allowed_paths_json,forbidden_paths_json,input_snapshot_json,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.CardID, a.AgentRole, nullable(a.AgentProfile), a.FeatureBranch, nullableStringPtr(a.WorktreePath),
		allowed, forbidden, input, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

func (r Repo) ListAssignmentsForRun(ctx context.Context, tx *sql.Tx, runID string) ([]domain.Assignment, error) {
	rows, err := r.query(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// TransitionAssignment moves an assignment to status when its current status
// is one of from. It reports whether the row changed.
func (r Repo) TransitionAssignment(ctx context.Context, tx *sql.Tx, id, status, errMsg, now string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition assignment %s: no source statuses", id)
	}
	args := []any{status, nullable(errMsg), now, id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := r.exec(ctx, tx, `UPDATE assignments SET status=?, error=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CountAssignmentsByStatus returns per-status counts for a run.
func (r Repo) CountAssignmentsByStatus(ctx context.Context, tx *sql.Tx, runID string) (map[string]int, error) {
	rows, err := r.query(ctx, tx, `SELECT status, COUNT(1) FROM assignments WHERE run_id=? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
