package repo

import (
	"context"
	"database/sql"

	"buildline/internal/domain"
)

const executionColumns = `id,assignment_id,attempt,COALESCE(external_id,''),status,started_at,ended_at,COALESCE(summary,''),COALESCE(error,''),created_at`

func scanExecution(row interface{ Scan(...any) error }) (domain.AgentExecution, error) {
	var x domain.AgentExecution
	var startedAt, endedAt sql.NullString
	err := row.Scan(&x.ID, &x.AssignmentID, &x.Attempt, &x.ExternalID, &x.Status, &startedAt, &endedAt, &x.Summary, &x.Error, &x.CreatedAt)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.StartedAt = ptrFromNull(startedAt)
	x.EndedAt = ptrFromNull(endedAt)
	return x, nil
}

// InsertExecution appends the next attempt for the assignment and returns
// the attempt number assigned.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, x domain.AgentExecution) (int, error) {
	var attempt int
	if err := r.queryRow(ctx, tx, `SELECT COALESCE(MAX(attempt),0)+1 FROM agent_executions WHERE assignment_id=?`, x.AssignmentID).Scan(&attempt); err != nil {
		return 0, err
	}
	_, err := r.exec(ctx, tx, `INSERT INTO agent_executions(id,assignment_id,attempt,external_id,status,started_at,ended_at,summary,error,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		x.ID, x.AssignmentID, attempt, nullable(x.ExternalID), x.Status, nullableStringPtr(x.StartedAt), nullableStringPtr(x.EndedAt),
		nullable(x.Summary), nullable(x.Error), x.CreatedAt)
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

func (r Repo) GetExecution(ctx context.Context, tx *sql.Tx, id string) (domain.AgentExecution, error) {
	return scanExecution(r.queryRow(ctx, tx, `SELECT `+executionColumns+` FROM agent_executions WHERE id=?`, id))
}

// FindExecution returns the execution of the assignment matching externalID,
// falling back to the assignment's most recent execution.
func (r Repo) FindExecution(ctx context.Context, tx *sql.Tx, assignmentID, externalID string) (domain.AgentExecution, error) {
	if externalID != "" {
		x, err := scanExecution(r.queryRow(ctx, tx, `SELECT `+executionColumns+` FROM agent_executions WHERE assignment_id=? AND (external_id=? OR id=?) LIMIT 1`,
			assignmentID, externalID, externalID))
		if err != ErrNotFound {
			return x, err
		}
	}
	return scanExecution(r.queryRow(ctx, tx, `SELECT `+executionColumns+` FROM agent_executions WHERE assignment_id=? ORDER BY attempt DESC LIMIT 1`, assignmentID))
}

func (r Repo) ListExecutionsForAssignment(ctx context.Context, tx *sql.Tx, assignmentID string) ([]domain.AgentExecution, error) {
	rows, err := r.query(ctx, tx, `SELECT `+executionColumns+` FROM agent_executions WHERE assignment_id=? ORDER BY attempt`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

// ListActiveExecutionsForRun returns running executions across a run's assignments.
func (r Repo) ListActiveExecutionsForRun(ctx context.Context, tx *sql.Tx, runID string) ([]domain.AgentExecution, error) {
	rows, err := r.query(ctx, tx, `SELECT x.id,x.assignment_id,x.attempt,COALESCE(x.external_id,''),x.status,x.started_at,x.ended_at,COALESCE(x.summary,''),COALESCE(x.error,''),x.created_at
FROM agent_executions x JOIN assignments a ON a.id = x.assignment_id
WHERE a.run_id=? AND x.status=? ORDER BY x.created_at`, runID, domain.ExecutionRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

// MarkExecutionStarted records a start time on a running execution.
func (r Repo) MarkExecutionStarted(ctx context.Context, tx *sql.Tx, id, startedAt string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE agent_executions SET started_at=COALESCE(started_at, ?) WHERE id=? AND status=?`,
		startedAt, id, domain.ExecutionRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishExecution moves a running execution to a terminal status. Terminal
// executions are not overwritten.
func (r Repo) FinishExecution(ctx context.Context, tx *sql.Tx, id, status, summary, errMsg, endedAt string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE agent_executions SET status=?, summary=?, error=?, ended_at=? WHERE id=? AND status=?`,
		status, nullable(summary), nullable(errMsg), endedAt, id, domain.ExecutionRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// InsertCommit appends a commit record. Re-delivered commits are ignored.
func (r Repo) InsertCommit(ctx context.Context, tx *sql.Tx, c domain.AssignmentCommit) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO assignment_commits(id,assignment_id,sha,message,created_at) VALUES (?,?,?,?,?)
ON CONFLICT (assignment_id, sha) DO NOTHING`,
		c.ID, c.AssignmentID, c.SHA, nullable(c.Message), c.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) ListCommits(ctx context.Context, assignmentID string) ([]domain.AssignmentCommit, error) {
	rows, err := r.query(ctx, nil, `SELECT id,assignment_id,sha,COALESCE(message,''),created_at FROM assignment_commits WHERE assignment_id=? ORDER BY created_at, id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentCommit
	for rows.Next() {
		var c domain.AssignmentCommit
		if err := rows.Scan(&c.ID, &c.AssignmentID, &c.SHA, &c.Message, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
