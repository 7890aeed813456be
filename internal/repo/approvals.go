package repo

import (
	"context"
	"database/sql"

	"buildline/internal/domain"
)

const approvalColumns = `id,run_id,approval_type,status,requested_by,resolved_by,COALESCE(resolution_notes,''),resolved_at,created_at`

func scanApproval(row interface{ Scan(...any) error }) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var resolvedBy, resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.RunID, &a.ApprovalType, &a.Status, &a.RequestedBy, &resolvedBy, &a.ResolutionNotes, &resolvedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ResolvedBy = ptrFromNull(resolvedBy)
	a.ResolvedAt = ptrFromNull(resolvedAt)
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := r.exec(ctx, tx, `INSERT INTO approval_requests(id,run_id,approval_type,status,requested_by,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.RunID, a.ApprovalType, a.Status, a.RequestedBy, a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRequest, error) {
	return scanApproval(r.queryRow(ctx, tx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=?`, id))
}

// ResolveApproval records a decision on a pending request. It reports false
// when the request was already resolved.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id, status, resolvedBy, notes, resolvedAt string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE approval_requests SET status=?, resolved_by=?, resolution_notes=?, resolved_at=? WHERE id=? AND status=?`,
		status, resolvedBy, nullable(notes), resolvedAt, id, domain.ApprovalPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) ListApprovals(ctx context.Context, runID string) ([]domain.ApprovalRequest, error) {
	rows, err := r.query(ctx, nil, `SELECT `+approvalColumns+` FROM approval_requests WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
