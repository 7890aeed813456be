package repo

import (
	"context"
	"database/sql"

	"buildline/internal/domain"
)

// InsertCheckIfAbsent records a check result once per run and check type.
// It reports false when a result for the type already exists.
func (r Repo) InsertCheckIfAbsent(ctx context.Context, tx *sql.Tx, c domain.RunCheck) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO run_checks(id,run_id,check_type,status,output,log_uri,executed_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT (run_id, check_type) DO NOTHING`,
		c.ID, c.RunID, c.CheckType, c.Status, nullable(c.Output), nullable(c.LogURI), c.ExecutedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) ListChecks(ctx context.Context, tx *sql.Tx, runID string) ([]domain.RunCheck, error) {
	rows, err := r.query(ctx, tx, `SELECT id,run_id,check_type,status,COALESCE(output,''),COALESCE(log_uri,''),executed_at FROM run_checks WHERE run_id=? ORDER BY executed_at, check_type`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunCheck
	for rows.Next() {
		var c domain.RunCheck
		if err := rows.Scan(&c.ID, &c.RunID, &c.CheckType, &c.Status, &c.Output, &c.LogURI, &c.ExecutedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
