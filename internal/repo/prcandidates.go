package repo

import (
	"context"
	"database/sql"

	"buildline/internal/domain"
)

const prColumns = `id,run_id,base_branch,head_branch,title,COALESCE(description,''),status,COALESCE(pr_url,''),created_at,updated_at`

func scanPRCandidate(row interface{ Scan(...any) error }) (domain.PullRequestCandidate, error) {
	var c domain.PullRequestCandidate
	err := row.Scan(&c.ID, &c.RunID, &c.BaseBranch, &c.HeadBranch, &c.Title, &c.Description, &c.Status, &c.PRURL, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// InsertPRCandidate stores a candidate. A second candidate for the same run
// fails with ErrConflict.
func (r Repo) InsertPRCandidate(ctx context.Context, tx *sql.Tx, c domain.PullRequestCandidate) error {
	_, err := r.exec(ctx, tx, `INSERT INTO pr_candidates(id,run_id,base_branch,head_branch,title,description,status,pr_url,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.BaseBranch, c.HeadBranch, c.Title, nullable(c.Description), c.Status, nullable(c.PRURL), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetPRCandidate(ctx context.Context, tx *sql.Tx, id string) (domain.PullRequestCandidate, error) {
	return scanPRCandidate(r.queryRow(ctx, tx, `SELECT `+prColumns+` FROM pr_candidates WHERE id=?`, id))
}

func (r Repo) GetPRCandidateForRun(ctx context.Context, tx *sql.Tx, runID string) (domain.PullRequestCandidate, error) {
	return scanPRCandidate(r.queryRow(ctx, tx, `SELECT `+prColumns+` FROM pr_candidates WHERE run_id=?`, runID))
}

// UpdatePRCandidate moves a candidate from one status to the next. It
// reports false when the stored status no longer equals from.
func (r Repo) UpdatePRCandidate(ctx context.Context, tx *sql.Tx, id, from, to, prURL, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE pr_candidates SET status=?, pr_url=COALESCE(?, pr_url), updated_at=? WHERE id=? AND status=?`,
		to, nullable(prURL), now, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
