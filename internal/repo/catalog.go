package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
)

const projectColumns = `id,name,COALESCE(repo_url,''),default_branch,COALESCE(repo_token,''),created_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.RepoToken, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.exec(ctx, tx, `INSERT INTO projects(id,name,repo_url,default_branch,repo_token,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.RepoURL), p.DefaultBranch, nullable(p.RepoToken), p.CreatedAt)
	return err
}

func (r Repo) UpdateProjectRepository(ctx context.Context, tx *sql.Tx, id, repoURL, defaultBranch, token string) error {
	return r.execOne(ctx, tx, `UPDATE projects SET repo_url=?, default_branch=?, repo_token=? WHERE id=?`,
		nullable(repoURL), defaultBranch, nullable(token), id)
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.queryRow(ctx, nil, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.query(ctx, nil, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const cardColumns = `id,project_id,workflow_id,title,COALESCE(description,''),requirements_json,finalized_at,build_state,COALESCE(last_build_error,''),created_at,updated_at`

func scanCard(row interface{ Scan(...any) error }) (domain.Card, error) {
	var c domain.Card
	var workflowID, finalizedAt sql.NullString
	var reqs string
	err := row.Scan(&c.ID, &c.ProjectID, &workflowID, &c.Title, &c.Description, &reqs, &finalizedAt, &c.BuildState, &c.LastBuildError, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.WorkflowID = ptrFromNull(workflowID)
	c.FinalizedAt = ptrFromNull(finalizedAt)
	c.Requirements, err = unmarshalStrings(reqs)
	if err != nil {
		return c, fmt.Errorf("card %s requirements: %w", c.ID, err)
	}
	return c, nil
}

// UpsertCard inserts a card or refreshes its authored fields. Build state is
// left alone on update.
func (r Repo) UpsertCard(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	reqs, err := marshalStrings(c.Requirements)
	if err != nil {
		return err
	}
	if c.BuildState == "" {
		c.BuildState = domain.CardIdle
	}
	_, err = r.exec(ctx, tx, `INSERT INTO cards(id,project_id,workflow_id,title,description,requirements_json,finalized_at,build_state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET workflow_id=excluded.workflow_id, title=excluded.title, description=excluded.description,
requirements_json=excluded.requirements_json, finalized_at=excluded.finalized_at, updated_at=excluded.updated_at`,
		c.ID, c.ProjectID, nullableStringPtr(c.WorkflowID), c.Title, nullable(c.Description), reqs,
		nullableStringPtr(c.FinalizedAt), c.BuildState, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return scanCard(r.queryRow(ctx, nil, `SELECT `+cardColumns+` FROM cards WHERE id=?`, id))
}

// CardIDsForWorkflow returns the card ids grouped under a workflow, oldest first.
func (r Repo) CardIDsForWorkflow(ctx context.Context, projectID, workflowID string) ([]string, error) {
	rows, err := r.query(ctx, nil, `SELECT id FROM cards WHERE project_id=? AND workflow_id=? ORDER BY created_at, id`, projectID, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListCards(ctx context.Context, projectID string) ([]domain.Card, error) {
	rows, err := r.query(ctx, nil, `SELECT `+cardColumns+` FROM cards WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCardBuildState records the card's latest build outcome.
func (r Repo) SetCardBuildState(ctx context.Context, tx *sql.Tx, cardID, state, lastError, updatedAt string) error {
	return r.execOne(ctx, tx, `UPDATE cards SET build_state=?, last_build_error=?, updated_at=? WHERE id=?`,
		state, nullable(lastError), updatedAt, cardID)
}

func (r Repo) ReplacePlannedFiles(ctx context.Context, tx *sql.Tx, cardID string, files []domain.PlannedFile) error {
	if _, err := r.exec(ctx, tx, `DELETE FROM planned_files WHERE card_id=?`, cardID); err != nil {
		return err
	}
	for _, f := range files {
		if _, err := r.exec(ctx, tx, `INSERT INTO planned_files(id,card_id,path,intent,status,created_at) VALUES (?,?,?,?,?,?)`,
			f.ID, cardID, f.Path, nullable(f.Intent), f.Status, f.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// ApprovedPlannedFiles returns the card's planned files with status approved.
func (r Repo) ApprovedPlannedFiles(ctx context.Context, cardID string) ([]domain.PlannedFile, error) {
	rows, err := r.query(ctx, nil, `SELECT id,card_id,path,COALESCE(intent,''),status,created_at FROM planned_files WHERE card_id=? AND status=? ORDER BY path`,
		cardID, domain.PlannedApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlannedFile
	for rows.Next() {
		var f domain.PlannedFile
		if err := rows.Scan(&f.ID, &f.CardID, &f.Path, &f.Intent, &f.Status, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
