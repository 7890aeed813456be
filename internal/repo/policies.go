package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"buildline/internal/policy"
)

func (r Repo) UpsertPolicy(ctx context.Context, tx *sql.Tx, projectID string, p *policy.Profile, updatedAt string) error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO project_policies(project_id,policy_json,updated_at) VALUES (?,?,?)
ON CONFLICT (project_id) DO UPDATE SET policy_json=excluded.policy_json, updated_at=excluded.updated_at`,
		projectID, string(data), updatedAt)
	return err
}

// GetPolicy returns the project's active profile or ErrNotFound.
func (r Repo) GetPolicy(ctx context.Context, projectID string) (*policy.Profile, error) {
	var raw string
	err := r.queryRow(ctx, nil, `SELECT policy_json FROM project_policies WHERE project_id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return policy.FromJSON([]byte(raw))
}
