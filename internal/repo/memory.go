package repo

import (
	"context"
	"database/sql"

	"buildline/internal/domain"
)

func (r Repo) InsertMemorySnippet(ctx context.Context, tx *sql.Tx, m domain.MemorySnippet) error {
	_, err := r.exec(ctx, tx, `INSERT INTO memory_snippets(id,project_id,card_id,content,source,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ProjectID, nullable(m.CardID), m.Content, m.Source, m.CreatedAt)
	return err
}

// ListMemorySnippets returns the newest snippets of a project, capped at limit.
func (r Repo) ListMemorySnippets(ctx context.Context, projectID string, limit int) ([]domain.MemorySnippet, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.query(ctx, nil, `SELECT id,project_id,COALESCE(card_id,''),content,source,created_at FROM memory_snippets WHERE project_id=? ORDER BY created_at DESC, id LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemorySnippet
	for rows.Next() {
		var m domain.MemorySnippet
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.CardID, &m.Content, &m.Source, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
