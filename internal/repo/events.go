package repo

import (
	"context"
	"database/sql"
	"strings"

	"buildline/internal/domain"
)

// EventFilters narrows ListEvents. After is an id cursor for tailing.
type EventFilters struct {
	ProjectID string
	RunID     string
	Type      string
	After     int64
	Limit     int
}

// ListEvents returns audit entries. Without a cursor the newest entries come
// first; with After set they are returned in ascending id order for tailing.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	order := "DESC"
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.query(ctx, nil, `SELECT id,ts,type,COALESCE(project_id,''),COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id `+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents counts entries of a type for a run. Used by tests and the CLI
// summary.
func (r Repo) CountEvents(ctx context.Context, runID, evtType string) (int, error) {
	var n int
	err := r.queryRow(ctx, nil, `SELECT COUNT(1) FROM events WHERE run_id=? AND type=?`, runID, evtType).Scan(&n)
	return n, err
}
