package migrate

import (
	"testing"

	"buildline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn, dialect); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	if _, err := conn.Exec(`INSERT INTO projects(id,name,default_branch,created_at) VALUES ('p','p','main','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert project: %v", err)
	}
}

func TestPostgresMigrationsEmbedded(t *testing.T) {
	ms, err := loadMigrations(db.Postgres)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ms) == 0 || ms[0].Version != 1 {
		t.Fatalf("unexpected postgres migrations: %+v", ms)
	}
}
