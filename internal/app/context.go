package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"buildline/internal/agent"
	"buildline/internal/archive"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/engine"
	"buildline/internal/gitops"
	"buildline/internal/memory"
	"buildline/internal/migrate"
	"buildline/internal/observability"
	"buildline/internal/repo"
)

// Runtime is an opened, migrated database with a fully wired engine.
type Runtime struct {
	Config  config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
}

// Open connects to the configured database, applies migrations and wires
// the engine's collaborators from cfg. Metrics are registered on reg when it
// is non-nil.
func Open(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*Runtime, error) {
	conn, dialect, err := db.Open(db.Config{Workspace: cfg.Workspace, Driver: cfg.DBDriver, DSN: cfg.DatabaseURL})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	eng := engine.New(conn, dialect, cfg)
	executor, err := agent.New(cfg.Agent)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng.Agent = executor
	eng.Git = gitops.NewCLI(CloneRoot(cfg))
	eng.Memory = memory.SQLStore{Repo: eng.Repo, Now: eng.Now}
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3(ctx, archive.Config{Bucket: cfg.Archive.Bucket, Prefix: cfg.Archive.Prefix, Region: cfg.Archive.Region})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("check log archive: %w", err)
		}
		eng.Archive = s3
	}
	if reg != nil {
		eng.Metrics = observability.NewMetrics(reg)
	}
	return &Runtime{Config: cfg, DB: conn, Dialect: dialect, Engine: eng}, nil
}

// Close waits for background work and closes the database.
func (r *Runtime) Close() error {
	r.Engine.WaitBackground()
	return r.DB.Close()
}

// CloneRoot is where project clones live: the configured root, or a
// directory inside the workspace.
func CloneRoot(cfg config.Config) string {
	if cfg.CloneRoot != "" {
		return cfg.CloneRoot
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".buildline", "clones")
}

// ResolveProject picks the project a command acts on: the override when set,
// otherwise the only project in the database.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		if _, err := r.GetProject(ctx, override); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("project %s not found; create it with `bl project create`", override)
			}
			return "", err
		}
		return override, nil
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	switch len(projects) {
	case 0:
		return "", fmt.Errorf("no project found; create one with `bl project create`")
	case 1:
		return projects[0].ID, nil
	default:
		return "", fmt.Errorf("%d projects found; use --project", len(projects))
	}
}
