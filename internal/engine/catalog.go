package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/policy"
)

type ProjectCreateOptions struct {
	ID            string
	Name          string
	RepoURL       string
	DefaultBranch string
	RepoToken     string
	ActorID       string
}

// CreateProject registers a project and seeds it with the default policy.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	var problems []string
	if strings.TrimSpace(opts.ID) == "" {
		problems = append(problems, "project id is required")
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if err := validationError(nil, problems); err != nil {
		return domain.Project{}, err
	}

	p := domain.Project{
		ID:            opts.ID,
		Name:          opts.Name,
		RepoURL:       opts.RepoURL,
		DefaultBranch: opts.DefaultBranch,
		RepoToken:     opts.RepoToken,
		CreatedAt:     e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpsertPolicy(ctx, tx, p.ID, policy.Default(), p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, events.Entry{
		Type:       events.ProjectCreated,
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"repo_url": p.RepoURL, "default_branch": p.DefaultBranch},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ConnectRepository points the project at a git remote.
func (e Engine) ConnectRepository(ctx context.Context, projectID, repoURL, defaultBranch, token string) (domain.Project, error) {
	if strings.TrimSpace(repoURL) == "" {
		return domain.Project{}, validationError(nil, []string{"repo_url is required"})
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if defaultBranch == "" {
		defaultBranch = p.DefaultBranch
	}
	if err := e.Repo.UpdateProjectRepository(ctx, nil, projectID, repoURL, defaultBranch, token); err != nil {
		return domain.Project{}, err
	}
	p.RepoURL, p.DefaultBranch, p.RepoToken = repoURL, defaultBranch, token
	return p, nil
}

// CardSpec is the authored form of a card in an import file.
type CardSpec struct {
	ID           string            `yaml:"id"`
	WorkflowID   string            `yaml:"workflow"`
	Title        string            `yaml:"title"`
	Description  string            `yaml:"description"`
	Requirements []string          `yaml:"requirements"`
	Finalized    bool              `yaml:"finalized"`
	PlannedFiles []PlannedFileSpec `yaml:"planned_files"`
}

type PlannedFileSpec struct {
	Path   string `yaml:"path"`
	Intent string `yaml:"intent"`
	Status string `yaml:"status"`
}

type cardFile struct {
	Cards []CardSpec `yaml:"cards"`
}

// ParseCardFile reads a YAML document with a top-level cards list.
func ParseCardFile(data []byte) ([]CardSpec, error) {
	var f cardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cards: %w", err)
	}
	return f.Cards, nil
}

// ImportCards upserts cards and replaces their planned files. Cards that
// were already finalized keep their original finalization time.
func (e Engine) ImportCards(ctx context.Context, projectID string, specs []CardSpec, actorID string) ([]domain.Card, error) {
	var problems []string
	for i, s := range specs {
		if strings.TrimSpace(s.ID) == "" {
			problems = append(problems, fmt.Sprintf("cards[%d]: id is required", i))
		}
		if strings.TrimSpace(s.Title) == "" {
			problems = append(problems, fmt.Sprintf("cards[%d]: title is required", i))
		}
		for j, pf := range s.PlannedFiles {
			if pf.Path == "" {
				problems = append(problems, fmt.Sprintf("cards[%d].planned_files[%d]: path is required", i, j))
			}
			switch pf.Status {
			case "", domain.PlannedProposed, domain.PlannedApproved, domain.PlannedRejected:
			default:
				problems = append(problems, fmt.Sprintf("cards[%d].planned_files[%d]: unknown status %q", i, j, pf.Status))
			}
		}
	}
	if err := validationError(nil, problems); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cards := make([]domain.Card, 0, len(specs))
	for _, s := range specs {
		c := domain.Card{
			ID:           s.ID,
			ProjectID:    projectID,
			WorkflowID:   optionalString(s.WorkflowID),
			Title:        s.Title,
			Description:  s.Description,
			Requirements: s.Requirements,
			BuildState:   domain.CardIdle,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if existing, err := e.Repo.GetCard(ctx, s.ID); err == nil {
			c.CreatedAt = existing.CreatedAt
			c.BuildState = existing.BuildState
			if s.Finalized && existing.FinalizedAt != nil {
				c.FinalizedAt = existing.FinalizedAt
			}
		}
		if s.Finalized && c.FinalizedAt == nil {
			c.FinalizedAt = &now
		}
		if err := e.Repo.UpsertCard(ctx, tx, c); err != nil {
			return nil, err
		}
		files := make([]domain.PlannedFile, 0, len(s.PlannedFiles))
		for _, pf := range s.PlannedFiles {
			status := pf.Status
			if status == "" {
				status = domain.PlannedProposed
			}
			files = append(files, domain.PlannedFile{
				ID:        uuid.NewString(),
				CardID:    c.ID,
				Path:      pf.Path,
				Intent:    pf.Intent,
				Status:    status,
				CreatedAt: now,
			})
		}
		if err := e.Repo.ReplacePlannedFiles(ctx, tx, c.ID, files); err != nil {
			return nil, err
		}
		if err := e.appendEvent(ctx, tx, events.Entry{
			Type:       events.CardImported,
			ProjectID:  projectID,
			EntityKind: "card",
			EntityID:   c.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"finalized": c.FinalizedAt != nil, "planned_files": len(files)},
		}); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cards, nil
}
