package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"buildline/internal/agent"
	"buildline/internal/archive"
	"buildline/internal/checks"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/events"
	"buildline/internal/gitops"
	"buildline/internal/memory"
	"buildline/internal/observability"
	"buildline/internal/repo"
)

// Engine is the build orchestrator. Collaborators are plain fields so callers
// and tests can swap them after New.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config config.Config

	Agent    agent.Executor
	Git      gitops.Provider
	Memory   memory.Store
	Checks   CheckRunner
	Commands checks.Runner
	Archive  archive.Archiver

	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	locks      *keyedLocks
	background *sync.WaitGroup
}

func New(conn *sql.DB, dialect db.Dialect, cfg config.Config) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:         conn,
		Repo:       r,
		Events:     events.Writer{Dialect: dialect},
		Config:     cfg,
		Agent:      agent.NewMock(),
		Memory:     memory.SQLStore{Repo: r},
		Commands:   checks.Shell{Timeout: cfg.CheckTimeout, OutputLimit: cfg.CheckOutputLimit},
		Logger:     observability.NewLogger("engine"),
		Now:        time.Now,
		locks:      &keyedLocks{},
		background: &sync.WaitGroup{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return observability.Discard()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, entry events.Entry) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, entry)
}

// appendEventStandalone logs an event with no accompanying state change.
// Failures are logged, not returned.
func (e Engine) appendEventStandalone(ctx context.Context, entry events.Entry) {
	w := e.Events
	w.Now = e.now
	if err := w.AppendStandalone(ctx, e.DB, entry); err != nil {
		e.log().Warn("append event failed", "type", entry.Type, "error", err)
	}
}

func (e Engine) checkRunner() CheckRunner {
	if e.Checks != nil {
		return e.Checks
	}
	return e
}

// goBackground runs fn detached from the caller's request. WaitBackground
// blocks until every such task returned.
func (e Engine) goBackground(fn func(ctx context.Context)) {
	if e.background == nil {
		fn(context.Background())
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		fn(ctx)
	}()
}

func (e Engine) WaitBackground() {
	if e.background != nil {
		e.background.Wait()
	}
}

// setCardBuildState propagates an outcome onto the catalog card. The card is
// advisory state, so failures are logged only.
func (e Engine) setCardBuildState(ctx context.Context, cardID, state, lastError string) {
	if err := e.Repo.SetCardBuildState(ctx, nil, cardID, state, lastError, e.nowString()); err != nil {
		e.log().Warn("card build state update failed", "card_id", cardID, "state", state, "error", err)
	}
}

// keyedLocks serializes work on one key (a project or a run) within this process.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (p *keyedLocks) lock(key string) func() {
	if p == nil {
		return func() {}
	}
	p.mu.Lock()
	if p.locks == nil {
		p.locks = map[string]*sync.Mutex{}
	}
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func valueOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func unionPaths(sets ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, set := range sets {
		for _, p := range set {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
