package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildline/internal/agent"
	"buildline/internal/checks"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/migrate"
	"buildline/internal/observability"
	"buildline/internal/repo"
)

const testRepoURL = "https://git.example.test/acme/app.git"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGit struct {
	mu       sync.Mutex
	root     string
	branches []string
	pushed   []string
}

func (g *fakeGit) EnsureClone(ctx context.Context, projectID, repoURL, token, baseBranch string) (string, error) {
	path := filepath.Join(g.root, projectID)
	return path, os.MkdirAll(path, 0o755)
}

func (g *fakeGit) CreateFeatureBranch(ctx context.Context, clonePath, name, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.branches = append(g.branches, name)
	return nil
}

func (g *fakeGit) PushBranch(ctx context.Context, projectID, branch, repoURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushed = append(g.pushed, branch)
	return nil
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
	exit  int
}

func (f *fakeCommands) Run(ctx context.Context, dir, command string) checks.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	return checks.Result{ExitCode: f.exit, Output: "ran " + command, Full: "ran " + command}
}

func (f *fakeCommands) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingChecks struct {
	inner engine.CheckRunner
	n     atomic.Int32
}

func (c *countingChecks) ExecuteRequiredChecks(ctx context.Context, runID string) ([]domain.RunCheck, error) {
	c.n.Add(1)
	return c.inner.ExecuteRequiredChecks(ctx, runID)
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Agent    *agent.Mock
	Git      *fakeGit
	Commands *fakeCommands
	Clock    *fakeClock
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Workspace = dir
	for _, o := range opts {
		o(&cfg)
	}
	env := &testEnv{
		Ctx:      context.Background(),
		Agent:    agent.NewMock(),
		Git:      &fakeGit{root: filepath.Join(dir, "clones")},
		Commands: &fakeCommands{},
		Clock:    &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	eng := engine.New(conn, dialect, cfg)
	eng.Now = env.Clock.Now
	eng.Logger = observability.Discard()
	eng.Agent = env.Agent
	eng.Git = env.Git
	eng.Commands = env.Commands
	env.Engine = eng
	t.Cleanup(func() {
		eng.WaitBackground()
		conn.Close()
	})
	if _, err := eng.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-1", RepoURL: testRepoURL, ActorID: "tester"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env *testEnv) importCards(t *testing.T, projectID string, specs ...engine.CardSpec) {
	t.Helper()
	if _, err := env.Engine.ImportCards(env.Ctx, projectID, specs, "tester"); err != nil {
		t.Fatalf("import cards: %v", err)
	}
}

func finalizedCard(id string, approved ...string) engine.CardSpec {
	spec := engine.CardSpec{
		ID:           id,
		Title:        "Card " + id,
		Description:  "Implement " + id,
		Requirements: []string{"it works"},
		Finalized:    true,
	}
	for _, p := range approved {
		spec.PlannedFiles = append(spec.PlannedFiles, engine.PlannedFileSpec{Path: p, Intent: "edit", Status: domain.PlannedApproved})
	}
	return spec
}

func (env *testEnv) buildCard(t *testing.T, projectID, cardID string) engine.BuildResult {
	t.Helper()
	res, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: projectID, Scope: domain.ScopeCard, CardID: cardID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("trigger build: %v", err)
	}
	if !res.Success || len(res.AssignmentIDs) != 1 {
		t.Fatalf("unexpected build result: %+v", res)
	}
	return res
}

func (env *testEnv) complete(t *testing.T, assignmentID string) engine.WebhookResult {
	t.Helper()
	res, err := env.Engine.ProcessWebhook(env.Ctx, engine.WebhookEvent{Type: engine.WebhookExecutionCompleted, AssignmentID: assignmentID, Summary: "done"})
	if err != nil {
		t.Fatalf("execution_completed: %v", err)
	}
	return res
}

func TestTriggerBuildEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/feature.ts"))

	res := env.buildCard(t, "proj-1", "card-1")
	run, err := env.Engine.GetRun(env.Ctx, res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunRunning || run.StartedAt == nil {
		t.Fatalf("expected running run with start time, got %s", run.Status)
	}
	if got := run.InputSnapshot.CardIDs; len(got) != 1 || got[0] != "card-1" {
		t.Fatalf("unexpected input snapshot %v", got)
	}

	payloads := env.Agent.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(payloads))
	}
	p := payloads[0]
	if len(p.AllowedPaths) != 1 || p.AllowedPaths[0] != "src/feature.ts" {
		t.Fatalf("unexpected allowed paths %v", p.AllowedPaths)
	}
	if len(p.AcceptanceCriteria) != 2 || p.AcceptanceCriteria[0] != "Implement card-1" {
		t.Fatalf("unexpected acceptance criteria %v", p.AcceptanceCriteria)
	}
	if p.MemoryRefs == nil || len(p.MemoryRefs) != 0 {
		t.Fatalf("memory disabled should give empty refs, got %v", p.MemoryRefs)
	}
	if len(env.Git.branches) != 1 || env.Git.branches[0] != p.FeatureBranch {
		t.Fatalf("branch not created: %v vs %s", env.Git.branches, p.FeatureBranch)
	}

	wh := env.complete(t, res.AssignmentIDs[0])
	if wh.ExecutionStatus != domain.ExecutionCompleted || wh.Ignored {
		t.Fatalf("unexpected webhook result %+v", wh)
	}
	a, err := env.Engine.GetAssignment(env.Ctx, res.AssignmentIDs[0])
	if err != nil || a.Status != domain.AssignmentCompleted {
		t.Fatalf("assignment not completed: %v %s", err, a.Status)
	}
	results, err := env.Engine.Repo.ListChecks(env.Ctx, nil, run.ID)
	if err != nil {
		t.Fatalf("list checks: %v", err)
	}
	if len(results) != len(run.PolicySnapshot.RequiredChecks) {
		t.Fatalf("expected %d checks, got %d", len(run.PolicySnapshot.RequiredChecks), len(results))
	}
	for _, c := range results {
		if c.Status != domain.CheckPassed {
			t.Fatalf("check %s: %s", c.CheckType, c.Status)
		}
		stub := c.CheckType != domain.CheckLint && c.CheckType != domain.CheckUnit
		if stub != strings.Contains(c.Output, "not yet executed") {
			t.Fatalf("check %s output %q", c.CheckType, c.Output)
		}
	}
	if env.Commands.count() != 2 {
		t.Fatalf("expected lint and unit commands, got %v", env.Commands.calls)
	}
	run, _ = env.Engine.GetRun(env.Ctx, run.ID)
	if run.Status != domain.RunCompleted || run.EndedAt == nil {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	card, _ := env.Engine.Repo.GetCard(env.Ctx, "card-1")
	if card.BuildState != domain.CardCompleted {
		t.Fatalf("card build state %s", card.BuildState)
	}
}

func TestSingleBuildLock(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"), finalizedCard("card-2", "src/b.go"))
	env.buildCard(t, "proj-1", "card-1")

	_, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-2"})
	if !errors.Is(err, engine.ErrBuildRunning) {
		t.Fatalf("expected build running, got %v", err)
	}
	var dr *engine.DecisionRequiredError
	if !errors.As(err, &dr) || dr.Message == "" {
		t.Fatalf("expected decision required error, got %T", err)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-2"}); !errors.Is(err, engine.ErrBuildRunning) {
		t.Fatalf("expected storage-level lock, got %v", err)
	}
	runs, err := env.Engine.ListRuns(env.Ctx, repo.RunFilters{ProjectID: "proj-1"})
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %d (%v)", len(runs), err)
	}
}

func TestQueuedBuildRunHoldsLock(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"), finalizedCard("card-2", "src/b.go"))

	// A manual run does not claim the lock while queued.
	if _, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-2"}); err != nil {
		t.Fatalf("create manual run: %v", err)
	}
	// Another process's build that has created its run but not dispatched yet.
	claimed, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1", ClaimLock: true})
	if err != nil {
		t.Fatalf("create claimed run: %v", err)
	}
	if claimed.Status != domain.RunQueued || !claimed.ClaimsLock {
		t.Fatalf("unexpected claimed run %+v", claimed)
	}

	_, err = env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-2"})
	if !errors.Is(err, engine.ErrBuildRunning) {
		t.Fatalf("expected build running, got %v", err)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-2", ClaimLock: true}); !errors.Is(err, engine.ErrBuildRunning) {
		t.Fatalf("expected storage-level lock for a second claim, got %v", err)
	}
	runs, err := env.Engine.ListRuns(env.Ctx, repo.RunFilters{ProjectID: "proj-1"})
	if err != nil || len(runs) != 2 {
		t.Fatalf("losing triggers must not create runs: got %d (%v)", len(runs), err)
	}

	if _, err := env.Engine.CancelRun(env.Ctx, claimed.ID, "tester", "abandoned"); err != nil {
		t.Fatalf("cancel claimed run: %v", err)
	}
	env.buildCard(t, "proj-1", "card-2")
}

func TestConcurrentTriggersAdmitOneBuild(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))

	var wg sync.WaitGroup
	var ok, locked atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, engine.ErrBuildRunning):
				locked.Add(1)
			default:
				t.Errorf("trigger: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || locked.Load() != 3 {
		t.Fatalf("expected 1 admitted and 3 locked, got %d and %d", ok.Load(), locked.Load())
	}
}

func TestTriggerBuildPreconditions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "bare"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	env.importCards(t, "bare", finalizedCard("bare-card", "src/x.go"))
	draft := finalizedCard("draft", "src/y.go")
	draft.Finalized = false
	env.importCards(t, "proj-1", draft, engine.CardSpec{ID: "unplanned", Title: "Unplanned", Finalized: true})

	cases := []struct {
		name    string
		project string
		card    string
		want    error
	}{
		{"no repository", "bare", "bare-card", engine.ErrNoRepository},
		{"not finalized", "proj-1", "draft", engine.ErrCardsNotFinalized},
		{"no approved files", "proj-1", "unplanned", engine.ErrNoApprovedFiles},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: tc.project, Scope: domain.ScopeCard, CardID: tc.card})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var dr *engine.DecisionRequiredError
			if !errors.As(err, &dr) {
				t.Fatalf("expected decision required, got %T", err)
			}
		})
	}
	runs, _ := env.Engine.ListRuns(env.Ctx, repo.RunFilters{})
	if len(runs) != 0 {
		t.Fatalf("preconditions must not create runs, got %d", len(runs))
	}
}

func TestTriggerBuildDefaultFallback(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.PlannedFiles = config.PlannedFilesDefaultFallback })
	env.importCards(t, "proj-1", engine.CardSpec{ID: "card-1", Title: "No plan", Finalized: true})

	env.buildCard(t, "proj-1", "card-1")
	p := env.Agent.Payloads()[0]
	if len(p.AllowedPaths) != len(config.DefaultAllowedPaths) || p.AllowedPaths[0] != "src" {
		t.Fatalf("expected default allowed paths, got %v", p.AllowedPaths)
	}
}

func TestTriggerBuildPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	a, b := finalizedCard("card-a", "src/a.go"), finalizedCard("card-b", "src/b.go")
	a.WorkflowID, b.WorkflowID = "wf-1", "wf-1"
	env.importCards(t, "proj-1", a, b)
	env.Agent.Fail = func(p agent.Payload) error {
		if p.CardID == "card-b" {
			return errors.New("agent busy")
		}
		return nil
	}

	res, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: "proj-1", Scope: domain.ScopeWorkflow, WorkflowID: "wf-1"})
	var buildErr *engine.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected build error, got %v", err)
	}
	if res.Success || len(res.AssignmentIDs) != 1 || len(res.Failures) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if f := res.Failures[0]; f.CardID != "card-b" || f.Stage != "dispatch" || f.AssignmentID == "" {
		t.Fatalf("unexpected failure %+v", f)
	}
	if buildErr.RunFailed {
		t.Fatal("run must survive a partial failure")
	}
	run, _ := env.Engine.GetRun(env.Ctx, res.RunID)
	if run.Status != domain.RunRunning {
		t.Fatalf("expected running run, got %s", run.Status)
	}
	failed, _ := env.Engine.GetAssignment(env.Ctx, res.Failures[0].AssignmentID)
	if failed.Status != domain.AssignmentQueued {
		t.Fatalf("failed dispatch must leave assignment queued, got %s", failed.Status)
	}
}

func TestTriggerBuildAllCardsFail(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	env.Agent.Fail = func(agent.Payload) error { return errors.New("agent down") }

	res, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1"})
	var buildErr *engine.BuildError
	if !errors.As(err, &buildErr) || !buildErr.RunFailed {
		t.Fatalf("expected failed build, got %v", err)
	}
	run, _ := env.Engine.GetRun(env.Ctx, res.RunID)
	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	card, _ := env.Engine.Repo.GetCard(env.Ctx, "card-1")
	if card.BuildState != domain.CardFailed {
		t.Fatalf("card build state %s", card.BuildState)
	}
	// A failed run releases the lock.
	env.Agent.Fail = nil
	env.buildCard(t, "proj-1", "card-1")
}

func TestPolicySnapshotImmutable(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1", InitiatedBy: "tester"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	profile, err := env.Engine.GetPolicy(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	profile.Name = "tightened"
	profile.RequiredChecks = []string{"lint"}
	profile.ForbiddenPaths = append(profile.ForbiddenPaths, "vendor")
	if err := env.Engine.ImportPolicy(env.Ctx, "proj-1", profile, "tester"); err != nil {
		t.Fatalf("import policy: %v", err)
	}

	stored, err := env.Engine.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	snap := stored.PolicySnapshot
	if snap.Name != "default" || len(snap.RequiredChecks) != 4 || len(snap.ForbiddenPaths) != 3 {
		t.Fatalf("snapshot changed: %+v", snap)
	}
	if snap.FrozenAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected frozen_at %s", snap.FrozenAt)
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:      "proj-1",
		Scope:          domain.ScopeWorkflow,
		AllowedPaths:   []string{"config/.env"},
		ForbiddenPaths: []string{"secrets"},
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Problems) < 4 {
		t.Fatalf("expected every problem reported, got %v", verr.Problems)
	}

	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "nopolicy"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := env.Engine.DB.Exec(`DELETE FROM project_policies WHERE project_id='nopolicy'`); err != nil {
		t.Fatalf("drop policy: %v", err)
	}
	_, err = env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "nopolicy", Scope: domain.ScopeCard, CardID: "x"})
	if !errors.Is(err, engine.ErrPolicyMissing) {
		t.Fatalf("expected policy missing, got %v", err)
	}
}

func TestCreateAssignmentPathConstraints(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	cases := []struct {
		name    string
		branch  string
		allowed []string
	}{
		{"branch equals base", "main", []string{"src"}},
		{"empty allowed paths", "feature/x", nil},
		{"allowed path is forbidden", "feature/x", []string{".env"}},
		{"allowed path contains forbidden", "feature/x", []string{"config/secrets/keys"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
				RunID: run.ID, CardID: "card-1", FeatureBranch: tc.branch, AllowedPaths: tc.allowed,
			})
			var verr *engine.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{RunID: run.ID, CardID: "card-1", FeatureBranch: "feature/x", AllowedPaths: []string{"src"}})
	if err != nil {
		t.Fatalf("valid assignment: %v", err)
	}
	if a.Status != domain.AssignmentQueued || a.AgentRole != "coder" || len(a.ForbiddenPaths) != 3 {
		t.Fatalf("unexpected assignment %+v", a)
	}
}

func TestDispatchRequiresApprovedFiles(t *testing.T) {
	env := newTestEnv(t)
	card := finalizedCard("card-1")
	card.PlannedFiles = []engine.PlannedFileSpec{{Path: "src/a.go", Status: domain.PlannedProposed}}
	env.importCards(t, "proj-1", card)
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{RunID: run.ID, CardID: "card-1", FeatureBranch: "feature/x", AllowedPaths: []string{"src"}})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}

	_, err = env.Engine.DispatchAssignment(env.Ctx, a.ID, "tester")
	if !errors.Is(err, engine.ErrNoApprovedFiles) {
		t.Fatalf("expected no approved files, got %v", err)
	}
	a, _ = env.Engine.GetAssignment(env.Ctx, a.ID)
	if a.Status != domain.AssignmentQueued || len(env.Agent.Payloads()) != 0 {
		t.Fatalf("dispatch gate must not mutate state: %s", a.Status)
	}
}

func TestDispatchFailureLeavesAssignmentQueued(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	run, _ := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{ProjectID: "proj-1", Scope: domain.ScopeCard, CardID: "card-1"})
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{RunID: run.ID, CardID: "card-1", FeatureBranch: "feature/x", AllowedPaths: []string{"src"}})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	env.Agent.Fail = func(agent.Payload) error { return errors.New("unavailable") }
	if _, err := env.Engine.DispatchAssignment(env.Ctx, a.ID, "tester"); err == nil {
		t.Fatal("expected dispatch error")
	}
	a, _ = env.Engine.GetAssignment(env.Ctx, a.ID)
	run, _ = env.Engine.GetRun(env.Ctx, run.ID)
	if a.Status != domain.AssignmentQueued || run.Status != domain.RunQueued {
		t.Fatalf("dispatch failure mutated state: %s %s", a.Status, run.Status)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, run.ID, "execution_failed")
	if n != 1 {
		t.Fatalf("expected execution_failed event, got %d", n)
	}

	env.Agent.Fail = nil
	res, err := env.Engine.DispatchAssignment(env.Ctx, a.ID, "tester")
	if err != nil || !res.RunStarted || res.Attempt != 1 {
		t.Fatalf("retry dispatch: %+v %v", res, err)
	}
	if _, err := env.Engine.DispatchAssignment(env.Ctx, a.ID, "tester"); !errors.Is(err, engine.ErrNotQueued) {
		t.Fatalf("expected not queued, got %v", err)
	}
}

func TestBlockAndResumeAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")
	id := res.AssignmentIDs[0]

	a, err := env.Engine.BlockAssignment(env.Ctx, id, "needs input", "tester")
	if err != nil || a.Status != domain.AssignmentBlocked {
		t.Fatalf("block: %v %s", err, a.Status)
	}
	if len(env.Agent.Cancelled()) != 1 {
		t.Fatalf("expected running execution cancelled, got %v", env.Agent.Cancelled())
	}
	if _, err := env.Engine.BlockAssignment(env.Ctx, id, "again", "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	d, err := env.Engine.ResumeAssignment(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if d.Attempt != 2 || len(env.Agent.Payloads()) != 2 {
		t.Fatalf("expected second attempt, got %+v", d)
	}
	wh := env.complete(t, id)
	if wh.ExecutionID != d.ExecutionID {
		t.Fatalf("webhook applied to %s, want latest %s", wh.ExecutionID, d.ExecutionID)
	}
}
