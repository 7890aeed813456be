package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/repo"
)

func TestWebhookCompletedRunsChecksOnce(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	counter := &countingChecks{inner: env.Engine}
	env.Engine.Checks = counter
	res := env.buildCard(t, "proj-1", "card-1")

	first := env.complete(t, res.AssignmentIDs[0])
	if first.Ignored || len(first.Checks) != 4 {
		t.Fatalf("unexpected first delivery %+v", first)
	}
	second := env.complete(t, res.AssignmentIDs[0])
	if !second.Ignored {
		t.Fatal("duplicate delivery must be ignored")
	}
	if n := counter.n.Load(); n != 1 {
		t.Fatalf("expected one check runner invocation, got %d", n)
	}
	x, err := env.Engine.Repo.FindExecution(env.Ctx, nil, res.AssignmentIDs[0], "")
	if err != nil || x.Status != domain.ExecutionCompleted || x.Summary != "done" || x.EndedAt == nil {
		t.Fatalf("execution not completed: %+v %v", x, err)
	}
}

// failOnceChecks fails its first invocation and delegates afterwards.
type failOnceChecks struct {
	inner engine.CheckRunner
	n     int
}

func (c *failOnceChecks) ExecuteRequiredChecks(ctx context.Context, runID string) ([]domain.RunCheck, error) {
	c.n++
	if c.n == 1 {
		return nil, errors.New("storage hiccup")
	}
	return c.inner.ExecuteRequiredChecks(ctx, runID)
}

func TestRedeliveredCompletionRecordsMissedChecks(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	flaky := &failOnceChecks{inner: env.Engine}
	env.Engine.Checks = flaky
	res := env.buildCard(t, "proj-1", "card-1")
	evt := engine.WebhookEvent{Type: engine.WebhookExecutionCompleted, AssignmentID: res.AssignmentIDs[0], Summary: "done"}

	if _, err := env.Engine.ProcessWebhook(env.Ctx, evt); err == nil {
		t.Fatal("expected first delivery to surface the check failure")
	}
	checks, err := env.Engine.Repo.ListChecks(env.Ctx, nil, res.RunID)
	if err != nil || len(checks) != 0 {
		t.Fatalf("expected no checks after failed run, got %d (%v)", len(checks), err)
	}

	again, err := env.Engine.ProcessWebhook(env.Ctx, evt)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !again.Ignored || again.ExecutionStatus != domain.ExecutionCompleted {
		t.Fatalf("redelivery must not re-apply the transition: %+v", again)
	}
	if len(again.Checks) != 4 {
		t.Fatalf("expected 4 checks recorded on redelivery, got %d", len(again.Checks))
	}

	third := env.complete(t, res.AssignmentIDs[0])
	if !third.Ignored || len(third.Checks) != 0 {
		t.Fatalf("complete checks must not run again: %+v", third)
	}
	if flaky.n != 2 {
		t.Fatalf("expected 2 check runner invocations, got %d", flaky.n)
	}
}

func TestWebhookFailedFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	counter := &countingChecks{inner: env.Engine}
	env.Engine.Checks = counter
	res := env.buildCard(t, "proj-1", "card-1")
	id := res.AssignmentIDs[0]

	if _, err := env.Engine.ProcessWebhook(env.Ctx, engine.WebhookEvent{Type: engine.WebhookExecutionStarted, AssignmentID: id}); err != nil {
		t.Fatalf("execution_started: %v", err)
	}
	commit := &engine.WebhookCommit{SHA: "abc123", Message: "wip"}
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.ProcessWebhook(env.Ctx, engine.WebhookEvent{Type: engine.WebhookCommitCreated, AssignmentID: id, Commit: commit}); err != nil {
			t.Fatalf("commit_created: %v", err)
		}
	}
	commits, _ := env.Engine.Repo.ListCommits(env.Ctx, id)
	if len(commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(commits))
	}

	wh, err := env.Engine.ProcessWebhook(env.Ctx, engine.WebhookEvent{Type: engine.WebhookExecutionFailed, AssignmentID: id, Error: "boom"})
	if err != nil || wh.ExecutionStatus != domain.ExecutionFailed {
		t.Fatalf("execution_failed: %+v %v", wh, err)
	}
	a, _ := env.Engine.GetAssignment(env.Ctx, id)
	run, _ := env.Engine.GetRun(env.Ctx, res.RunID)
	if a.Status != domain.AssignmentFailed || run.Status != domain.RunFailed {
		t.Fatalf("expected failed assignment and run, got %s %s", a.Status, run.Status)
	}
	if !strings.Contains(run.FailureReason, "boom") {
		t.Fatalf("failure reason %q", run.FailureReason)
	}

	late := env.complete(t, id)
	if !late.Ignored || counter.n.Load() != 0 {
		t.Fatalf("completion after failure must be ignored: %+v, checks=%d", late, counter.n.Load())
	}
	card, _ := env.Engine.Repo.GetCard(env.Ctx, "card-1")
	if card.BuildState != domain.CardFailed || card.LastBuildError != "boom" {
		t.Fatalf("card state %s %q", card.BuildState, card.LastBuildError)
	}
}

func TestWebhookUnknownEventType(t *testing.T) {
	env := newTestEnv(t)
	before, _ := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Limit: 100})
	_, err := env.Engine.ProcessWebhook(env.Ctx, engine.WebhookEvent{Type: "execution_paused", AssignmentID: "missing"})
	if !errors.Is(err, engine.ErrUnknownEventType) {
		t.Fatalf("expected unknown event type, got %v", err)
	}
	after, _ := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Limit: 100})
	if len(after) != len(before) {
		t.Fatalf("unknown event mutated the log: %d -> %d", len(before), len(after))
	}
}

func TestExecuteRequiredChecksIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")

	first, err := env.Engine.ExecuteRequiredChecks(env.Ctx, res.RunID)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.Engine.ExecuteRequiredChecks(env.Ctx, res.RunID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("expected 4 checks both times, got %d and %d", len(first), len(second))
	}
	if env.Commands.count() != 2 {
		t.Fatalf("commands re-ran: %v", env.Commands.calls)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, res.RunID, "check.recorded")
	if n != 4 {
		t.Fatalf("expected 4 check events, got %d", n)
	}
}

func TestChecksWithoutCommandAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	profile, _ := env.Engine.GetPolicy(env.Ctx, "proj-1")
	delete(profile.CheckCommands, "unit")
	if err := env.Engine.ImportPolicy(env.Ctx, "proj-1", profile, "tester"); err != nil {
		t.Fatalf("import policy: %v", err)
	}
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")
	env.Commands.exit = 2

	results, err := env.Engine.ExecuteRequiredChecks(env.Ctx, res.RunID)
	if err != nil {
		t.Fatalf("checks: %v", err)
	}
	got := map[string]string{}
	for _, c := range results {
		got[c.CheckType] = c.Status
	}
	if got["lint"] != domain.CheckFailed || got["unit"] != domain.CheckSkipped || got["integration"] != domain.CheckPassed {
		t.Fatalf("unexpected statuses %v", got)
	}
	gate := engine.ValidateApprovalGates([]string{"lint", "unit", "integration"}, results)
	if gate.CanApprove || len(gate.Failed) != 1 || len(gate.Skipped) != 1 {
		t.Fatalf("unexpected gate %+v", gate)
	}
}

func TestValidateApprovalGates(t *testing.T) {
	passed := func(t string) domain.RunCheck { return domain.RunCheck{CheckType: t, Status: domain.CheckPassed} }
	cases := []struct {
		name     string
		required []string
		results  []domain.RunCheck
		ok       bool
		missing  []string
	}{
		{"missing unit", []string{"lint", "unit"}, []domain.RunCheck{passed("lint")}, false, []string{"unit"}},
		{"all passed", []string{"lint", "unit"}, []domain.RunCheck{passed("lint"), passed("unit")}, true, nil},
		{"failed", []string{"lint"}, []domain.RunCheck{{CheckType: "lint", Status: domain.CheckFailed}}, false, nil},
		{"skipped", []string{"security"}, []domain.RunCheck{{CheckType: "security", Status: domain.CheckSkipped}}, false, nil},
		{"extra results ignored", []string{"lint"}, []domain.RunCheck{passed("lint"), {CheckType: "e2e", Status: domain.CheckFailed}}, true, nil},
		{"nothing required", nil, nil, true, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := engine.ValidateApprovalGates(tc.required, tc.results)
			if g.CanApprove != tc.ok {
				t.Fatalf("can approve = %v, want %v (%v)", g.CanApprove, tc.ok, g.Errors)
			}
			if strings.Join(g.Missing, ",") != strings.Join(tc.missing, ",") {
				t.Fatalf("missing = %v, want %v", g.Missing, tc.missing)
			}
		})
	}
}

func TestApprovalRequestGatedOnChecks(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")

	_, err := env.Engine.CreateApprovalRequest(env.Ctx, engine.ApprovalCreateOptions{RunID: res.RunID, ApprovalType: domain.ApprovalCreatePR, RequestedBy: "tester"})
	if !errors.Is(err, engine.ErrGateBlocked) {
		t.Fatalf("expected gate blocked, got %v", err)
	}
	if approvals, _ := env.Engine.Repo.ListApprovals(env.Ctx, res.RunID); len(approvals) != 0 {
		t.Fatalf("gate failure persisted %d approvals", len(approvals))
	}

	env.complete(t, res.AssignmentIDs[0])
	req, err := env.Engine.CreateApprovalRequest(env.Ctx, engine.ApprovalCreateOptions{RunID: res.RunID, ApprovalType: domain.ApprovalCreatePR, RequestedBy: "tester"})
	if err != nil || req.Status != domain.ApprovalPending {
		t.Fatalf("create approval: %+v %v", req, err)
	}
	resolved, err := env.Engine.ResolveApprovalRequest(env.Ctx, req.ID, domain.ApprovalApproved, "reviewer", "lgtm")
	if err != nil || resolved.Status != domain.ApprovalApproved || *resolved.ResolvedBy != "reviewer" {
		t.Fatalf("resolve: %+v %v", resolved, err)
	}
	if _, err := env.Engine.ResolveApprovalRequest(env.Ctx, req.ID, domain.ApprovalRejected, "reviewer", ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRejectedApprovalCancelsRun(t *testing.T) {
	env := newTestEnv(t)
	a, b := finalizedCard("card-a", "src/a.go"), finalizedCard("card-b", "src/b.go")
	a.WorkflowID, b.WorkflowID = "wf-1", "wf-1"
	env.importCards(t, "proj-1", a, b)
	res, err := env.Engine.TriggerBuild(env.Ctx, engine.BuildOptions{ProjectID: "proj-1", Scope: domain.ScopeWorkflow, WorkflowID: "wf-1"})
	if err != nil || len(res.AssignmentIDs) != 2 {
		t.Fatalf("trigger: %+v %v", res, err)
	}
	env.complete(t, res.AssignmentIDs[0])

	req, err := env.Engine.CreateApprovalRequest(env.Ctx, engine.ApprovalCreateOptions{RunID: res.RunID, ApprovalType: domain.ApprovalCreatePR})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if _, err := env.Engine.ResolveApprovalRequest(env.Ctx, req.ID, domain.ApprovalRejected, "reviewer", "wrong approach"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	run, _ := env.Engine.GetRun(env.Ctx, res.RunID)
	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	if len(env.Agent.Cancelled()) != 1 {
		t.Fatalf("expected the running execution cancelled, got %v", env.Agent.Cancelled())
	}
	other, _ := env.Engine.GetAssignment(env.Ctx, res.AssignmentIDs[1])
	if other.Status != domain.AssignmentFailed || !strings.HasPrefix(other.Error, "cancelled") {
		t.Fatalf("unexpected assignment %s %q", other.Status, other.Error)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, res.RunID, "execution_cancelled")
	if n != 1 {
		t.Fatalf("expected one execution_cancelled event, got %d", n)
	}
}

func TestPullRequestCandidateProgression(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")
	env.complete(t, res.AssignmentIDs[0])

	c, err := env.Engine.CreatePullRequestCandidate(env.Ctx, engine.PRCandidateCreateOptions{RunID: res.RunID, Push: true, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create candidate: %v", err)
	}
	if c.Status != domain.PRNotCreated || c.BaseBranch != "main" || len(env.Git.pushed) != 1 || env.Git.pushed[0] != c.HeadBranch {
		t.Fatalf("unexpected candidate %+v pushed=%v", c, env.Git.pushed)
	}
	if _, err := env.Engine.CreatePullRequestCandidate(env.Ctx, engine.PRCandidateCreateOptions{RunID: res.RunID}); !errors.Is(err, engine.ErrPRCandidateExists) {
		t.Fatalf("expected candidate exists, got %v", err)
	}
	if _, err := env.Engine.ResolvePullRequestCandidate(env.Ctx, c.ID, domain.PRMerged, "", "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.ResolvePullRequestCandidate(env.Ctx, c.ID, domain.PROpen, "", "tester"); !errors.Is(err, engine.ErrApprovalRequired) {
		t.Fatalf("expected approval required, got %v", err)
	}

	approve := func(kind string) {
		req, err := env.Engine.CreateApprovalRequest(env.Ctx, engine.ApprovalCreateOptions{RunID: res.RunID, ApprovalType: kind})
		if err != nil {
			t.Fatalf("request %s: %v", kind, err)
		}
		if _, err := env.Engine.ResolveApprovalRequest(env.Ctx, req.ID, domain.ApprovalApproved, "reviewer", ""); err != nil {
			t.Fatalf("approve %s: %v", kind, err)
		}
	}
	approve(domain.ApprovalCreatePR)
	c, err = env.Engine.ResolvePullRequestCandidate(env.Ctx, c.ID, domain.PROpen, "https://git.example.test/acme/app/pull/7", "tester")
	if err != nil || c.Status != domain.PROpen || c.PRURL == "" {
		t.Fatalf("open: %+v %v", c, err)
	}
	approve(domain.ApprovalMergePR)
	if c, err = env.Engine.ResolvePullRequestCandidate(env.Ctx, c.ID, domain.PRMerged, "", "tester"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, err := env.Engine.ResolvePullRequestCandidate(env.Ctx, c.ID, domain.PRClosed, "", "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("merged is terminal, got %v", err)
	}
	stored, _ := env.Engine.Repo.GetPRCandidate(env.Ctx, nil, c.ID)
	if stored.PRURL != "https://git.example.test/acme/app/pull/7" {
		t.Fatalf("pr url lost: %q", stored.PRURL)
	}
}

func TestRecoverStaleRuns(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.StaleRunTimeout = time.Hour })
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-2", RepoURL: testRepoURL}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	env.importCards(t, "proj-2", finalizedCard("card-2", "src/a.go"))

	old := env.buildCard(t, "proj-1", "card-1")
	env.Clock.Advance(30 * time.Minute)
	fresh := env.buildCard(t, "proj-2", "card-2")
	env.Clock.Advance(45 * time.Minute)

	recovered, err := env.Engine.RecoverStaleRuns(env.Ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != old.RunID {
		t.Fatalf("expected only %s recovered, got %v", old.RunID, recovered)
	}
	run, _ := env.Engine.GetRun(env.Ctx, old.RunID)
	a, _ := env.Engine.GetAssignment(env.Ctx, old.AssignmentIDs[0])
	card, _ := env.Engine.Repo.GetCard(env.Ctx, "card-1")
	if run.Status != domain.RunFailed || a.Status != domain.AssignmentFailed || a.Error != engine.StaleRunError {
		t.Fatalf("stale run not failed: %s %s %q", run.Status, a.Status, a.Error)
	}
	if card.BuildState != domain.CardFailed || card.LastBuildError != engine.StaleRunError {
		t.Fatalf("card state %s %q", card.BuildState, card.LastBuildError)
	}
	if run, _ := env.Engine.GetRun(env.Ctx, fresh.RunID); run.Status != domain.RunRunning {
		t.Fatalf("fresh run touched: %s", run.Status)
	}
	if n, _ := env.Engine.Repo.CountEvents(env.Ctx, old.RunID, "run.timed_out"); n != 1 {
		t.Fatalf("expected run.timed_out event, got %d", n)
	}

	// The lock is released: proj-1 can build again.
	env.buildCard(t, "proj-1", "card-1")
}

func TestRecoverStaleRunsDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")
	env.Clock.Advance(365 * 24 * time.Hour)

	recovered, err := env.Engine.RecoverStaleRuns(env.Ctx)
	if err != nil || len(recovered) != 0 {
		t.Fatalf("disabled recovery acted: %v %v", recovered, err)
	}
	if run, _ := env.Engine.GetRun(env.Ctx, res.RunID); run.Status != domain.RunRunning {
		t.Fatalf("run touched: %s", run.Status)
	}
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	env.importCards(t, "proj-1", finalizedCard("card-1", "src/a.go"))
	res := env.buildCard(t, "proj-1", "card-1")

	run, err := env.Engine.CancelRun(env.Ctx, res.RunID, "tester", "stop")
	if err != nil || run.Status != domain.RunFailed || run.FailureReason != "stop" {
		t.Fatalf("cancel: %+v %v", run, err)
	}
	if _, err := env.Engine.CancelRun(env.Ctx, res.RunID, "tester", "again"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	wh := env.complete(t, res.AssignmentIDs[0])
	if !wh.Ignored {
		t.Fatal("completion after cancel must be ignored")
	}
}

func TestImportCardsKeepsFinalization(t *testing.T) {
	env := newTestEnv(t)
	specs, err := engine.ParseCardFile([]byte(`
cards:
  - id: card-1
    workflow: wf-1
    title: Login form
    description: Add a login form
    requirements: [validates email]
    finalized: true
    planned_files:
      - path: src/login.tsx
        intent: create form
        status: approved
      - path: docs/login.md
        status: proposed
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	env.importCards(t, "proj-1", specs...)
	first, _ := env.Engine.Repo.GetCard(env.Ctx, "card-1")

	env.Clock.Advance(time.Hour)
	env.importCards(t, "proj-1", specs...)
	second, _ := env.Engine.Repo.GetCard(env.Ctx, "card-1")
	if first.FinalizedAt == nil || *second.FinalizedAt != *first.FinalizedAt {
		t.Fatalf("finalization moved: %v -> %v", first.FinalizedAt, second.FinalizedAt)
	}
	files, _ := env.Engine.Repo.ApprovedPlannedFiles(env.Ctx, "card-1")
	if len(files) != 1 || files[0].Path != "src/login.tsx" {
		t.Fatalf("unexpected approved files %+v", files)
	}
	ids, _ := env.Engine.Repo.CardIDsForWorkflow(env.Ctx, "proj-1", "wf-1")
	if len(ids) != 1 {
		t.Fatalf("workflow lookup: %v", ids)
	}

	_, err = env.Engine.ImportCards(env.Ctx, "proj-1", []engine.CardSpec{{ID: "", Title: ""}}, "tester")
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) != 2 {
		t.Fatalf("expected two problems, got %v", err)
	}
}
