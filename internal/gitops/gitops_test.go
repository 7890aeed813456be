package gitops

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initBare(t *testing.T) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput(); err != nil {
		t.Fatalf("init bare: %v: %s", err, out)
	}
	return remote
}

func TestEnsureCloneSeedsEmptyRemote(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := initBare(t)
	cli := NewCLI(t.TempDir())

	path, err := cli.EnsureClone(ctx, "proj", remote, "", "main")
	if err != nil {
		t.Fatalf("ensure clone: %v", err)
	}
	out, err := exec.Command("git", "--git-dir", remote, "rev-parse", "--verify", "refs/heads/main").CombinedOutput()
	if err != nil {
		t.Fatalf("remote main missing after seed: %v: %s", err, out)
	}
	again, err := cli.EnsureClone(ctx, "proj", remote, "", "main")
	if err != nil {
		t.Fatalf("second ensure clone: %v", err)
	}
	if again != path {
		t.Fatalf("clone path changed: %s vs %s", again, path)
	}
}

func TestCreateFeatureBranchAndPush(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := initBare(t)
	cli := NewCLI(t.TempDir())
	path, err := cli.EnsureClone(ctx, "proj", remote, "", "main")
	if err != nil {
		t.Fatalf("ensure clone: %v", err)
	}
	if err := cli.CreateFeatureBranch(ctx, path, "main", "main"); err == nil {
		t.Fatalf("expected error for branch equal to base")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, card := range []string{"c1", "c2", "c3", "c4"} {
		wg.Add(1)
		go func(card string) {
			defer wg.Done()
			errs <- cli.CreateFeatureBranch(ctx, path, BranchName("run-123456789", card), "main")
		}(card)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create branch: %v", err)
		}
	}
	if err := cli.CreateFeatureBranch(ctx, path, BranchName("run-123456789", "c1"), "main"); err != nil {
		t.Fatalf("recreate existing branch: %v", err)
	}
	if err := cli.PushBranch(ctx, "proj", BranchName("run-123456789", "c1"), ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	out, err := exec.Command("git", "--git-dir", remote, "branch", "--list").CombinedOutput()
	if err != nil {
		t.Fatalf("list remote branches: %v", err)
	}
	if !strings.Contains(string(out), "build/run-123456789/c1") {
		t.Fatalf("pushed branch missing from remote: %s", out)
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("0123456789abcdef", "card 7/x"); got != "build/0123456789abcdef/card-7-x" {
		t.Fatalf("unexpected branch name %s", got)
	}
	if BranchName("01234567-aaaa", "c1") == BranchName("01234567-bbbb", "c1") {
		t.Fatal("runs sharing an id prefix must get distinct branches")
	}
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestFeatureBranchFollowsFetchedBase(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := initBare(t)
	cli := NewCLI(t.TempDir())
	path, err := cli.EnsureClone(ctx, "proj", remote, "", "main")
	if err != nil {
		t.Fatalf("ensure clone: %v", err)
	}
	seeded := gitOut(t, path, "rev-parse", "refs/heads/main")

	upstream := filepath.Join(t.TempDir(), "upstream")
	gitOut(t, filepath.Dir(upstream), "clone", "-b", "main", remote, upstream)
	gitOut(t, upstream, "-c", "user.name=dev", "-c", "user.email=dev@example.test",
		"commit", "--allow-empty", "-m", "upstream change")
	gitOut(t, upstream, "push", "origin", "HEAD:main")
	head := gitOut(t, upstream, "rev-parse", "HEAD")
	if head == seeded {
		t.Fatal("upstream commit did not advance main")
	}

	if _, err := cli.EnsureClone(ctx, "proj", remote, "", "main"); err != nil {
		t.Fatalf("second ensure clone: %v", err)
	}
	if err := cli.CreateFeatureBranch(ctx, path, "build/r/c1", "main"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if got := gitOut(t, path, "rev-parse", "refs/heads/build/r/c1"); got != head {
		t.Fatalf("feature branch cut from %s, remote main is %s", got, head)
	}
}

func TestWithTokenOnlyForHTTP(t *testing.T) {
	got, err := withToken("https://example.com/org/repo.git", "tok")
	if err != nil {
		t.Fatalf("with token: %v", err)
	}
	if !strings.Contains(got, "x-access-token:tok@") {
		t.Fatalf("token not injected: %s", got)
	}
	if got, _ := withToken("/srv/repo.git", "tok"); got != "/srv/repo.git" {
		t.Fatalf("local path altered: %s", got)
	}
	if redacted := redact([]string{"clone", got}); strings.Contains(redacted, ":tok@") {
		t.Fatalf("token leaked in %s", redacted)
	}
}
