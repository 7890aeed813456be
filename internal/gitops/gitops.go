// Package gitops manages the per-project clone that feature branches are cut from.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Provider is the working-tree collaborator used by the orchestrator.
type Provider interface {
	EnsureClone(ctx context.Context, projectID, repoURL, token, baseBranch string) (string, error)
	CreateFeatureBranch(ctx context.Context, clonePath, name, baseBranch string) error
	PushBranch(ctx context.Context, projectID, branch, repoURL string) error
}

const (
	defaultTimeout = 2 * time.Minute
	seedAuthor     = "buildline"
	seedEmail      = "buildline@localhost"
)

// CLI implements Provider with the git binary. Every mutation of a project's
// clone holds that project's lock, so branch creation never races a fetch or
// checkout on the same directory.
type CLI struct {
	Root    string
	Timeout time.Duration

	locks keyedMutex
}

func NewCLI(root string) *CLI {
	return &CLI{Root: root, Timeout: defaultTimeout}
}

// ClonePath is where a project's clone lives.
func (c *CLI) ClonePath(projectID string) string {
	return filepath.Join(c.Root, projectID)
}

// EnsureClone clones the repository on first use and fetches afterwards. An
// empty remote is seeded with an initial commit on baseBranch.
func (c *CLI) EnsureClone(ctx context.Context, projectID, repoURL, token, baseBranch string) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", errors.New("project id is required")
	}
	if strings.TrimSpace(repoURL) == "" {
		return "", errors.New("repository url is required")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	path := c.ClonePath(projectID)
	unlock := c.locks.Lock(path)
	defer unlock()

	remote, err := withToken(repoURL, token)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		if _, err := c.git(ctx, path, "fetch", "--prune", "origin"); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(c.Root, 0o755); err != nil {
			return "", fmt.Errorf("create clone root %s: %w", c.Root, err)
		}
		if _, err := c.git(ctx, c.Root, "clone", remote, path); err != nil {
			return "", err
		}
	}
	if _, err := c.git(ctx, path, "rev-parse", "--verify", "HEAD"); err != nil {
		if err := c.seed(ctx, path, baseBranch); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (c *CLI) seed(ctx context.Context, path, baseBranch string) error {
	if _, err := c.git(ctx, path, "symbolic-ref", "HEAD", "refs/heads/"+baseBranch); err != nil {
		return err
	}
	if _, err := c.git(ctx, path, "-c", "user.name="+seedAuthor, "-c", "user.email="+seedEmail,
		"commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return err
	}
	if _, err := c.git(ctx, path, "push", "-u", "origin", baseBranch); err != nil {
		return err
	}
	return nil
}

// CreateFeatureBranch cuts name from the fetched origin/baseBranch without
// touching the checked out tree. The local base is used only when no
// remote-tracking ref exists. Existing branches are left as they are.
func (c *CLI) CreateFeatureBranch(ctx context.Context, clonePath, name, baseBranch string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("branch name is required")
	}
	if name == baseBranch {
		return fmt.Errorf("feature branch %s must differ from base branch", name)
	}
	unlock := c.locks.Lock(clonePath)
	defer unlock()

	if c.refExists(ctx, clonePath, "refs/heads/"+name) {
		return nil
	}
	base := "origin/" + baseBranch
	if !c.refExists(ctx, clonePath, "refs/remotes/"+base) {
		base = baseBranch
	}
	if _, err := c.git(ctx, clonePath, "branch", name, base); err != nil {
		return fmt.Errorf("create branch %s from %s: %w", name, base, err)
	}
	return nil
}

// PushBranch publishes a branch from the project's clone.
func (c *CLI) PushBranch(ctx context.Context, projectID, branch, repoURL string) error {
	path := c.ClonePath(projectID)
	unlock := c.locks.Lock(path)
	defer unlock()
	target := "origin"
	if repoURL != "" {
		target = repoURL
	}
	_, err := c.git(ctx, path, "push", target, branch+":"+branch)
	return err
}

func (c *CLI) refExists(ctx context.Context, dir, ref string) bool {
	_, err := c.git(ctx, dir, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

func (c *CLI) git(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", redact(args), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func withToken(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return repoURL, nil
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func redact(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if u, err := url.Parse(a); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
				a = u.String()
			}
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// BranchName is the deterministic feature branch for a card within a run.
// The full run id keeps branches of different runs apart.
func BranchName(runID, cardID string) string {
	return "build/" + sanitize(runID) + "/" + sanitize(cardID)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
