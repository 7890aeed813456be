// Package checks runs local verification commands for lint and unit checks.
package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Result is one command execution. ExitCode is -1 when the command never
// produced an exit status (missing binary, timeout).
type Result struct {
	ExitCode  int
	Output    string
	Full      string
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
	Err       error
}

// Passed reports a clean exit.
func (r Result) Passed() bool {
	return r.Err == nil && r.ExitCode == 0
}

type Runner interface {
	Run(ctx context.Context, dir, command string) Result
}

// Shell runs commands through sh -c with a deadline and bounded output.
type Shell struct {
	Timeout     time.Duration
	OutputLimit int
}

func (s Shell) Run(ctx context.Context, dir, command string) Result {
	if strings.TrimSpace(command) == "" {
		return Result{ExitCode: -1, Err: errors.New("check command is empty")}
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var out lockedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start), Full: out.String()}
	res.Output, res.Truncated = truncate(res.Full, s.OutputLimit)

	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.TimedOut = true
		res.Err = fmt.Errorf("check command timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = fmt.Errorf("check command failed to run: %w", err)
		}
	}
	return res
}

const truncatedMarker = "\n...[output truncated]"

func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	// Back off to a rune boundary.
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + truncatedMarker, true
}

// lockedBuffer lets stdout and stderr share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
