package checks

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestShellExitCodes(t *testing.T) {
	requireShell(t)
	s := Shell{Timeout: 5 * time.Second, OutputLimit: 1024}
	ok := s.Run(context.Background(), t.TempDir(), "echo lint clean")
	if !ok.Passed() || !strings.Contains(ok.Output, "lint clean") {
		t.Fatalf("expected pass, got %+v", ok)
	}
	bad := s.Run(context.Background(), t.TempDir(), "echo broken >&2; exit 3")
	if bad.Passed() || bad.ExitCode != 3 || bad.Err != nil {
		t.Fatalf("expected exit 3 without tooling error, got %+v", bad)
	}
	if !strings.Contains(bad.Output, "broken") {
		t.Fatalf("stderr not captured: %q", bad.Output)
	}
}

func TestShellTimeout(t *testing.T) {
	requireShell(t)
	s := Shell{Timeout: 100 * time.Millisecond, OutputLimit: 1024}
	res := s.Run(context.Background(), t.TempDir(), "sleep 5")
	if !res.TimedOut || res.Passed() {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestShellTruncatesOutput(t *testing.T) {
	requireShell(t)
	s := Shell{Timeout: 5 * time.Second, OutputLimit: 10}
	res := s.Run(context.Background(), t.TempDir(), "printf '0123456789abcdef'")
	if !res.Truncated || !strings.HasPrefix(res.Output, "0123456789") || !strings.HasSuffix(res.Output, truncatedMarker) {
		t.Fatalf("unexpected truncation %+v", res)
	}
	if res.Full != "0123456789abcdef" {
		t.Fatalf("full output lost: %q", res.Full)
	}
}

func TestShellEmptyCommand(t *testing.T) {
	res := Shell{}.Run(context.Background(), t.TempDir(), "  ")
	if res.Err == nil || res.Passed() {
		t.Fatalf("expected tooling error, got %+v", res)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	out, cut := truncate("héllo", 2)
	if !cut || out != "h"+truncatedMarker {
		t.Fatalf("unexpected %q %v", out, cut)
	}
}
