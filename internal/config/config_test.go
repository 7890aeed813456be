package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("from viper: %v", err)
	}
	if cfg.PlannedFiles != PlannedFilesStrict {
		t.Fatalf("expected strict planned files policy, got %s", cfg.PlannedFiles)
	}
	if cfg.StaleRunTimeout != 0 || cfg.SweepInterval() != 0 {
		t.Fatalf("stale recovery should be disabled by default")
	}
	if cfg.CheckOutputLimit != 16*1024 || cfg.MaxParallelDispatch != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if strings.Join(cfg.DefaultAllowedPaths, ",") != "src,app,lib,components" {
		t.Fatalf("unexpected default paths %v", cfg.DefaultAllowedPaths)
	}
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("planned-files", "default_fallback")
	v.Set("stale-run-timeout", "2h")
	v.Set("agent-mode", "http")
	v.Set("agent-endpoint", "http://agents.local")
	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("from viper: %v", err)
	}
	if cfg.PlannedFiles != PlannedFilesDefaultFallback {
		t.Fatalf("expected fallback policy")
	}
	if cfg.SweepInterval() != time.Minute {
		t.Fatalf("expected capped interval, got %s", cfg.SweepInterval())
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Agent.Mode = "process"
	cfg.MaxParallelDispatch = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "agent-command") || !strings.Contains(err.Error(), "max-parallel-dispatch") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSweepIntervalShortTimeout(t *testing.T) {
	cfg := Default()
	cfg.StaleRunTimeout = 20 * time.Second
	if got := cfg.SweepInterval(); got != 5*time.Second {
		t.Fatalf("expected 5s, got %s", got)
	}
}

func TestParsePlannedFilesPolicyRejectsUnknown(t *testing.T) {
	if _, err := ParsePlannedFilesPolicy("lenient"); err == nil {
		t.Fatalf("expected error")
	}
}
