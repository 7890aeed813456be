package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PlannedFilesPolicy decides what happens when a card has no approved
// planned files. The build trigger and the dispatcher both consult it.
type PlannedFilesPolicy int

const (
	// PlannedFilesStrict refuses to build or dispatch such cards.
	PlannedFilesStrict PlannedFilesPolicy = iota
	// PlannedFilesDefaultFallback scopes such cards to DefaultAllowedPaths.
	PlannedFilesDefaultFallback
)

func (p PlannedFilesPolicy) String() string {
	if p == PlannedFilesDefaultFallback {
		return "default_fallback"
	}
	return "strict"
}

func ParsePlannedFilesPolicy(s string) (PlannedFilesPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PlannedFilesStrict, nil
	case "default_fallback", "default-fallback", "fallback":
		return PlannedFilesDefaultFallback, nil
	default:
		return PlannedFilesStrict, fmt.Errorf("unknown planned files policy %q", s)
	}
}

// DefaultAllowedPaths scope a card with no approved planned files under
// PlannedFilesDefaultFallback.
var DefaultAllowedPaths = []string{"src", "app", "lib", "components"}

type Agent struct {
	Mode     string
	Command  string
	Endpoint string
	Token    string
	Timeout  time.Duration
}

type Archive struct {
	Bucket string
	Prefix string
	Region string
}

// Config is the process configuration shared by the CLI and the API server.
type Config struct {
	Workspace   string
	DBDriver    string
	DatabaseURL string
	ActorID     string

	JWTSecret     string
	WebhookSecret string

	StaleRunTimeout     time.Duration
	CheckTimeout        time.Duration
	CheckOutputLimit    int
	PlannedFiles        PlannedFilesPolicy
	DefaultAllowedPaths []string
	MaxParallelDispatch int
	AgentRole           string

	MemoryEnabled bool
	MemoryLimit   int

	CloneRoot string
	Agent     Agent
	Archive   Archive
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Workspace:           ".",
		DBDriver:            "sqlite",
		ActorID:             "local-user",
		CheckTimeout:        5 * time.Minute,
		CheckOutputLimit:    16 * 1024,
		PlannedFiles:        PlannedFilesStrict,
		DefaultAllowedPaths: append([]string(nil), DefaultAllowedPaths...),
		MaxParallelDispatch: 4,
		AgentRole:           "coder",
		MemoryLimit:         5,
		Agent:               Agent{Mode: "mock", Timeout: 30 * time.Second},
	}
}

// SetDefaults registers defaults on v so env vars and flags override them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("workspace", d.Workspace)
	v.SetDefault("db-driver", d.DBDriver)
	v.SetDefault("actor-id", d.ActorID)
	v.SetDefault("stale-run-timeout", "0s")
	v.SetDefault("check-timeout", d.CheckTimeout.String())
	v.SetDefault("check-output-limit", d.CheckOutputLimit)
	v.SetDefault("planned-files", d.PlannedFiles.String())
	v.SetDefault("default-allowed-paths", d.DefaultAllowedPaths)
	v.SetDefault("max-parallel-dispatch", d.MaxParallelDispatch)
	v.SetDefault("agent-role", d.AgentRole)
	v.SetDefault("memory-enabled", false)
	v.SetDefault("memory-limit", d.MemoryLimit)
	v.SetDefault("agent-mode", d.Agent.Mode)
	v.SetDefault("agent-timeout", d.Agent.Timeout.String())
}

// FromViper builds a typed Config from bound flags and BUILDLINE_ env vars.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	cfg.Workspace = v.GetString("workspace")
	cfg.DBDriver = v.GetString("db-driver")
	cfg.DatabaseURL = v.GetString("database-url")
	cfg.ActorID = v.GetString("actor-id")
	cfg.JWTSecret = v.GetString("jwt-secret")
	cfg.WebhookSecret = v.GetString("webhook-secret")
	cfg.StaleRunTimeout = v.GetDuration("stale-run-timeout")
	cfg.CheckTimeout = v.GetDuration("check-timeout")
	cfg.CheckOutputLimit = v.GetInt("check-output-limit")
	cfg.DefaultAllowedPaths = v.GetStringSlice("default-allowed-paths")
	cfg.MaxParallelDispatch = v.GetInt("max-parallel-dispatch")
	cfg.AgentRole = v.GetString("agent-role")
	cfg.MemoryEnabled = v.GetBool("memory-enabled")
	cfg.MemoryLimit = v.GetInt("memory-limit")
	cfg.CloneRoot = v.GetString("clone-root")
	cfg.Agent = Agent{
		Mode:     v.GetString("agent-mode"),
		Command:  v.GetString("agent-command"),
		Endpoint: v.GetString("agent-endpoint"),
		Token:    v.GetString("agent-token"),
		Timeout:  v.GetDuration("agent-timeout"),
	}
	cfg.Archive = Archive{
		Bucket: v.GetString("archive-bucket"),
		Prefix: v.GetString("archive-prefix"),
		Region: v.GetString("archive-region"),
	}
	planned, err := ParsePlannedFilesPolicy(v.GetString("planned-files"))
	if err != nil {
		return Config{}, err
	}
	cfg.PlannedFiles = planned
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var problems []string
	if c.StaleRunTimeout < 0 {
		problems = append(problems, "stale-run-timeout must not be negative")
	}
	if c.CheckTimeout <= 0 {
		problems = append(problems, "check-timeout must be positive")
	}
	if c.CheckOutputLimit <= 0 {
		problems = append(problems, "check-output-limit must be positive")
	}
	if c.MaxParallelDispatch <= 0 {
		problems = append(problems, "max-parallel-dispatch must be positive")
	}
	if c.PlannedFiles == PlannedFilesDefaultFallback && len(c.DefaultAllowedPaths) == 0 {
		problems = append(problems, "default-allowed-paths is required with planned-files=default_fallback")
	}
	switch c.Agent.Mode {
	case "mock":
	case "process":
		if c.Agent.Command == "" {
			problems = append(problems, "agent-command is required with agent-mode=process")
		}
	case "http":
		if c.Agent.Endpoint == "" {
			problems = append(problems, "agent-endpoint is required with agent-mode=http")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown agent-mode %q", c.Agent.Mode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SweepInterval is how often serve runs stale-run recovery: a quarter of the
// timeout, capped at one minute. Zero when recovery is disabled.
func (c Config) SweepInterval() time.Duration {
	if c.StaleRunTimeout <= 0 {
		return 0
	}
	interval := c.StaleRunTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}
