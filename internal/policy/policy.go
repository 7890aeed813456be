package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Known check types. Kept in sync with domain.CheckTypes.
var knownChecks = map[string]bool{
	"lint": true, "unit": true, "integration": true, "e2e": true,
	"security": true, "dependency": true, "policy": true,
}

// Profile is a project's mutable build policy.
type Profile struct {
	Name           string             `yaml:"name" json:"name"`
	RequiredChecks []string           `yaml:"required_checks" json:"required_checks"`
	ProtectedPaths []string           `yaml:"protected_paths" json:"protected_paths,omitempty"`
	ForbiddenPaths []string           `yaml:"forbidden_paths" json:"forbidden_paths,omitempty"`
	CheckCommands  map[string]string  `yaml:"check_commands" json:"check_commands,omitempty"`
	Dependency     DependencyPolicy   `yaml:"dependency" json:"dependency"`
	Security       SecurityPolicy     `yaml:"security" json:"security"`
	Architecture   ArchitecturePolicy `yaml:"architecture" json:"architecture"`
	Approval       ApprovalPolicy     `yaml:"approval" json:"approval"`
}

type DependencyPolicy struct {
	AllowNew bool     `yaml:"allow_new" json:"allow_new"`
	Blocked  []string `yaml:"blocked" json:"blocked,omitempty"`
}

type SecurityPolicy struct {
	RequireScan bool `yaml:"require_scan" json:"require_scan"`
}

type ArchitecturePolicy struct {
	Rules []string `yaml:"rules" json:"rules,omitempty"`
}

type ApprovalPolicy struct {
	RequireCreatePR bool `yaml:"require_create_pr" json:"require_create_pr"`
	RequireMergePR  bool `yaml:"require_merge_pr" json:"require_merge_pr"`
}

// Snapshot is the frozen copy of a Profile embedded in a run. It is written
// once at run creation and never updated.
type Snapshot struct {
	ProjectID string `json:"project_id"`
	Profile
	FrozenAt string `json:"frozen_at"`
}

// Validate reports every structural problem at once.
func (p Profile) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "policy.name is required")
	}
	seen := map[string]bool{}
	for _, c := range p.RequiredChecks {
		if !knownChecks[c] {
			problems = append(problems, fmt.Sprintf("unknown required check %q", c))
		}
		if seen[c] {
			problems = append(problems, fmt.Sprintf("duplicate required check %q", c))
		}
		seen[c] = true
	}
	for kind := range p.CheckCommands {
		if kind != "lint" && kind != "unit" {
			problems = append(problems, fmt.Sprintf("check_commands only supports lint and unit, got %q", kind))
		}
	}
	for _, f := range p.ForbiddenPaths {
		if strings.TrimSpace(f) == "" {
			problems = append(problems, "forbidden_paths contains an empty entry")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Requires reports whether the check type is in the required set.
func (p Profile) Requires(check string) bool {
	for _, c := range p.RequiredChecks {
		if c == check {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so the snapshot shares no slices or maps with p.
func (p Profile) Clone() Profile {
	out := p
	out.RequiredChecks = cloneStrings(p.RequiredChecks)
	out.ProtectedPaths = cloneStrings(p.ProtectedPaths)
	out.ForbiddenPaths = cloneStrings(p.ForbiddenPaths)
	out.Dependency.Blocked = cloneStrings(p.Dependency.Blocked)
	out.Architecture.Rules = cloneStrings(p.Architecture.Rules)
	if p.CheckCommands != nil {
		out.CheckCommands = make(map[string]string, len(p.CheckCommands))
		for k, v := range p.CheckCommands {
			out.CheckCommands[k] = v
		}
	}
	return out
}

// Freeze builds the run snapshot for the profile.
func (p Profile) Freeze(projectID, frozenAt string) Snapshot {
	return Snapshot{ProjectID: projectID, Profile: p.Clone(), FrozenAt: frozenAt}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// FromYAML parses and validates a profile from raw YAML bytes.
func FromYAML(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// FromFile reads a YAML profile from the given path.
func FromFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromJSON decodes a stored profile.
func FromJSON(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &p, nil
}

// Default returns the built-in profile used when a project is created.
func Default() *Profile {
	p, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default policy template: %v", err))
	}
	return p
}

// GenerateDefault returns the default profile as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `name: default
required_checks: [lint, unit, integration, security]
protected_paths:
  - .github/workflows
  - migrations
forbidden_paths:
  - .git
  - .env
  - secrets
check_commands:
  lint: "go vet ./..."
  unit: "go test ./..."
dependency:
  allow_new: true
  blocked: []
security:
  require_scan: true
architecture:
  rules: []
approval:
  require_create_pr: true
  require_merge_pr: true
`
