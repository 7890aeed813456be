package policy

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	p := Default()
	if p.Name != "default" {
		t.Fatalf("unexpected name %s", p.Name)
	}
	if !p.Requires("lint") || p.Requires("e2e") {
		t.Fatalf("unexpected required checks: %v", p.RequiredChecks)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	p := Profile{RequiredChecks: []string{"lint", "lint", "fuzz"}, CheckCommands: map[string]string{"e2e": "make e2e"}}
	err := p.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"policy.name", "duplicate required check", "unknown required check", "check_commands"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestFreezeDeepCopies(t *testing.T) {
	p := Default()
	snap := p.Freeze("proj", "2024-01-01T00:00:00Z")
	p.RequiredChecks[0] = "e2e"
	p.ForbiddenPaths = append(p.ForbiddenPaths, "extra")
	p.CheckCommands["lint"] = "changed"
	if snap.RequiredChecks[0] != "lint" {
		t.Fatalf("snapshot required checks mutated: %v", snap.RequiredChecks)
	}
	if snap.CheckCommands["lint"] != "go vet ./..." {
		t.Fatalf("snapshot commands mutated: %v", snap.CheckCommands)
	}
	if snap.FrozenAt == "" || snap.ProjectID != "proj" {
		t.Fatalf("unexpected snapshot metadata: %+v", snap)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("name: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}
