package pathrules

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		path, rule string
		want       bool
	}{
		{"src", "src", true},
		{"src/", "src", true},
		{"config/.env.local", ".env", true},
		{"src/app", "lib", false},
		{"secrets/prod/key.pem", "secrets/**", true},
		{"infra/main.tf", "*.tf", false},
		{"main.tf", "*.tf", true},
		{"infra/main.tf", "**/*.tf", true},
		{"docs/a.md", "docs/?.md", true},
		{"docs/ab.md", "docs/?.md", false},
		{"", "src", false},
	}
	for _, tc := range cases {
		got, err := Match(tc.path, tc.rule)
		if err != nil {
			t.Fatalf("match %q %q: %v", tc.path, tc.rule, err)
		}
		if got != tc.want {
			t.Fatalf("match %q against %q: got %v want %v", tc.path, tc.rule, got, tc.want)
		}
	}
}

func TestConflicts(t *testing.T) {
	conflicts, err := Conflicts([]string{"src", ".git/hooks", "lib"}, []string{".git", "secrets"})
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Path != ".git/hooks" || conflicts[0].Rule != ".git" {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
}

func TestMissing(t *testing.T) {
	missing := Missing([]string{".git", "secrets/"}, []string{"./secrets", "extra"})
	if len(missing) != 1 || missing[0] != ".git" {
		t.Fatalf("unexpected missing: %v", missing)
	}
}
