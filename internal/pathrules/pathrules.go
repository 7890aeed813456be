// Package pathrules matches repository paths against forbidden path rules.
// A rule matches when it equals the path, occurs inside it, or, when it
// carries glob metacharacters, matches it as a glob ("*" within a segment,
// "**" across segments, "?" for one character).
package pathrules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

var compiled sync.Map // glob -> *regexp2.Regexp

func isGlob(rule string) bool {
	return strings.ContainsAny(rule, "*?")
}

func globRegexp(rule string) (*regexp2.Regexp, error) {
	if v, ok := compiled.Load(rule); ok {
		return v.(*regexp2.Regexp), nil
	}
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(rule); i++ {
		c := rule[i]
		switch c {
		case '*':
			if i+1 < len(rule) && rule[i+1] == '*' {
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp2.Escape(string(c)))
		}
	}
	b.WriteString("(/.*)?$")
	re, err := regexp2.Compile(b.String(), regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile path rule %q: %w", rule, err)
	}
	compiled.Store(rule, re)
	return re, nil
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSuffix(p, "/")
}

// Match reports whether path is covered by rule.
func Match(path, rule string) (bool, error) {
	path, rule = normalize(path), normalize(rule)
	if path == "" || rule == "" {
		return false, nil
	}
	if !isGlob(rule) {
		return path == rule || strings.Contains(path, rule), nil
	}
	re, err := globRegexp(rule)
	if err != nil {
		return false, err
	}
	return re.MatchString(path)
}

// Conflict is an allowed path that a forbidden rule covers.
type Conflict struct {
	Path string
	Rule string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s (forbidden by %s)", c.Path, c.Rule)
}

// Conflicts returns every allowed path covered by a forbidden rule.
func Conflicts(allowed, forbidden []string) ([]Conflict, error) {
	var out []Conflict
	for _, p := range allowed {
		for _, rule := range forbidden {
			ok, err := Match(p, rule)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, Conflict{Path: p, Rule: rule})
				break
			}
		}
	}
	return out, nil
}

// Missing returns the entries of required absent from have, compared after
// normalization. Used to keep callers from relaxing forbidden sets.
func Missing(required, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[normalize(h)] = true
	}
	var out []string
	for _, r := range required {
		if !set[normalize(r)] {
			out = append(out, r)
		}
	}
	return out
}
