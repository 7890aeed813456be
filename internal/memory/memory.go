// Package memory keeps short learnings from finished executions and hands the
// relevant ones back to later dispatches.
package memory

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"buildline/internal/domain"
	"buildline/internal/repo"
)

// Learning is what an agent reported after completing an assignment.
type Learning struct {
	ProjectID    string
	CardID       string
	RunID        string
	AssignmentID string
	Items        []string
}

type Store interface {
	RetrieveForCard(ctx context.Context, cardID, projectID, query string, limit int) ([]string, error)
	Harvest(ctx context.Context, l Learning) error
}

const scanWindow = 200

// SQLStore ranks stored snippets by keyword overlap with the query.
type SQLStore struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLStore) RetrieveForCard(ctx context.Context, cardID, projectID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	snippets, err := s.Repo.ListMemorySnippets(ctx, projectID, scanWindow)
	if err != nil {
		return nil, err
	}
	terms := keywords(query)
	type scored struct {
		content string
		score   int
		order   int
	}
	var ranked []scored
	for i, sn := range snippets {
		score := 0
		for term := range keywords(sn.Content) {
			if terms[term] {
				score++
			}
		}
		if sn.CardID != "" && sn.CardID == cardID {
			score += 2
		}
		if score == 0 {
			continue
		}
		ranked = append(ranked, scored{content: sn.Content, score: score, order: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.content)
	}
	return out, nil
}

func (s SQLStore) Harvest(ctx context.Context, l Learning) error {
	now := s.now().UTC().Format(time.RFC3339)
	for _, item := range l.Items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		err := s.Repo.InsertMemorySnippet(ctx, nil, domain.MemorySnippet{
			ID:        uuid.NewString(),
			ProjectID: l.ProjectID,
			CardID:    l.CardID,
			Content:   item,
			Source:    "assignment:" + l.AssignmentID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func keywords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}
