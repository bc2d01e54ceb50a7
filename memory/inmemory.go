package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type inMemoryHistory struct {
	mu    sync.RWMutex
	turns map[string][]Turn
	max   int
}

// NewInMemoryHistory creates a history store that keeps the last max
// turns per user. Intended for tests and single-process setups.
func NewInMemoryHistory(max int) History {
	if max <= 0 {
		max = 50
	}
	return &inMemoryHistory{
		turns: make(map[string][]Turn),
		max:   max,
	}
}

func (m *inMemoryHistory) GetRecent(_ context.Context, userID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns[userID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *inMemoryHistory) Append(_ context.Context, userID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.turns[userID], turn)
	if len(turns) > m.max {
		turns = turns[len(turns)-m.max:]
	}
	m.turns[userID] = turns
	return nil
}

func (m *inMemoryHistory) Reset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, userID)
	return nil
}

// NoopSemantic is a Semantic store that remembers nothing.
type NoopSemantic struct{}

func (NoopSemantic) Search(_ context.Context, _, _ string, _ int) ([]Snippet, error) {
	return nil, nil
}

func (NoopSemantic) Add(_ context.Context, _ string, _ []Turn) error {
	return nil
}

type inMemorySemantic struct {
	mu    sync.RWMutex
	texts map[string][]string
}

// NewInMemorySemantic creates a naive token-overlap semantic store for
// tests and development.
func NewInMemorySemantic() Semantic {
	return &inMemorySemantic{texts: make(map[string][]string)}
}

func (m *inMemorySemantic) Add(_ context.Context, userID string, turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range turns {
		if strings.TrimSpace(t.Content) != "" {
			m.texts[userID] = append(m.texts[userID], t.Content)
		}
	}
	return nil
}

func (m *inMemorySemantic) Search(_ context.Context, userID, query string, limit int) ([]Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	var snippets []Snippet
	for _, text := range m.texts[userID] {
		score := overlap(queryTokens, tokenize(text))
		if score > 0 {
			snippets = append(snippets, Snippet{Text: text, Score: score})
		}
	}
	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})
	if limit > 0 && len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'")
		if len(tok) > 2 {
			tokens[tok] = true
		}
	}
	return tokens
}

func overlap(query, text map[string]bool) float64 {
	var hits int
	for tok := range query {
		if text[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
