// Package memory provides the conversation-history and semantic-memory
// collaborators. Both are best-effort: callers log failures and carry
// on, they never abort the orchestration.
package memory

import (
	"context"
	"time"

	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/projectwise", "memory")

// Turn is one stored conversation turn.
type Turn struct {
	Role      llms.Role `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// History is the short-term conversation store.
type History interface {
	// GetRecent returns up to limit most recent turns, oldest first.
	GetRecent(ctx context.Context, userID string, limit int) ([]Turn, error)
	// Append stores one turn.
	Append(ctx context.Context, userID string, turn Turn) error
	// Reset removes all turns for the user.
	Reset(ctx context.Context, userID string) error
}

// Snippet is one ranked semantic-memory result.
type Snippet struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Semantic is the long-term memory store.
type Semantic interface {
	// Search returns up to limit snippets ranked by relevance.
	Search(ctx context.Context, userID, query string, limit int) ([]Snippet, error)
	// Add stores turns for later retrieval.
	Add(ctx context.Context, userID string, turns []Turn) error
}

// ToMessages converts stored turns into chat messages.
func ToMessages(turns []Turn) []llms.Message {
	msgs := make([]llms.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llms.MessageFromTextParts(t.Role, t.Content))
	}
	return msgs
}
