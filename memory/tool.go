package memory

import (
	"context"

	"github.com/effective-security/projectwise/chatmodel"
	"github.com/effective-security/projectwise/tools"
)

// SearchInput is the input of the memory search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema:"description=What to look up in past conversations"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum snippets to return"`
}

// SearchOutput is the output of the memory search tool.
type SearchOutput struct {
	Snippets []Snippet `json:"snippets"`
}

// NewSearchTool exposes semantic memory as a local tool the model can
// call alongside registry tools. The user ID comes from the chat
// context.
func NewSearchTool(store Semantic) (tools.Tool[SearchInput, SearchOutput], error) {
	return tools.NewTool("memory_search",
		"Searches the user's past conversations for relevant context.",
		func(ctx context.Context, in *SearchInput) (*SearchOutput, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = 5
			}
			snippets, err := store.Search(ctx, chatmodel.GetUserID(ctx), in.Query, limit)
			if err != nil {
				return nil, err
			}
			return &SearchOutput{Snippets: snippets}, nil
		})
}
