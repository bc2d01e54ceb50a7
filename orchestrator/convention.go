package orchestrator

import (
	"github.com/effective-security/projectwise/pkg/llms"
)

// Convention selects how tool results are shaped in the conversation.
// It is chosen once per engine run and never swapped mid-run, so the
// history never mixes incompatible shapes.
type Convention string

const (
	// ConventionChat appends one role-tagged tool message per result.
	ConventionChat Convention = "chat"
	// ConventionTurn batches all results of a hop into a single tool
	// turn of structured blocks.
	ConventionTurn Convention = "turn"
)

// ChooseConvention picks the calling convention for a model by
// provider family. The Anthropic messages API wants tool results
// batched into one turn; chat completion APIs want them role-tagged
// one per message.
func ChooseConvention(model llms.Model) Convention {
	if model.GetProviderType() == llms.ProviderAnthropic {
		return ConventionTurn
	}
	return ConventionChat
}

// appendToolResults appends the results of one hop per the convention.
func appendToolResults(messages []llms.Message, conv Convention, results []llms.ToolCallResponse) []llms.Message {
	if len(results) == 0 {
		return messages
	}
	switch conv {
	case ConventionTurn:
		parts := make([]llms.ContentPart, 0, len(results))
		for _, r := range results {
			parts = append(parts, r)
		}
		return append(messages, llms.MessageFromParts(llms.RoleTool, parts...))
	default:
		for _, r := range results {
			messages = append(messages, llms.MessageFromToolResponse(llms.RoleTool, r))
		}
		return messages
	}
}
