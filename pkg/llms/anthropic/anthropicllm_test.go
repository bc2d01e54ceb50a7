package anthropic_test

import (
	"reflect"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/projectwise/pkg/llms/anthropic"
	"github.com/effective-security/projectwise/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Setenv(anthropic.TokenEnvVarName, "")

	_, err := anthropic.New(anthropic.WithModel("claude-sonnet-4-5"))
	assert.ErrorIs(t, err, anthropic.ErrMissingToken)

	_, err = anthropic.New(anthropic.WithToken("test-key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	m, err := anthropic.New(
		anthropic.WithToken("test-key"),
		anthropic.WithModel("claude-sonnet-4-5"),
	)
	require.NoError(t, err)
	assert.Equal(t, llms.ProviderAnthropic, m.GetProviderType())
	assert.Equal(t, "claude-sonnet-4-5", m.GetName())
}

func TestProcessMessages(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a helpful assistant."),
		llms.MessageFromTextParts(llms.RoleHuman, "What is the weather?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "get_weather",
				Arguments: `{"city":"Seattle"}`,
			},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_1",
			Name:       "get_weather",
			Content:    `{"temp": 55}`,
		}),
	}

	sdkMessages, systemPrompt, err := anthropic.ProcessMessages(messages)
	require.NoError(t, err)
	assert.Equal(t, "You are a helpful assistant.", systemPrompt)
	require.Len(t, sdkMessages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMessages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, sdkMessages[1].Role)
	// tool results go back as a user message
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMessages[2].Role)
}

func TestProcessMessagesInvalidToolArguments(t *testing.T) {
	messages := []llms.Message{
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "get_weather",
				Arguments: `not json`,
			},
		}),
	}
	_, _, err := anthropic.ProcessMessages(messages)
	require.Error(t, err)
}

func TestToTools(t *testing.T) {
	type input struct {
		Query string `json:"query" jsonschema:"description=Search query"`
		K     int    `json:"k,omitempty"`
	}
	sc, err := schema.New(reflect.TypeOf(input{}))
	require.NoError(t, err)

	sdkTools := anthropic.ToTools([]llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "search",
				Description: "Searches the knowledge base.",
				Parameters:  sc.Parameters,
			},
		},
	})
	require.Len(t, sdkTools, 1)
	tool := sdkTools[0].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "search", tool.Name)
	assert.Contains(t, tool.InputSchema.Properties, "query")
	assert.Equal(t, []string{"query"}, tool.InputSchema.Required)
}
