package openai_test

import (
	"reflect"
	"testing"

	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/projectwise/pkg/llms/openai"
	"github.com/effective-security/projectwise/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Setenv(openai.TokenEnvVarName, "")

	_, err := openai.New(openai.WithModel("gpt-4o"))
	assert.ErrorIs(t, err, openai.ErrMissingToken)

	_, err = openai.New(openai.WithToken("test-key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	m, err := openai.New(
		openai.WithToken("test-key"),
		openai.WithModel("gpt-4o"),
	)
	require.NoError(t, err)
	assert.Equal(t, llms.ProviderOpenAI, m.GetProviderType())
	assert.Equal(t, "gpt-4o", m.GetName())
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

	sdkMessages, err := openai.ProcessMessages(messages)
	require.NoError(t, err)
	require.Len(t, sdkMessages, 4)
	require.NotNil(t, sdkMessages[0].OfSystem)
	require.NotNil(t, sdkMessages[1].OfUser)
	require.NotNil(t, sdkMessages[2].OfAssistant)
	require.Len(t, sdkMessages[2].OfAssistant.ToolCalls, 1)
	require.NotNil(t, sdkMessages[3].OfTool)
	assert.Equal(t, "call_1", sdkMessages[3].OfTool.ToolCallID)
}

func TestToTools(t *testing.T) {
	type input struct {
		Query string `json:"query" jsonschema:"description=Search query"`
	}
	sc, err := schema.New(reflect.TypeOf(input{}))
	require.NoError(t, err)

	sdkTools := openai.ToTools([]llms.Tool{
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
	fn := sdkTools[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "search", fn.Function.Name)
	assert.Contains(t, fn.Function.Parameters, "properties")
}
