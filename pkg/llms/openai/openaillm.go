package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/pkg/llms"
	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

var (
	ErrEmptyResponse = errors.New("openai: no response")
	ErrMissingToken  = errors.New("openai: missing API key, set it in the OPENAI_API_KEY environment variable")
)

// TokenEnvVarName is the environment variable holding the API key.
const TokenEnvVarName = "OPENAI_API_KEY"

// Options configure the OpenAI client.
type Options struct {
	Token      string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Option configures Options.
type Option func(*Options)

func WithToken(token string) Option {
	return func(o *Options) { o.Token = token }
}

func WithBaseURL(baseURL string) Option {
	return func(o *Options) { o.BaseURL = baseURL }
}

func WithModel(model string) Option {
	return func(o *Options) { o.Model = model }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// LLM is an OpenAI chat-completions backed model.
type LLM struct {
	Client  openaisdk.Client
	Options *Options
}

var _ llms.Model = (*LLM)(nil)

// New creates an OpenAI LLM client. If no token is provided via
// options, the OPENAI_API_KEY environment variable is used.
func New(opts ...Option) (*LLM, error) {
	options := &Options{
		Token: os.Getenv(TokenEnvVarName),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Token == "" {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithMaxRetries(2),
	}
	if options.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(options.BaseURL))
	}
	if options.HTTPClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HTTPClient))
	}

	return &LLM{
		Client:  openaisdk.NewClient(sdkOpts...),
		Options: options,
	}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.Options.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{
		Model: o.Options.Model,
	}
	for _, opt := range options {
		opt(&opts)
	}

	sdkMessages, err := ProcessMessages(messages)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to process messages")
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(opts.Model),
		Messages: sdkMessages,
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openaisdk.Float(opts.Temperature)
	}
	if opts.TopP > 0 {
		params.TopP = openaisdk.Float(opts.TopP)
	}
	if opts.JSONMode {
		obj := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openaisdk.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}
	}
	if tools := ToTools(opts.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := o.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "openai: failed to create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		choice := &llms.ContentChoice{
			Content:    c.Message.Content,
			StopReason: string(c.FinishReason),
			GenerationInfo: map[string]any{
				"InputTokens":  resp.Usage.PromptTokens,
				"OutputTokens": resp.Usage.CompletionTokens,
				"TotalTokens":  resp.Usage.TotalTokens,
				"ID":           resp.ID,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		choices[i] = choice
	}

	return &llms.ContentResponse{Choices: choices}, nil
}

// ToTools converts tool definitions to the OpenAI SDK shape.
func ToTools(tools []llms.Tool) []openaisdk.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	sdkTools := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function == nil {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Function.Name,
			Description: openaisdk.String(tool.Function.Description),
		}
		if tool.Function.Parameters != nil {
			js, err := json.Marshal(tool.Function.Parameters)
			if err == nil {
				var params map[string]any
				if err := json.Unmarshal(js, &params); err == nil {
					fn.Parameters = shared.FunctionParameters(params)
				}
			}
		}
		sdkTools = append(sdkTools, openaisdk.ChatCompletionFunctionTool(fn))
	}
	return sdkTools
}

// ProcessMessages converts generic chat messages to the OpenAI SDK
// message parameters, preserving tool call and tool result pairing.
func ProcessMessages(messages []llms.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llms.RoleSystem:
			out = append(out, openaisdk.SystemMessage(textOf(msg)))
		case llms.RoleHuman:
			out = append(out, openaisdk.UserMessage(textOf(msg)))
		case llms.RoleAI:
			param, err := assistantMessage(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, param)
		case llms.RoleTool:
			for _, tr := range msg.ToolResponses() {
				out = append(out, openaisdk.ToolMessage(tr.Content, tr.ToolCallID))
			}
		default:
			return nil, errors.Newf("openai: unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func textOf(msg llms.Message) string {
	var text string
	for _, part := range msg.Parts {
		if p, ok := part.(llms.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}

func assistantMessage(msg llms.Message) (openaisdk.ChatCompletionMessageParamUnion, error) {
	var text string
	var toolCalls []openaisdk.ChatCompletionMessageToolCallUnionParam
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			if text != "" {
				text += "\n"
			}
			text += p.Text
		case llms.ToolCall:
			args := p.FunctionCall.Arguments
			if !json.Valid([]byte(args)) {
				args = "{}"
			}
			toolCalls = append(toolCalls, openaisdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openaisdk.ChatCompletionMessageFunctionToolCallParam{
					ID: p.ID,
					Function: openaisdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      p.FunctionCall.Name,
						Arguments: args,
					},
				},
			})
		default:
			return openaisdk.ChatCompletionMessageParamUnion{}, errors.Newf("openai: unsupported assistant part type %T", part)
		}
	}

	if len(toolCalls) == 0 {
		return openaisdk.AssistantMessage(text), nil
	}
	assistant := openaisdk.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		assistant.Content = openaisdk.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openaisdk.String(text),
		}
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
}
