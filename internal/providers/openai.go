package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the fallback provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint; this is how a local
	// OpenAI-compatible server is wired in.
	BaseURL string

	// Model is used for every request.
	Model string

	// MaxTokens bounds each generation. Default 4096.
	MaxTokens int

	// TokenBudget is the prompt budget for this provider. The fallback
	// runs tight by default: 16000.
	TokenBudget int
}

// OpenAIProvider adapts go-openai to the Provider interface.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	tokenBudget int
}

// NewOpenAIProvider validates the config and builds the client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 16000
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		tokenBudget: cfg.TokenBudget,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// TokenBudget implements Provider.
func (p *OpenAIProvider) TokenBudget() int { return p.tokenBudget }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    p.convertMessages(req),
		Temperature: float32(req.Temperature),
		MaxTokens:   maxTokens,
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response carried no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// HealthCheck implements Provider via the models endpoint.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.wrapError(err)
	}
	return nil
}

func (p *OpenAIProvider) convertMessages(req *Request) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}
		converted := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

// openaiError adapts the SDK error to the router's classification
// interfaces.
type openaiError struct {
	cause  *openai.APIError
	status int
}

func (e *openaiError) Error() string   { return fmt.Sprintf("openai: %v", e.cause) }
func (e *openaiError) Unwrap() error   { return e.cause }
func (e *openaiError) HTTPStatus() int { return e.status }

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &openaiError{cause: apiErr, status: apiErr.HTTPStatusCode}
	}
	return fmt.Errorf("openai: %w", err)
}
