package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the primary provider.
type AnthropicConfig struct {
	// APIKey is required. Format: sk-ant-...
	APIKey string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// Model is used for every request.
	Model string

	// MaxTokens bounds each generation. Default 4096.
	MaxTokens int

	// TokenBudget is the prompt budget for this provider. Default
	// 100000.
	TokenBudget int
}

// AnthropicProvider adapts the Anthropic SDK to the Provider interface.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	tokenBudget int
}

// NewAnthropicProvider validates the config and builds the client.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 100000
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(options...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		tokenBudget: cfg.TokenBudget,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// TokenBudget implements Provider.
func (p *AnthropicProvider) TokenBudget() int { return p.tokenBudget }

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	resp := &Response{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

// HealthCheck implements Provider with a minimal one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return p.wrapError(err)
	}
	return nil
}

func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue // system content travels in params.System
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Args, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call args: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// anthropicError adapts the SDK error to the router's classification
// interfaces.
type anthropicError struct {
	cause  *anthropic.Error
	status int
	after  time.Duration
}

func (e *anthropicError) Error() string             { return fmt.Sprintf("anthropic: %v", e.cause) }
func (e *anthropicError) Unwrap() error             { return e.cause }
func (e *anthropicError) HTTPStatus() int           { return e.status }
func (e *anthropicError) RetryAfter() time.Duration { return e.after }

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic: %w", err)
	}
	wrapped := &anthropicError{cause: apiErr, status: apiErr.StatusCode}
	if apiErr.Response != nil {
		wrapped.after = parseRetryAfter(apiErr.Response)
	}
	return wrapped
}

func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
