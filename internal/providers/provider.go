// Package providers integrates the LLM backends and routes between
// them. The router owns failover: primary first, fallback on classified
// transient outage, quota cooldown on exhausted rate limits.
package providers

import (
	"context"
	"encoding/json"
)

// Message is one conversation turn in the unified format both adapters
// convert from.
type Message struct {
	Role        string // system, user, assistant, tool
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult feeds a tool's output back into the conversation.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef declares a tool to the provider.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one generation call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
}

// Response is a completed generation: terminal text, requested tool
// calls, or both.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error

	// TokenBudget is the prompt budget the orchestrator assembles
	// against for this provider.
	TokenBudget() int
}
