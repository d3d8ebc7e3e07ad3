// Package tools implements the tool registry and execution runtime.
// Every invocation is bracketed by a tool.call.start / tool.call.end
// pair sharing a span, with the policy engine consulted in between.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/warden/internal/policy"
)

// SideEffect classifies what a tool touches.
type SideEffect string

const (
	SideEffectReadOnly SideEffect = "read_only"
	SideEffectMutating SideEffect = "mutating"
	SideEffectExternal SideEffect = "external"
)

// Result is what a handler returns on success.
type Result struct {
	// Summary is a short human-readable outcome, recorded in the end
	// event.
	Summary string

	// Output is the structured result handed back to the model.
	Output map[string]any

	// Stdout and Stderr carry captured process streams, when the tool
	// runs one.
	Stdout string
	Stderr string
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string

	// Schema validates arguments before the handler runs.
	Schema *jsonschema.Schema

	// SchemaJSON is the same schema as a document, declared to
	// providers alongside the tool.
	SchemaJSON json.RawMessage

	// MinTier is the lowest agent risk tier permitted to call the tool.
	MinTier policy.Tier

	// Timeout bounds a single invocation; the runtime caps it further.
	Timeout time.Duration

	SideEffect SideEffect

	// SessionScoped reserves the tool for the primary agent.
	SessionScoped bool

	// PathArgs names argument keys checked against the agent's allowed
	// path prefixes.
	PathArgs []string

	// PersistOutput opts the tool into full output spill files; the
	// event payload always carries only the truncated streams.
	PersistOutput bool

	Handler Handler
}

// Info converts the entry into the policy engine's view.
func (t *Tool) Info() *policy.ToolInfo {
	return &policy.ToolInfo{
		Name:          t.Name,
		MinTier:       t.MinTier,
		SessionScoped: t.SessionScoped,
		PathArgs:      t.PathArgs,
	}
}

// Registry holds the active tool set behind an atomic pointer so a
// hot reload swaps the whole set at once.
type Registry struct {
	tools atomic.Pointer[map[string]*Tool]
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...*Tool) *Registry {
	r := &Registry{}
	r.Swap(tools)
	return r
}

// Swap atomically replaces the registered set.
func (r *Registry) Swap(tools []*Tool) {
	m := make(map[string]*Tool, len(tools))
	for _, t := range tools {
		m[t.Name] = t
	}
	r.tools.Store(&m)
}

// Get returns the named tool, or nil when unregistered.
func (r *Registry) Get(name string) *Tool {
	return (*r.tools.Load())[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	m := *r.tools.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered tools in name order.
func (r *Registry) All() []*Tool {
	m := *r.tools.Load()
	out := make([]*Tool, 0, len(m))
	for _, name := range r.Names() {
		out = append(out, m[name])
	}
	return out
}
