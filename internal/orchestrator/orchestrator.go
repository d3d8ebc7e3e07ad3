// Package orchestrator runs agent steps: one new message or scheduled
// trigger against one thread, through prompt assembly, the bounded
// provider/tool loop, and exactly one terminal assistant message. A
// step never returns empty output; when every provider path fails it
// persists a deterministic operator-facing message carrying the trace
// id and a reason code.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/trace"
)

// Reason codes carried by deterministic fallback messages.
const (
	ReasonPlaceholderAfterToolLoop  = "placeholder_response_after_tool_loop"
	ReasonPlaceholderAfterSynthesis = "placeholder_response_after_terminal_synthesis"
	ReasonProviderErrorSynthesis    = "provider_error_terminal_synthesis"
)

// Config tunes one orchestrator instance.
type Config struct {
	// TailTurns is how many recent messages feed the prompt. Default 12.
	TailTurns int

	// RetrieveK is the semantic retrieval depth. Default 6.
	RetrieveK int

	// Temperature and MaxTokens are passed through to generation.
	Temperature float64
	MaxTokens   int

	// SynthesisMaxTokens bounds the terminal synthesis call. Default
	// 256.
	SynthesisMaxTokens int

	// Skills are the pinned documents included in every prompt.
	Skills []Skill

	// CompactionLane and CompactionHandler name the task enqueued when
	// the inbound count crosses the thread's threshold.
	CompactionLane    string
	CompactionHandler string
}

func (c *Config) fill() {
	if c.TailTurns <= 0 {
		c.TailTurns = 12
	}
	if c.RetrieveK <= 0 {
		c.RetrieveK = 6
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.SynthesisMaxTokens <= 0 {
		c.SynthesisMaxTokens = 256
	}
	if c.CompactionLane == "" {
		c.CompactionLane = "agent_default"
	}
	if c.CompactionHandler == "" {
		c.CompactionHandler = "compaction"
	}
}

// BundleSource supplies the active agent bundle; the identity watcher
// implements it.
type BundleSource interface {
	Current() *identity.Bundle
}

// TaskQueue is the enqueue surface the orchestrator needs; the runner
// implements it.
type TaskQueue interface {
	Enqueue(ctx context.Context, lane, handler string, payload map[string]any, threadID string) (string, error)
}

// StepRequest triggers one step.
type StepRequest struct {
	ThreadID string

	// Source is "message" or "schedule".
	Source string

	// TriggerID is the message or schedule id that caused the step.
	TriggerID string
}

// StepResult reports what the step produced.
type StepResult struct {
	MessageID string
	Text      string
	Reason    string
	ToolCalls int
	Provider  string
}

// Orchestrator executes steps.
type Orchestrator struct {
	cfg     Config
	store   *storage.Store
	mem     memory.Store
	router  *providers.Router
	runtime *tools.Runtime
	log     *events.Log
	bundles BundleSource
	tasks   TaskQueue
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger configures the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// WithTaskQueue wires the compaction queue. Without it compaction is
// skipped.
func WithTaskQueue(q TaskQueue) Option {
	return func(o *Orchestrator) { o.tasks = q }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires an orchestrator.
func New(cfg Config, store *storage.Store, mem memory.Store, router *providers.Router,
	runtime *tools.Runtime, log *events.Log, bundles BundleSource, opts ...Option) *Orchestrator {
	cfg.fill()
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		mem:     mem,
		router:  router,
		runtime: runtime,
		log:     log,
		bundles: bundles,
		logger:  slog.Default().With("component", "orchestrator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Step runs one agent step. It always persists a terminal assistant
// message before returning, unless the thread itself cannot be loaded.
func (o *Orchestrator) Step(ctx context.Context, req StepRequest) (*StepResult, error) {
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}
	bundle := o.bundles.Current()
	actor := events.Actor{Kind: events.ActorAgent, ID: bundle.Name}

	if _, err := o.log.Emit(ctx, events.AgentStepStart, "orchestrator", actor, map[string]any{
		"thread_id":  req.ThreadID,
		"source":     req.Source,
		"trigger_id": req.TriggerID,
	}, events.WithThread(req.ThreadID)); err != nil {
		return nil, err
	}

	res, err := o.step(ctx, req, bundle, actor)
	payload := map[string]any{"reason": "error"}
	if res != nil {
		payload["reason"] = res.Reason
		payload["tool_calls"] = res.ToolCalls
		if res.Provider != "" {
			payload["provider"] = res.Provider
		}
	} else if err != nil {
		payload["error"] = err.Error()
	}
	if _, emitErr := o.log.Emit(ctx, events.AgentStepEnd, "orchestrator", actor, payload,
		events.WithThread(req.ThreadID)); emitErr != nil {
		o.logger.Error("failed to emit step end", "error", emitErr)
	}
	return res, err
}

func (o *Orchestrator) step(ctx context.Context, req StepRequest, bundle *identity.Bundle, actor events.Actor) (*StepResult, error) {
	thread, err := o.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}

	tail, err := o.store.ThreadTail(ctx, thread.ID, o.cfg.TailTurns)
	if err != nil {
		return nil, err
	}
	msgs, query := tailMessages(tail)

	in := PromptInput{
		Identity: bundle.Identity,
		Persona:  bundle.Persona,
		Skills:   o.cfg.Skills,
	}
	in.Summary = o.fetchSummary(ctx, thread.ID, actor)
	in.State = o.fetchState(ctx, thread.ID, bundle.Name, actor)
	in.Chunks = o.fetchChunks(ctx, thread.ID, query, actor)

	budgetProvider := o.router.LastHealthy(ctx)
	if budgetProvider == nil {
		budgetProvider = o.router.Primary()
	}
	prompt := BuildPrompt(in, budgetProvider.TokenBudget(), tailTokens(msgs))
	if len(prompt.Compressed) > 0 {
		o.logger.Debug("prompt compressed to fit budget",
			"thread_id", thread.ID, "sections", strings.Join(prompt.Compressed, ","))
	}

	caller := o.caller(ctx, thread, bundle, actor)
	res := o.loop(ctx, prompt.System, msgs, caller, bundle)

	msg := &storage.Message{ThreadID: thread.ID, Role: "assistant", Content: res.Text}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return res, err
	}
	res.MessageID = msg.ID

	o.maybeCompact(ctx, thread)
	return res, nil
}

// loop is the bounded provider/tool iteration.
func (o *Orchestrator) loop(ctx context.Context, system string, msgs []providers.Message, caller tools.Caller, bundle *identity.Bundle) *StepResult {
	res := &StepResult{}
	defs := o.toolDefs()
	limit := bundle.Governance.MaxActionsPerStep

	for {
		req := &providers.Request{
			System:      system,
			Messages:    msgs,
			Tools:       defs,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		}
		// The router records model.run.start/end per provider attempt.
		resp, served, err := o.router.Generate(ctx, req)
		if err != nil {
			o.emit(ctx, events.ModelRunError, caller, map[string]any{
				"provider": served,
				"error":    err.Error(),
			})
			res.Reason = "provider_error"
			o.synthesize(ctx, system, msgs, caller, res, ReasonProviderErrorSynthesis)
			return res
		}
		res.Provider = served

		if len(resp.ToolCalls) == 0 {
			res.Text = resp.Text
			res.Reason = "completed"
			return res
		}

		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		var results []providers.ToolResult
		for _, call := range resp.ToolCalls {
			res.ToolCalls++
			if res.ToolCalls > limit {
				if len(results) > 0 {
					msgs = append(msgs, providers.Message{Role: "tool", ToolResults: results})
				}
				res.Reason = "max_actions_per_step"
				o.synthesize(ctx, system, msgs, caller, res, ReasonPlaceholderAfterToolLoop)
				return res
			}
			results = append(results, o.runTool(ctx, call, caller))
		}
		msgs = append(msgs, providers.Message{Role: "tool", ToolResults: results})
	}
}

// runTool executes one provider-requested call and renders the outcome
// for the model. Denials and failures come back as error results, not
// step failures.
func (o *Orchestrator) runTool(ctx context.Context, call providers.ToolCall, caller tools.Caller) providers.ToolResult {
	var args map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return providers.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("malformed tool arguments: %v", err),
				IsError:    true,
			}
		}
	}
	exec, err := o.runtime.Execute(ctx, call.Name, args, caller)
	if err != nil && exec == nil {
		return providers.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %s failed: %s", call.Name, errdef.KindOf(err)),
			IsError:    true,
		}
	}
	return providers.ToolResult{
		ToolCallID: call.ID,
		Content:    renderExecution(call.Name, exec),
		IsError:    exec.Status != "ok",
	}
}

// synthesize makes the single bounded closing call against the last
// healthy provider with no tools. On success it fills res.Text and
// keeps the caller's reason; when it fails or returns nothing, the
// deterministic fallback message replaces it and res.Reason becomes the
// placeholder code.
func (o *Orchestrator) synthesize(ctx context.Context, system string, msgs []providers.Message, caller tools.Caller, res *StepResult, failCode string) {
	provider := o.router.LastHealthy(ctx)
	if provider == nil {
		o.placeholder(ctx, res, failCode)
		return
	}

	req := &providers.Request{
		System: system,
		Messages: append(append([]providers.Message{}, msgs...), providers.Message{
			Role:    "user",
			Content: "Wrap up: summarize what happened in this conversation so far and state the outcome in a short closing message.",
		}),
		MaxTokens: o.cfg.SynthesisMaxTokens,
	}
	o.emit(ctx, events.ModelRunStart, caller, map[string]any{
		"messages": len(req.Messages),
		"phase":    "terminal_synthesis",
	})
	resp, err := provider.Generate(ctx, req)
	if err != nil {
		o.emit(ctx, events.ModelRunError, caller, map[string]any{
			"provider": provider.Name(),
			"phase":    "terminal_synthesis",
			"error":    err.Error(),
		})
		o.placeholder(ctx, res, failCode)
		return
	}
	o.emit(ctx, events.ModelRunEnd, caller, map[string]any{
		"status":   "ok",
		"provider": provider.Name(),
		"phase":    "terminal_synthesis",
	})
	if strings.TrimSpace(resp.Text) == "" {
		o.placeholder(ctx, res, ReasonPlaceholderAfterSynthesis)
		return
	}
	res.Provider = provider.Name()
	res.Text = resp.Text
}

// placeholder fills the deterministic operator-facing message. Never
// empty: it always carries the trace id and reason code.
func (o *Orchestrator) placeholder(ctx context.Context, res *StepResult, code string) {
	res.Reason = code
	res.Text = fmt.Sprintf(
		"I was unable to complete this request. An operator can investigate with trace %s (reason: %s).",
		trace.TraceID(ctx), code)
}

func (o *Orchestrator) caller(ctx context.Context, thread *storage.Thread, bundle *identity.Bundle, actor events.Actor) tools.Caller {
	grants := bundle.Grants()
	stored, err := o.store.GrantsFor(ctx, thread.UserID)
	if err != nil {
		o.logger.Warn("failed to load stored grants", "user_id", thread.UserID, "error", err)
	}
	for tool := range stored {
		grants[tool] = true
	}
	return tools.Caller{
		Principal:    thread.UserID,
		Actor:        actor,
		Governance:   bundle.PolicyGovernance(),
		Grants:       grants,
		PrimaryAgent: isPrimary(thread, bundle.Name),
		ThreadID:     thread.ID,
	}
}

// Memory fetches degrade to empty results with a memory.degraded event;
// a broken memory subsystem never fails a step.

func (o *Orchestrator) fetchSummary(ctx context.Context, threadID string, actor events.Actor) memory.Summary {
	summary, err := o.mem.ThreadSummary(ctx, threadID)
	if err != nil {
		o.degraded(ctx, threadID, actor, "summary", err)
		return memory.Summary{}
	}
	return summary
}

func (o *Orchestrator) fetchState(ctx context.Context, threadID, agentID string, actor events.Actor) []memory.StateItem {
	items, err := o.mem.ActiveStateItems(ctx, threadID, agentID)
	if err != nil {
		o.degraded(ctx, threadID, actor, "state", err)
		return nil
	}
	return items
}

func (o *Orchestrator) fetchChunks(ctx context.Context, threadID, query string, actor events.Actor) []memory.Chunk {
	if query == "" {
		return nil
	}
	chunks, err := o.mem.Retrieve(ctx, threadID, query, o.cfg.RetrieveK, memory.DefaultBlend())
	if err != nil {
		o.degraded(ctx, threadID, actor, "retrieval", err)
		return nil
	}
	return chunks
}

func (o *Orchestrator) degraded(ctx context.Context, threadID string, actor events.Actor, part string, cause error) {
	o.logger.Warn("memory degraded", "part", part, "thread_id", threadID, "error", cause)
	if _, err := o.log.Emit(ctx, events.MemoryDegraded, "orchestrator", actor, map[string]any{
		"part":   part,
		"reason": cause.Error(),
	}, events.WithThread(threadID)); err != nil {
		o.logger.Error("failed to emit memory.degraded", "error", err)
	}
}

func (o *Orchestrator) maybeCompact(ctx context.Context, thread *storage.Thread) {
	if o.tasks == nil || thread.CompactionThreshold <= 0 {
		return
	}
	n, err := o.store.CountInbound(ctx, thread.ID)
	if err != nil || n == 0 || n%thread.CompactionThreshold != 0 {
		return
	}
	if _, err := o.tasks.Enqueue(ctx, o.cfg.CompactionLane, o.cfg.CompactionHandler,
		map[string]any{"thread_id": thread.ID}, thread.ID); err != nil {
		o.logger.Warn("failed to enqueue compaction", "thread_id", thread.ID, "error", err)
	}
}

func (o *Orchestrator) toolDefs() []providers.ToolDef {
	all := o.runtime.Registry().All()
	defs := make([]providers.ToolDef, 0, len(all))
	for _, t := range all {
		schema := t.SchemaJSON
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, providers.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return defs
}

func (o *Orchestrator) emit(ctx context.Context, typ events.Type, caller tools.Caller, payload map[string]any) {
	if _, err := o.log.Emit(ctx, typ, "orchestrator", caller.Actor, payload,
		events.WithThread(caller.ThreadID)); err != nil {
		o.logger.Error("failed to emit event", "type", string(typ), "error", err)
	}
}

// tailMessages converts the stored tail into provider messages and
// returns the latest user content as the retrieval query.
func tailMessages(tail []*storage.Message) ([]providers.Message, string) {
	var msgs []providers.Message
	var query string
	for _, m := range tail {
		switch m.Role {
		case "user", "assistant":
			msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
		}
		if m.Role == "user" {
			query = m.Content
		}
	}
	return msgs, query
}

func tailTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

func renderExecution(name string, exec *tools.Execution) string {
	if exec.Status != "ok" {
		return fmt.Sprintf("tool %s did not run: %s (%s)", name, exec.Status, exec.Reason)
	}
	if exec.Result == nil {
		return "ok"
	}
	if len(exec.Result.Output) > 0 {
		raw, err := json.Marshal(exec.Result.Output)
		if err == nil {
			return string(raw)
		}
	}
	if exec.Result.Stdout != "" {
		return exec.Result.Stdout
	}
	if exec.Result.Summary != "" {
		return exec.Result.Summary
	}
	return "ok"
}

func isPrimary(thread *storage.Thread, agent string) bool {
	if len(thread.Agents) == 0 {
		return true
	}
	return thread.Agents[0] == agent
}
