package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/state"
	"github.com/haasonsaas/warden/internal/trace"
)

// Runtime defaults, overridable through Config.
const (
	DefaultMaxTimeout = 2 * time.Minute
	DefaultOutputCap  = 16 * 1024
)

// Config tunes the runtime.
type Config struct {
	// MaxTimeout caps every tool's declared timeout.
	MaxTimeout time.Duration

	// OutputCap truncates each captured stream to this many bytes in
	// the event payload.
	OutputCap int

	// SpillDir receives full output files for tools that opt in. Empty
	// disables spilling.
	SpillDir string
}

func (c *Config) fill() {
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.OutputCap <= 0 {
		c.OutputCap = DefaultOutputCap
	}
}

// Caller identifies who is invoking a tool and under which governance.
type Caller struct {
	Principal    string
	Actor        events.Actor
	Governance   policy.Governance
	Grants       map[string]bool
	PrimaryAgent bool
	ThreadID     string
}

// Execution is the outcome handed back to the orchestrator. Status uses
// the fixed tool.call.end vocabulary; Denied and invalid-argument calls
// return an Execution rather than an error so the model sees the
// refusal.
type Execution struct {
	Status   string
	Reason   string
	Result   *Result
	Duration time.Duration
}

// Runtime executes tools under policy, schema validation, and timeout.
type Runtime struct {
	registry *Registry
	log      *events.Log
	state    *state.Manager
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewRuntime wires the runtime. The state manager supplies the snapshot
// every decision evaluates.
func NewRuntime(registry *Registry, log *events.Log, st *state.Manager, cfg Config, logger *slog.Logger) *Runtime {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		registry: registry,
		log:      log,
		state:    st,
		logger:   logger.With("component", "tools"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Registry exposes the active tool set.
func (r *Runtime) Registry() *Registry { return r.registry }

// Execute runs one tool call. The start and end events share a fresh
// span under the caller's trace; exactly one end is emitted per start.
func (r *Runtime) Execute(ctx context.Context, name string, args map[string]any, caller Caller) (*Execution, error) {
	if trace.TraceID(ctx) == "" {
		return nil, errdef.New(errdef.PermanentValidation, "tool execution requires a trace")
	}

	// The action cap counts starts observed before this call.
	priorStarts, err := r.log.CountToolStarts(ctx, trace.TraceID(ctx))
	if err != nil {
		return nil, errdef.Classify(fmt.Errorf("count tool starts: %w", err))
	}

	callCtx, span := trace.StartSpan(ctx)
	started := r.now()

	_, err = r.log.Emit(ctx, events.ToolCallStart, "tools", caller.Actor, map[string]any{
		"tool": name,
		"args": args,
	}, events.WithSpan(span), events.WithThread(caller.ThreadID))
	if err != nil {
		return nil, err
	}

	tool := r.registry.Get(name)
	decision := policy.Decide(policy.Input{
		Principal:       caller.Principal,
		Tool:            name,
		Args:            args,
		ThreadID:        caller.ThreadID,
		TraceID:         span.TraceID,
		State:           r.state.Snapshot(),
		Governance:      caller.Governance,
		Grants:          caller.Grants,
		ToolInfo:        toolInfo(tool),
		PrimaryAgent:    caller.PrimaryAgent,
		TraceToolStarts: priorStarts,
	})
	if _, err := r.log.Emit(ctx, events.PolicyDecision, "policy", caller.Actor, map[string]any{
		"rule":    decision.Rule,
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
		"tool":    name,
	}, events.WithSpan(span), events.WithThread(caller.ThreadID)); err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return r.finish(ctx, span, caller, started, &Execution{
			Status: "denied",
			Reason: decision.Reason,
		}, nil)
	}

	if err := validateArgs(tool.Schema, args); err != nil {
		return r.finish(ctx, span, caller, started, &Execution{
			Status: "invalid_args",
			Reason: err.Error(),
		}, nil)
	}

	timeout := tool.Timeout
	if timeout <= 0 || timeout > r.cfg.MaxTimeout {
		timeout = r.cfg.MaxTimeout
	}
	runCtx, cancel := context.WithTimeout(callCtx, timeout)
	defer cancel()

	result, handlerErr := tool.Handler(runCtx, args)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return r.finish(ctx, span, caller, started, &Execution{
			Status: "timeout",
			Reason: fmt.Sprintf("exceeded %s", timeout),
		}, nil)
	case handlerErr != nil:
		classified := errdef.Classify(handlerErr)
		return r.finish(ctx, span, caller, started, &Execution{
			Status: "error",
			Reason: string(errdef.KindOf(classified)),
		}, classified)
	}

	return r.finish(ctx, span, caller, started, &Execution{
		Status: "ok",
		Result: r.truncate(result, tool),
	}, nil)
}

// finish emits the end event and fills duration. execErr is returned to
// the caller after the event is recorded.
func (r *Runtime) finish(ctx context.Context, span trace.Span, caller Caller, started time.Time, exec *Execution, execErr error) (*Execution, error) {
	exec.Duration = r.now().Sub(started)
	payload := map[string]any{
		"status":      exec.Status,
		"duration_ms": exec.Duration.Milliseconds(),
	}
	if exec.Reason != "" {
		payload["reason"] = exec.Reason
	}
	if exec.Result != nil {
		if exec.Result.Summary != "" {
			payload["summary"] = exec.Result.Summary
		}
		if exec.Result.Stdout != "" {
			payload["stdout"] = exec.Result.Stdout
		}
		if exec.Result.Stderr != "" {
			payload["stderr"] = exec.Result.Stderr
		}
	}
	if _, err := r.log.Emit(ctx, events.ToolCallEnd, "tools", caller.Actor, payload,
		events.WithSpan(span), events.WithThread(caller.ThreadID)); err != nil {
		r.logger.Error("failed to emit tool.call.end", "status", exec.Status, "error", err)
		if execErr == nil {
			execErr = err
		}
	}
	return exec, execErr
}

// truncate caps the captured streams and, when the tool opts in, spills
// the full output to a per-call file before truncation.
func (r *Runtime) truncate(result *Result, tool *Tool) *Result {
	if result == nil {
		return nil
	}
	if tool.PersistOutput && r.cfg.SpillDir != "" &&
		(len(result.Stdout) > r.cfg.OutputCap || len(result.Stderr) > r.cfg.OutputCap) {
		r.spill(tool.Name, result)
	}
	out := *result
	out.Stdout = capString(out.Stdout, r.cfg.OutputCap)
	out.Stderr = capString(out.Stderr, r.cfg.OutputCap)
	return &out
}

func (r *Runtime) spill(toolName string, result *Result) {
	name := fmt.Sprintf("%s-%d.out", toolName, r.now().UnixNano())
	path := filepath.Join(r.cfg.SpillDir, name)
	content := "--- stdout ---\n" + result.Stdout + "\n--- stderr ---\n" + result.Stderr + "\n"
	if err := os.MkdirAll(r.cfg.SpillDir, 0o755); err != nil {
		r.logger.Warn("create spill dir", "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		r.logger.Warn("write spill file", "path", path, "error", err)
	}
}

func capString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

func toolInfo(t *Tool) *policy.ToolInfo {
	if t == nil {
		return nil
	}
	return t.Info()
}
