package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/state"
	"github.com/haasonsaas/warden/internal/trace"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo"`
}

func echoTool() *Tool {
	return &Tool{
		Name:    "echo",
		Schema:  MustCompileSchema(&echoArgs{}),
		MinTier: policy.TierLow,
		Timeout: time.Second,
		Handler: func(_ context.Context, args map[string]any) (*Result, error) {
			text, _ := args["text"].(string)
			return &Result{Summary: "echoed", Output: map[string]any{"text": text}}, nil
		},
	}
}

type fixture struct {
	runtime *Runtime
	state   *state.Manager
	store   *events.MemoryStore
	log     *events.Log
}

func newFixture(t *testing.T, cfg Config, tools ...*Tool) *fixture {
	t.Helper()
	store := events.NewMemoryStore()
	log := events.NewLog(store)
	st, err := state.NewManager(context.Background(), state.NewMemoryStore(), log)
	if err != nil {
		t.Fatalf("state manager: %v", err)
	}
	return &fixture{
		runtime: NewRuntime(NewRegistry(tools...), log, st, cfg, nil),
		state:   st,
		store:   store,
		log:     log,
	}
}

func caller() Caller {
	return Caller{
		Principal: "usr_t",
		Actor:     events.Actor{Kind: events.ActorAgent, ID: "main"},
		Governance: policy.Governance{
			RiskTier:          policy.TierHigh,
			MaxActionsPerStep: 5,
		},
		Grants:   map[string]bool{"*": true},
		ThreadID: "thr_t",
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, Config{}, echoTool())
	ctx, _ := trace.NewRoot(context.Background())

	exec, err := f.runtime.Execute(ctx, "echo", map[string]any{"text": "hi"}, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "ok" {
		t.Fatalf("status = %s, want ok", exec.Status)
	}
	if exec.Result.Output["text"] != "hi" {
		t.Errorf("output = %v", exec.Result.Output)
	}

	starts, _ := f.store.Search(ctx, events.Filter{Types: []events.Type{events.ToolCallStart}})
	ends, _ := f.store.Search(ctx, events.Filter{Types: []events.Type{events.ToolCallEnd}})
	if len(starts) != 1 || len(ends) != 1 {
		t.Fatalf("start/end events = %d/%d, want 1/1", len(starts), len(ends))
	}
	if starts[0].SpanID != ends[0].SpanID {
		t.Error("start and end must share a span")
	}
	if ends[0].PayloadRedacted["status"] != "ok" {
		t.Errorf("end payload = %v", ends[0].PayloadRedacted)
	}
	if _, ok := ends[0].PayloadRedacted["duration_ms"]; !ok {
		t.Error("end payload missing duration_ms")
	}
}

func TestExecuteDeniedUnderLockdown(t *testing.T) {
	f := newFixture(t, Config{}, echoTool())
	ctx, _ := trace.NewRoot(context.Background())

	if err := f.state.TriggerLockdown(ctx, "manual", events.Actor{Kind: events.ActorUser, ID: "op"}); err != nil {
		t.Fatalf("TriggerLockdown: %v", err)
	}

	exec, err := f.runtime.Execute(ctx, "echo", map[string]any{"text": "hi"}, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "denied" || exec.Reason != "lockdown" {
		t.Fatalf("exec = %+v, want denied/lockdown", exec)
	}

	decisions, _ := f.store.Search(ctx, events.Filter{Types: []events.Type{events.PolicyDecision}})
	if len(decisions) != 1 {
		t.Fatalf("policy.decision events = %d, want 1", len(decisions))
	}
	if decisions[0].PayloadRedacted["rule"] != "R1" {
		t.Errorf("matched rule = %v, want R1", decisions[0].PayloadRedacted["rule"])
	}
	ends, _ := f.store.Search(ctx, events.Filter{Types: []events.Type{events.ToolCallEnd}})
	if len(ends) != 1 || ends[0].PayloadRedacted["status"] != "denied" {
		t.Fatalf("end events = %v", ends)
	}
}

func TestExecuteSafeToolUnderLockdown(t *testing.T) {
	f := newFixture(t, Config{})
	f.runtime.Registry().Swap([]*Tool{NewStatusTool(f.state)})
	ctx, _ := trace.NewRoot(context.Background())

	if err := f.state.TriggerLockdown(ctx, "manual", events.Actor{Kind: events.ActorUser, ID: "op"}); err != nil {
		t.Fatalf("TriggerLockdown: %v", err)
	}
	exec, err := f.runtime.Execute(ctx, "status", nil, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "ok" {
		t.Fatalf("status tool under lockdown = %+v, want ok", exec)
	}
	if exec.Result.Output["lockdown"] != true {
		t.Error("status should report lockdown")
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	f := newFixture(t, Config{}, echoTool())
	ctx, _ := trace.NewRoot(context.Background())

	exec, err := f.runtime.Execute(ctx, "echo", map[string]any{"text": 42}, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "invalid_args" {
		t.Fatalf("status = %s, want invalid_args", exec.Status)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t, Config{}, echoTool())
	ctx, _ := trace.NewRoot(context.Background())

	exec, err := f.runtime.Execute(ctx, "nonexistent", nil, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "denied" || exec.Reason != "unknown_tool" {
		t.Fatalf("exec = %+v, want denied/unknown_tool", exec)
	}
}

func TestExecuteTimeout(t *testing.T) {
	slow := &Tool{
		Name:    "slow",
		Schema:  MustCompileSchema(&statusArgs{}),
		MinTier: policy.TierLow,
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (*Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &Result{}, nil
			}
		},
	}
	f := newFixture(t, Config{}, slow)
	ctx, _ := trace.NewRoot(context.Background())

	exec, err := f.runtime.Execute(ctx, "slow", nil, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "timeout" {
		t.Fatalf("status = %s, want timeout", exec.Status)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	failing := &Tool{
		Name:    "failing",
		Schema:  MustCompileSchema(&statusArgs{}),
		MinTier: policy.TierLow,
		Handler: func(context.Context, map[string]any) (*Result, error) {
			return nil, errdef.New(errdef.TransientNetwork, "connection refused")
		},
	}
	f := newFixture(t, Config{}, failing)
	ctx, _ := trace.NewRoot(context.Background())

	exec, err := f.runtime.Execute(ctx, "failing", nil, caller())
	if errdef.KindOf(err) != errdef.TransientNetwork {
		t.Fatalf("err = %v, want transient.network", err)
	}
	if exec.Status != "error" || exec.Reason != string(errdef.TransientNetwork) {
		t.Fatalf("exec = %+v", exec)
	}
}

func TestExecuteActionCap(t *testing.T) {
	f := newFixture(t, Config{}, echoTool())
	ctx, _ := trace.NewRoot(context.Background())

	c := caller()
	c.Governance.MaxActionsPerStep = 2

	for i := 0; i < 2; i++ {
		exec, err := f.runtime.Execute(ctx, "echo", map[string]any{"text": "x"}, c)
		if err != nil || exec.Status != "ok" {
			t.Fatalf("call %d = %+v, %v", i, exec, err)
		}
	}
	exec, err := f.runtime.Execute(ctx, "echo", map[string]any{"text": "x"}, c)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != "denied" || exec.Reason != "max_actions_per_step" {
		t.Fatalf("third call = %+v, want denied/max_actions_per_step", exec)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	big := &Tool{
		Name:    "big",
		Schema:  MustCompileSchema(&statusArgs{}),
		MinTier: policy.TierLow,
		Handler: func(context.Context, map[string]any) (*Result, error) {
			return &Result{Stdout: strings.Repeat("x", 1000)}, nil
		},
	}
	f := newFixture(t, Config{OutputCap: 100}, big)
	ctx, _ := trace.NewRoot(context.Background())

	exec, err := f.runtime.Execute(ctx, "big", nil, caller())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasSuffix(exec.Result.Stdout, "[truncated]") {
		t.Error("stdout not truncated")
	}
	if len(exec.Result.Stdout) > 100+len("\n[truncated]") {
		t.Errorf("stdout length = %d", len(exec.Result.Stdout))
	}
}

func TestRegistrySwap(t *testing.T) {
	r := NewRegistry(echoTool())
	if r.Get("echo") == nil {
		t.Fatal("echo not registered")
	}
	r.Swap([]*Tool{{Name: "other"}})
	if r.Get("echo") != nil {
		t.Error("old set visible after swap")
	}
	if r.Get("other") == nil {
		t.Error("new set not visible after swap")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "other" {
		t.Errorf("names = %v", names)
	}
}
