package events

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/trace"
)

func testActor() Actor {
	return Actor{Kind: ActorSystem, ID: "test"}
}

func TestEmitRequiresTrace(t *testing.T) {
	log := NewLog(NewMemoryStore())
	_, err := log.Emit(context.Background(), ChannelInbound, "ingest", testActor(), nil)
	if errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("emit without trace = %v, want permanent.validation", err)
	}
}

func TestEmitPersistsRedacted(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx, _ := trace.NewRoot(context.Background())

	id, err := log.Emit(ctx, ChannelInbound, "ingest", testActor(), map[string]any{
		"token":   "supersecret",
		"content": "hi",
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if id == "" {
		t.Fatal("Emit returned empty id")
	}

	evs, err := store.Search(ctx, Filter{})
	if err != nil || len(evs) != 1 {
		t.Fatalf("Search: %v, %d events", err, len(evs))
	}
	ev := evs[0]
	if ev.PayloadRedacted["token"] != Redacted {
		t.Errorf("token = %v, want redacted", ev.PayloadRedacted["token"])
	}
	if ev.PayloadRedacted["content"] != "hi" {
		t.Errorf("content = %v, want preserved", ev.PayloadRedacted["content"])
	}
	// Full payload is dropped unless retention is enabled.
	if ev.Payload != nil {
		t.Error("raw payload persisted without retention flag")
	}
}

func TestEmitParentSpansFormSingleTree(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)

	// Ingestion emits from a child span of the root; a queued task then
	// resumes the trace on a fresh context, as the runner does.
	rootCtx, root := trace.NewRoot(context.Background())
	inCtx, in := trace.StartSpan(rootCtx)
	if _, err := log.Emit(inCtx, ChannelInbound, "ingest", testActor(), nil); err != nil {
		t.Fatalf("Emit inbound: %v", err)
	}

	taskCtx, task := trace.Resume(context.Background(), root.TraceID, in.SpanID)
	stepCtx, _ := trace.StartSpan(taskCtx)
	if _, err := log.Emit(stepCtx, AgentStepStart, "orchestrator", testActor(), nil); err != nil {
		t.Fatalf("Emit step start: %v", err)
	}

	evs, err := store.Search(context.Background(), Filter{TraceID: root.TraceID})
	if err != nil || len(evs) != 2 {
		t.Fatalf("Search: %v, %d events", err, len(evs))
	}
	spans := map[string]string{
		root.SpanID: "",
		task.SpanID: task.ParentSpanID,
	}
	for _, ev := range evs {
		if ev.ParentSpanID == "" {
			t.Errorf("%s recorded without a parent span", ev.Type)
		}
		spans[ev.SpanID] = ev.ParentSpanID
	}
	if roots := trace.BuildTree(spans); len(roots) != 1 {
		t.Errorf("trace has %d root spans, want 1", len(roots))
	}
}

func TestEmitRetainFull(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, WithRetainFull(true))
	ctx, _ := trace.NewRoot(context.Background())

	if _, err := log.Emit(ctx, ChannelInbound, "ingest", testActor(), map[string]any{"token": "x"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	evs, _ := store.Search(ctx, Filter{})
	if evs[0].Payload == nil || evs[0].Payload["token"] != "x" {
		t.Error("raw payload should be retained when configured")
	}
}

func TestEmitEnforcesMinimumKeys(t *testing.T) {
	log := NewLog(NewMemoryStore())
	ctx, _ := trace.NewRoot(context.Background())

	_, err := log.Emit(ctx, ToolCallEnd, "tools", testActor(), map[string]any{"status": "ok"})
	if errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("tool.call.end without duration_ms = %v, want permanent.validation", err)
	}

	_, err = log.Emit(ctx, ToolCallEnd, "tools", testActor(), map[string]any{
		"status":      "ok",
		"duration_ms": int64(12),
	})
	if err != nil {
		t.Fatalf("complete tool.call.end rejected: %v", err)
	}
}

func TestEmitMonotonicPerTrace(t *testing.T) {
	store := NewMemoryStore()

	// A clock that runs backwards.
	times := []time.Time{
		time.Date(2026, 2, 20, 0, 0, 10, 0, time.UTC),
		time.Date(2026, 2, 20, 0, 0, 5, 0, time.UTC),
		time.Date(2026, 2, 20, 0, 0, 1, 0, time.UTC),
	}
	i := 0
	log := NewLog(store, WithNow(func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	}))
	ctx, _ := trace.NewRoot(context.Background())

	for n := 0; n < 3; n++ {
		if _, err := log.Emit(ctx, AgentStepStart, "orchestrator", testActor(), nil); err != nil {
			t.Fatalf("Emit %d: %v", n, err)
		}
	}

	evs, _ := store.Search(ctx, Filter{Types: []Type{AgentStepStart}})
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3", len(evs))
	}
	for n := 1; n < len(evs); n++ {
		if !evs[n].CreatedAt.After(evs[n-1].CreatedAt) {
			t.Errorf("event %d created_at %v not after %v", n, evs[n].CreatedAt, evs[n-1].CreatedAt)
		}
	}

	// Clock regression must be recorded.
	regs, _ := store.Search(ctx, Filter{Types: []Type{ClockRegression}})
	if len(regs) == 0 {
		t.Error("no clock.regression event emitted")
	}
}

func TestCountToolStarts(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx, sp := trace.NewRoot(context.Background())

	for n := 0; n < 2; n++ {
		_, toolSpan := trace.StartSpan(ctx)
		if _, err := log.Emit(ctx, ToolCallStart, "tools", testActor(), map[string]any{"tool": "exec_host"}, WithSpan(toolSpan)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	count, err := log.CountToolStarts(ctx, sp.TraceID)
	if err != nil || count != 2 {
		t.Fatalf("CountToolStarts = %d, %v; want 2", count, err)
	}
}

func TestSweepOrphans(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx, _ := trace.NewRoot(context.Background())

	// One completed pair, one orphan.
	_, done := trace.StartSpan(ctx)
	_, orphan := trace.StartSpan(ctx)

	mustEmit(t, log, ctx, ToolCallStart, map[string]any{"tool": "a"}, WithSpan(done))
	mustEmit(t, log, ctx, ToolCallEnd, map[string]any{"status": "ok", "duration_ms": int64(1)}, WithSpan(done))
	mustEmit(t, log, ctx, ToolCallStart, map[string]any{"tool": "b"}, WithSpan(orphan))

	n, err := log.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("orphans = %d, want 1", n)
	}

	// A second sweep is a no-op.
	n, err = log.SweepOrphans(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v; want 0, nil", n, err)
	}
}

func mustEmit(t *testing.T, log *Log, ctx context.Context, typ Type, payload map[string]any, opts ...EmitOption) {
	t.Helper()
	if _, err := log.Emit(ctx, typ, "test", testActor(), payload, opts...); err != nil {
		t.Fatalf("Emit %s: %v", typ, err)
	}
}

func TestSearchOrdering(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store)
	ctx, _ := trace.NewRoot(context.Background())

	for n := 0; n < 5; n++ {
		mustEmit(t, log, ctx, ChannelInbound, map[string]any{"n": n})
	}
	evs, _ := store.Search(ctx, Filter{Limit: 3})
	if len(evs) != 3 {
		t.Fatalf("limit not applied: %d", len(evs))
	}
	for n := 1; n < len(evs); n++ {
		if evs[n].CreatedAt.Before(evs[n-1].CreatedAt) {
			t.Error("search results out of order")
		}
	}
}
