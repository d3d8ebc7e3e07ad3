package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/trace"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info("hidden")
	logger.Warn("visible", "component", "test")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record leaked past warn level")
	}
	if !strings.Contains(out, `"msg":"visible"`) {
		t.Errorf("expected JSON output, got %q", out)
	}
}

func TestInstrumentStoreDerivesCounters(t *testing.T) {
	m := NewMetrics()
	log := events.NewLog(m.InstrumentStore(events.NewMemoryStore()))
	ctx, _ := trace.NewRoot(context.Background())
	actor := events.Actor{Kind: events.ActorSystem, ID: "test"}

	if _, err := log.Emit(ctx, events.ModelRunEnd, "providers", actor, map[string]any{
		"status":        "ok",
		"provider":      "anthropic",
		"input_tokens":  120,
		"output_tokens": 40,
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if _, err := log.Emit(ctx, events.ToolCallEnd, "tools", actor, map[string]any{
		"status":      "denied",
		"duration_ms": 12,
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if _, err := log.Emit(ctx, events.TaskDeadLetter, "runner", actor, map[string]any{
		"task_id": "tsk_1",
		"handler": "agent_step",
		"error":   "permanent.validation",
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if got := testutil.ToFloat64(m.ModelRunCounter.WithLabelValues("anthropic", "ok")); got != 1 {
		t.Errorf("model runs = %v", got)
	}
	if got := testutil.ToFloat64(m.ModelTokens.WithLabelValues("anthropic", "input")); got != 120 {
		t.Errorf("input tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCallCounter.WithLabelValues("denied")); got != 1 {
		t.Errorf("tool calls = %v", got)
	}
	if got := testutil.ToFloat64(m.DeadLetterCounter.WithLabelValues("agent_step")); got != 1 {
		t.Errorf("dead letters = %v", got)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	m.EventCounter.WithLabelValues("agent.step.start", "orchestrator").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warden_events_total") {
		t.Error("exposition missing warden_events_total")
	}
}

func TestSetupTracingNoEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{})
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
