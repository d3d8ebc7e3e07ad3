package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/warden/internal/events"
)

// Metrics holds the process counters. Everything here is derived from
// the event spine or the HTTP ingress; components never touch the
// registry directly.
type Metrics struct {
	registry *prometheus.Registry

	// EventCounter counts appended events by type and component.
	EventCounter *prometheus.CounterVec

	// ModelRunCounter counts model.run.end outcomes by provider and
	// status.
	ModelRunCounter *prometheus.CounterVec

	// ModelTokens accumulates input/output token usage by provider.
	ModelTokens *prometheus.CounterVec

	// ToolCallCounter counts tool.call.end outcomes by status.
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration observes tool execution time in seconds.
	ToolCallDuration prometheus.Histogram

	// DeadLetterCounter counts task.deadletter events by handler.
	DeadLetterCounter *prometheus.CounterVec

	// HTTPRequestDuration observes webhook ingress latency.
	// Labels: method, path, code.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics builds a metrics set on its own registry, so tests can
// construct as many as they need.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Events appended to the log by type and component",
		}, []string{"type", "component"}),
		ModelRunCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_model_runs_total",
			Help: "Completed model runs by provider and status",
		}, []string{"provider", "status"}),
		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_model_tokens_total",
			Help: "Token usage by provider and direction",
		}, []string{"provider", "direction"}),
		ToolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_calls_total",
			Help: "Tool executions by terminal status",
		}, []string{"status"}),
		ToolCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_tool_call_duration_seconds",
			Help:    "Tool execution duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}),
		DeadLetterCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_task_deadletters_total",
			Help: "Dead-lettered tasks by handler",
		}, []string{"handler"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "Webhook ingress request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "code"}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentStore decorates an event store so every append updates the
// counters. The store remains the source of truth; metrics are a lossy
// projection and never fail an append.
func (m *Metrics) InstrumentStore(next events.Store) events.Store {
	return &instrumentedStore{next: next, metrics: m}
}

type instrumentedStore struct {
	next    events.Store
	metrics *Metrics
}

func (s *instrumentedStore) Append(ctx context.Context, ev *events.Event) error {
	if err := s.next.Append(ctx, ev); err != nil {
		return err
	}
	s.metrics.observe(ev)
	return nil
}

func (s *instrumentedStore) Search(ctx context.Context, f events.Filter) ([]*events.Event, error) {
	return s.next.Search(ctx, f)
}

func (m *Metrics) observe(ev *events.Event) {
	m.EventCounter.WithLabelValues(string(ev.Type), ev.Component).Inc()

	payload := ev.PayloadRedacted
	switch ev.Type {
	case events.ModelRunEnd:
		provider := str(payload["provider"])
		m.ModelRunCounter.WithLabelValues(provider, str(payload["status"])).Inc()
		if n, ok := num(payload["input_tokens"]); ok {
			m.ModelTokens.WithLabelValues(provider, "input").Add(n)
		}
		if n, ok := num(payload["output_tokens"]); ok {
			m.ModelTokens.WithLabelValues(provider, "output").Add(n)
		}
	case events.ToolCallEnd:
		m.ToolCallCounter.WithLabelValues(str(payload["status"])).Inc()
		if n, ok := num(payload["duration_ms"]); ok {
			m.ToolCallDuration.Observe(n / 1000)
		}
	case events.TaskDeadLetter:
		m.DeadLetterCounter.WithLabelValues(str(payload["handler"])).Inc()
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num accepts the numeric shapes a payload value can take after a
// JSON round trip.
func num(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
