package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/ids"
	"github.com/haasonsaas/warden/internal/trace"
)

// Store persists events. Append must be atomic; Search returns events
// ordered by (created_at, id) ascending.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Search(ctx context.Context, f Filter) ([]*Event, error)
}

// Filter bounds a Search.
type Filter struct {
	TraceID   string
	ThreadID  string
	Types     []Type
	Component string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Log is the event writer. A per-write lock guarantees monotonic
// created_at per trace; clock regression advances the timestamp to
// max(previous+1ns, now) and is itself recorded once per occurrence.
type Log struct {
	store      Store
	logger     *slog.Logger
	retainFull bool
	now        func() time.Time

	mu          sync.Mutex
	lastByTrace map[string]time.Time
}

// Option configures the log.
type Option func(*Log)

// WithRetainFull enables persistence of the unredacted payload. Off by
// default: only the redacted payload is stored.
func WithRetainFull(retain bool) Option {
	return func(l *Log) { l.retainFull = retain }
}

// WithLogger configures the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog creates an event writer over the given store.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:       store,
		logger:      slog.Default().With("component", "events"),
		now:         time.Now,
		lastByTrace: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EmitOption adjusts a single emission.
type EmitOption func(*Event)

// WithThread scopes the event to a thread.
func WithThread(threadID string) EmitOption {
	return func(ev *Event) { ev.ThreadID = threadID }
}

// WithSpan overrides the span position taken from the context. Used for
// paired events (tool.call.start/end) that must share a span id.
func WithSpan(sp trace.Span) EmitOption {
	return func(ev *Event) {
		ev.TraceID = sp.TraceID
		ev.SpanID = sp.SpanID
		ev.ParentSpanID = sp.ParentSpanID
	}
}

// Emit writes one event atomically and returns its id. The trace position
// is taken from ctx unless overridden with WithSpan. Payloads are redacted
// before persistence; the raw payload is kept only when retention permits.
func (l *Log) Emit(ctx context.Context, typ Type, component string, actor Actor, payload map[string]any, opts ...EmitOption) (string, error) {
	ev := &Event{
		ID:           ids.New(ids.PrefixEvent),
		TraceID:      trace.TraceID(ctx),
		SpanID:       trace.SpanID(ctx),
		ParentSpanID: trace.ParentSpanID(ctx),
		Type:         typ,
		Component:    component,
		ActorKind:    actor.Kind,
		ActorID:      actor.ID,
		Payload:      payload,
	}
	for _, opt := range opts {
		opt(ev)
	}
	if ev.TraceID == "" {
		return "", errdef.Newf(errdef.PermanentValidation, "emit %s: event requires a trace", typ)
	}
	if err := checkMinimumKeys(typ, payload); err != nil {
		return "", err
	}

	ev.PayloadRedacted = RedactPayload(payload)
	if !l.retainFull {
		ev.Payload = nil
	}

	l.mu.Lock()
	now := l.now().UTC()
	regressed := false
	if last, ok := l.lastByTrace[ev.TraceID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
		regressed = true
	}
	ev.CreatedAt = now
	l.lastByTrace[ev.TraceID] = now
	l.mu.Unlock()

	if err := l.store.Append(ctx, ev); err != nil {
		return "", errdef.Classify(fmt.Errorf("append event %s: %w", typ, err))
	}

	if regressed && typ != ClockRegression {
		// One regression event per occurrence; recursion stops because the
		// regression event itself is exempt.
		if _, err := l.Emit(ctx, ClockRegression, "events", Actor{Kind: ActorSystem, ID: "clock"}, map[string]any{
			"trace_id":    ev.TraceID,
			"advanced_to": now.Format(time.RFC3339Nano),
		}); err != nil {
			l.logger.Warn("failed to record clock regression", "error", err)
		}
	}

	return ev.ID, nil
}

// Search returns events matching the filter, ordered by (created_at, id).
func (l *Log) Search(ctx context.Context, f Filter) ([]*Event, error) {
	return l.store.Search(ctx, f)
}

// CountToolStarts returns the number of tool.call.start events recorded
// for a trace. The policy engine consumes this for the action cap rule.
func (l *Log) CountToolStarts(ctx context.Context, traceID string) (int, error) {
	evs, err := l.store.Search(ctx, Filter{TraceID: traceID, Types: []Type{ToolCallStart}})
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

// SweepOrphans finds tool.call.start events from prior process lifetimes
// that never received a matching end and emits tool.call.orphaned for
// each. Called once at startup.
func (l *Log) SweepOrphans(ctx context.Context) (int, error) {
	starts, err := l.store.Search(ctx, Filter{Types: []Type{ToolCallStart}})
	if err != nil {
		return 0, err
	}
	ends, err := l.store.Search(ctx, Filter{Types: []Type{ToolCallEnd, ToolCallOrphaned}})
	if err != nil {
		return 0, err
	}
	ended := make(map[string]bool, len(ends))
	for _, ev := range ends {
		ended[ev.SpanID] = true
	}
	orphans := 0
	for _, start := range starts {
		if ended[start.SpanID] {
			continue
		}
		sp := trace.Span{TraceID: start.TraceID, SpanID: start.SpanID, ParentSpanID: start.ParentSpanID}
		_, err := l.Emit(ctx, ToolCallOrphaned, "events", Actor{Kind: ActorSystem, ID: "startup"}, map[string]any{
			"start_event_id": start.ID,
		}, WithSpan(sp), WithThread(start.ThreadID))
		if err != nil {
			return orphans, err
		}
		orphans++
	}
	return orphans, nil
}

func checkMinimumKeys(typ Type, payload map[string]any) error {
	required, ok := minimumKeys[typ]
	if !ok {
		return nil
	}
	for _, key := range required {
		if _, present := payload[key]; !present {
			return errdef.Newf(errdef.PermanentValidation, "event %s missing required payload key %q", typ, key)
		}
	}
	return nil
}
