// Package trace carries audit-trail correlation identifiers through
// context. Every externally-triggered execution root opens a new trace;
// each logical operation inside it opens a span that inherits the current
// span as its parent, forming a tree.
//
// These identifiers are Warden's own (trc_/spn_ prefixed) and are persisted
// with every event; OpenTelemetry export is layered separately in
// internal/observability.
package trace

import (
	"context"

	"github.com/haasonsaas/warden/internal/ids"
)

type contextKey string

const (
	traceIDKey  contextKey = "warden_trace_id"
	spanIDKey   contextKey = "warden_span_id"
	parentIDKey contextKey = "warden_parent_span_id"
)

// Span identifies one operation within a trace.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// NewRoot returns a context carrying a fresh trace with a root span.
func NewRoot(ctx context.Context) (context.Context, Span) {
	sp := Span{
		TraceID: ids.New(ids.PrefixTrace),
		SpanID:  ids.New(ids.PrefixSpan),
	}
	return withSpan(ctx, sp), sp
}

// StartSpan opens a child span under the current span. If the context
// carries no trace, a new root trace is created instead.
func StartSpan(ctx context.Context) (context.Context, Span) {
	tid := TraceID(ctx)
	if tid == "" {
		return NewRoot(ctx)
	}
	sp := Span{
		TraceID:      tid,
		SpanID:       ids.New(ids.PrefixSpan),
		ParentSpanID: SpanID(ctx),
	}
	return withSpan(ctx, sp), sp
}

// Resume returns a context carrying an existing trace position. Used by the
// task runner: a task enqueued inside span S runs under (trace, parent=S).
func Resume(ctx context.Context, traceID, parentSpanID string) (context.Context, Span) {
	if traceID == "" {
		return NewRoot(ctx)
	}
	sp := Span{
		TraceID:      traceID,
		SpanID:       ids.New(ids.PrefixSpan),
		ParentSpanID: parentSpanID,
	}
	return withSpan(ctx, sp), sp
}

func withSpan(ctx context.Context, sp Span) context.Context {
	ctx = context.WithValue(ctx, traceIDKey, sp.TraceID)
	ctx = context.WithValue(ctx, spanIDKey, sp.SpanID)
	return context.WithValue(ctx, parentIDKey, sp.ParentSpanID)
}

// TraceID returns the trace identifier carried by ctx, or "".
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// SpanID returns the current span identifier carried by ctx, or "".
func SpanID(ctx context.Context) string {
	v, _ := ctx.Value(spanIDKey).(string)
	return v
}

// ParentSpanID returns the current span's parent carried by ctx, or ""
// for a root span.
func ParentSpanID(ctx context.Context) string {
	v, _ := ctx.Value(parentIDKey).(string)
	return v
}

// Current returns the span position carried by ctx.
func Current(ctx context.Context) Span {
	return Span{TraceID: TraceID(ctx), SpanID: SpanID(ctx), ParentSpanID: ParentSpanID(ctx)}
}
