package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/state"
)

// The builtin safe tools. These are the only tools the policy engine
// permits during lockdown.

type statusArgs struct{}

// NewStatusTool reports the system state snapshot.
func NewStatusTool(st *state.Manager) *Tool {
	return &Tool{
		Name:        "status",
		Description: "Report current system state.",
		Schema:      MustCompileSchema(&statusArgs{}),
		SchemaJSON:  MustReflectSchema(&statusArgs{}),
		MinTier:     policy.TierLow,
		Timeout:     5 * time.Second,
		SideEffect:  SideEffectReadOnly,
		Handler: func(ctx context.Context, _ map[string]any) (*Result, error) {
			snap := st.Snapshot()
			return &Result{
				Summary: fmt.Sprintf("lockdown=%v restarting=%v", snap.Lockdown, snap.Restarting),
				Output: map[string]any{
					"lockdown":        snap.Lockdown,
					"lockdown_reason": snap.LockdownReason,
					"restarting":      snap.Restarting,
					"version":         snap.Version,
				},
			}, nil
		},
	}
}

type eventsSearchArgs struct {
	TraceID  string `json:"trace_id,omitempty" jsonschema:"description=Filter by trace id"`
	ThreadID string `json:"thread_id,omitempty" jsonschema:"description=Filter by thread id"`
	Type     string `json:"type,omitempty" jsonschema:"description=Filter by event type"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Maximum events to return"`
}

// NewEventsSearchTool queries the audit log.
func NewEventsSearchTool(log *events.Log) *Tool {
	return &Tool{
		Name:        "events_search",
		Description: "Search the audit event log.",
		Schema:      MustCompileSchema(&eventsSearchArgs{}),
		SchemaJSON:  MustReflectSchema(&eventsSearchArgs{}),
		MinTier:     policy.TierLow,
		Timeout:     10 * time.Second,
		SideEffect:  SideEffectReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			f := events.Filter{Limit: 50}
			if v, ok := args["trace_id"].(string); ok {
				f.TraceID = v
			}
			if v, ok := args["thread_id"].(string); ok {
				f.ThreadID = v
			}
			if v, ok := args["type"].(string); ok && v != "" {
				f.Types = []events.Type{events.Type(v)}
			}
			if v, ok := args["limit"].(float64); ok && v > 0 {
				f.Limit = int(v)
			}
			evs, err := log.Search(ctx, f)
			if err != nil {
				return nil, err
			}
			rows := make([]map[string]any, 0, len(evs))
			for _, ev := range evs {
				rows = append(rows, map[string]any{
					"id":         ev.ID,
					"type":       string(ev.Type),
					"trace_id":   ev.TraceID,
					"component":  ev.Component,
					"created_at": ev.CreatedAt.Format(time.RFC3339Nano),
					"payload":    ev.PayloadRedacted,
				})
			}
			return &Result{
				Summary: fmt.Sprintf("%d events", len(rows)),
				Output:  map[string]any{"events": rows},
			}, nil
		},
	}
}

type unlockArgs struct {
	Code string `json:"code" jsonschema:"description=Current unlock code"`
}

// NewUnlockTool clears lockdown given the rotating unlock code.
func NewUnlockTool(st *state.Manager) *Tool {
	return &Tool{
		Name:        "unlock",
		Description: "Clear lockdown with the current unlock code.",
		Schema:      MustCompileSchema(&unlockArgs{}),
		SchemaJSON:  MustReflectSchema(&unlockArgs{}),
		MinTier:     policy.TierLow,
		Timeout:     5 * time.Second,
		SideEffect:  SideEffectMutating,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			code, _ := args["code"].(string)
			if err := st.Unlock(ctx, code, events.Actor{Kind: events.ActorUser, ID: "unlock-tool"}); err != nil {
				return nil, err
			}
			return &Result{
				Summary: "lockdown cleared",
				Output:  map[string]any{"lockdown": false},
			}, nil
		},
	}
}
