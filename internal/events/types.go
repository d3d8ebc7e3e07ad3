// Package events implements the append-only audit trail. Events are the
// sole source of truth for post-hoc reasoning: every decision the runtime
// takes is recorded here with trace correlation and redaction applied
// before persistence.
package events

import (
	"encoding/json"
	"time"
)

// Type is a dot-separated, lowercase, stable event name.
type Type string

// Canonical event families.
const (
	ChannelInbound      Type = "channel.inbound"
	ChannelInboundBatch Type = "channel.inbound.batch"
	ChannelOutbound     Type = "channel.outbound"
	ChannelOutboundFail Type = "channel.outbound.failed"

	AgentStepStart     Type = "agent.step.start"
	AgentStepEnd       Type = "agent.step.end"
	AgentStepCancelled Type = "agent.step.cancelled"
	AgentDelegate      Type = "agent.delegate"
	AgentBundleReload  Type = "agent.bundle.reload_failed"

	ToolCallStart    Type = "tool.call.start"
	ToolCallEnd      Type = "tool.call.end"
	ToolCallOrphaned Type = "tool.call.orphaned"

	ModelRunStart Type = "model.run.start"
	ModelRunEnd   Type = "model.run.end"
	ModelRunError Type = "model.run.error"
	ModelFallback Type = "model.fallback"

	ScheduleTrigger Type = "schedule.trigger"
	ScheduleError   Type = "schedule.error"

	PolicyDecision Type = "policy.decision"

	MemoryDegraded        Type = "memory.degraded"
	MemoryCompacted       Type = "memory.compacted"
	MemoryPolicyRedaction Type = "memory.policy.redaction"
	MemoryPolicyDenial    Type = "memory.policy.denial"

	TaskDeadLetter        Type = "task.dead_letter"
	TaskDroppedOnShutdown Type = "task.dropped_on_shutdown"

	LockdownTriggered Type = "lockdown.triggered"
	LockdownCleared   Type = "lockdown.cleared"

	ClockRegression Type = "clock.regression"

	SelfUpdateProposed           Type = "selfupdate.proposed"
	SelfUpdateValidated          Type = "selfupdate.validated"
	SelfUpdateTested             Type = "selfupdate.tested"
	SelfUpdateApproved           Type = "selfupdate.approved"
	SelfUpdateApplied            Type = "selfupdate.applied"
	SelfUpdateVerified           Type = "selfupdate.verified"
	SelfUpdateRolledBack         Type = "selfupdate.rolled_back"
	SelfUpdateRejected           Type = "selfupdate.rejected"
	SelfUpdateFailed             Type = "selfupdate.failed"
	SelfUpdateRollback           Type = "selfupdate.rollback"
	SelfUpdateInvariantViolation Type = "selfupdate.invariant_violation"
)

// ActorKind identifies who caused an event.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorUser     ActorKind = "user"
	ActorAgent    ActorKind = "agent"
	ActorSchedule ActorKind = "schedule"
)

// Actor is the (kind, id) pair recorded with each event.
type Actor struct {
	Kind ActorKind
	ID   string
}

// Event is a single append-only audit record.
type Event struct {
	// ID is the evt_-prefixed identifier.
	ID string `json:"id"`

	// TraceID correlates the event with its execution root.
	TraceID string `json:"trace_id"`

	// SpanID identifies the operation that emitted the event.
	SpanID string `json:"span_id"`

	// ParentSpanID is the enclosing span, if any.
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// Type is the dot-separated event name.
	Type Type `json:"event_type"`

	// Component names the emitting subsystem.
	Component string `json:"component"`

	// ActorKind and ActorID identify who caused the event.
	ActorKind ActorKind `json:"actor_type"`
	ActorID   string    `json:"actor_id"`

	// ThreadID scopes the event to a conversation, when applicable.
	ThreadID string `json:"thread_id,omitempty"`

	// CreatedAt is assigned by the writer under the ordering lock.
	CreatedAt time.Time `json:"created_at"`

	// Payload is the full event payload. It is persisted only when the
	// retention flag permits; PayloadRedacted is always persisted.
	Payload map[string]any `json:"payload_json,omitempty"`

	// PayloadRedacted is the payload with sensitive fields masked.
	PayloadRedacted map[string]any `json:"payload_redacted_json"`
}

// minimumKeys lists the payload keys the writer enforces per family.
// Families absent from the map have no minimum.
var minimumKeys = map[Type][]string{
	ToolCallEnd:     {"status", "duration_ms"},
	ToolCallStart:   {"tool"},
	ModelRunEnd:     {"status"},
	ModelFallback:   {"reason"},
	PolicyDecision:  {"rule", "allowed"},
	ScheduleTrigger: {"schedule_id", "due_at"},
	ScheduleError:   {"schedule_id", "reason"},
	TaskDeadLetter:  {"task_id", "handler", "error"},
	AgentStepEnd:    {"reason"},
}

// ToolCallStatus enumerates the fixed status values for tool.call.end.
var ToolCallStatuses = []string{"ok", "denied", "invalid_args", "timeout", "error"}

// MarshalPayload renders a payload map as canonical JSON for persistence.
func MarshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}
