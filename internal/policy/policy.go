// Package policy is the deny-by-default decision engine. Decide is a
// pure function over an explicit input snapshot: it performs no I/O and
// emits no events, so the same input always yields the same decision.
// Callers (the tool runtime) record the resulting policy.decision event.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/haasonsaas/warden/internal/state"
)

// Tier orders risk levels: low < medium < high.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// ParseTier maps the configuration strings onto the ordered tiers.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(s) {
	case "low":
		return TierLow, true
	case "medium":
		return TierMedium, true
	case "high":
		return TierHigh, true
	}
	return TierLow, false
}

func (t Tier) String() string {
	switch t {
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "low"
	}
}

// SafeTools may run during lockdown: the status query, the log search,
// and the unlock handler.
var SafeTools = map[string]bool{
	"status":        true,
	"events_search": true,
	"unlock":        true,
}

// ToolInfo is the registry's view of a tool as the engine needs it.
type ToolInfo struct {
	Name string

	// MinTier is the lowest agent risk tier allowed to call the tool.
	MinTier Tier

	// SessionScoped tools manage conversational sessions and are
	// reserved for the primary agent.
	SessionScoped bool

	// PathArgs names the argument keys carrying filesystem paths,
	// checked against the agent's allowed path prefixes.
	PathArgs []string
}

// Governance is the agent bundle's policy-relevant fields.
type Governance struct {
	RiskTier          Tier
	MaxActionsPerStep int
	AllowedPaths      []string
}

// Input is the complete snapshot Decide evaluates. Everything the rules
// read is here; nothing is fetched during evaluation.
type Input struct {
	Principal string
	Tool      string
	Args      map[string]any
	ThreadID  string
	TraceID   string

	State      state.Snapshot
	Governance Governance

	// Grants holds the principal's permission rows: tool name -> true,
	// with "*" for a wildcard grant.
	Grants map[string]bool

	// ToolInfo is nil when the tool name is not registered.
	ToolInfo *ToolInfo

	// PrimaryAgent marks the designated primary agent of the process.
	PrimaryAgent bool

	// TraceToolStarts is the count of tool.call.start events already
	// observed for this trace.
	TraceToolStarts int
}

// Decision is the engine's verdict. Rule names the matched rule for the
// audit record; Reason is the stable denial code.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

func deny(rule, reason string) Decision {
	return Decision{Rule: rule, Reason: reason}
}

// Decide evaluates the rule set top to bottom; the first matching rule
// wins. A request that survives every rule is allowed.
func Decide(in Input) Decision {
	if in.State.Lockdown && !SafeTools[in.Tool] {
		return deny("R1", "lockdown")
	}
	if in.State.Restarting {
		return deny("R2", "restarting")
	}
	if !in.Grants[in.Tool] && !in.Grants["*"] {
		return deny("R3", "not_permitted")
	}
	if in.ToolInfo == nil {
		return deny("R4", "unknown_tool")
	}
	if in.ToolInfo.SessionScoped && !in.PrimaryAgent {
		return deny("R5", "agent_scope")
	}
	if in.ToolInfo.MinTier > in.Governance.RiskTier {
		return deny("R6", "governance.risk_tier")
	}
	if rule, ok := checkPaths(in); !ok {
		return deny(rule, "path_denied")
	}
	if in.TraceToolStarts >= in.Governance.MaxActionsPerStep {
		return deny("R8", "max_actions_per_step")
	}
	return Decision{Allowed: true, Rule: "allow"}
}

// checkPaths resolves each declared path argument to an absolute path
// and requires it to fall under one of the agent's allowed prefixes.
func checkPaths(in Input) (string, bool) {
	if len(in.ToolInfo.PathArgs) == 0 {
		return "", true
	}
	for _, key := range in.ToolInfo.PathArgs {
		raw, present := in.Args[key]
		if !present {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return "R7", false
		}
		abs, err := filepath.Abs(s)
		if err != nil {
			return "R7", false
		}
		if !underAny(abs, in.Governance.AllowedPaths) {
			return "R7", false
		}
	}
	return "", true
}

func underAny(abs string, prefixes []string) bool {
	for _, prefix := range prefixes {
		clean := filepath.Clean(prefix)
		if abs == clean || strings.HasPrefix(abs, clean+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
