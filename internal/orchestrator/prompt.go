package orchestrator

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/warden/internal/memory"
)

// Skill is one pinned reusable document included in every prompt for
// an agent.
type Skill struct {
	Name string
	Text string
}

// PromptInput carries everything the assembler renders, already
// fetched.
type PromptInput struct {
	Identity string
	Persona  string
	Skills   []Skill
	Summary  memory.Summary
	State    []memory.StateItem
	Chunks   []memory.Chunk
}

// Prompt is the assembled system context plus a note of what was shed
// to fit the budget.
type Prompt struct {
	System string

	// Compressed lists the sections reduced to fit, in the order they
	// were shed.
	Compressed []string
}

// stateTruncatedMarker is appended when state items are cut for budget.
const stateTruncatedMarker = "[additional state items omitted]"

// EstimateTokens is the assembler's coarse token count, one token per
// four bytes.
func EstimateTokens(s string) int {
	return len(s)/4 + 1
}

// BuildPrompt renders the system context in fixed section order and
// compresses it to fit budget minus the space reserved for the
// conversation tail. Shedding order: retrieved chunks, then the long
// summary, then state items behind a visible marker. The short summary
// and the agent system context are never shed.
func BuildPrompt(in PromptInput, budget, tailTokens int) Prompt {
	var p Prompt
	chunks := in.Chunks
	state := in.State
	useLong := len(state) == 0 && in.Summary.Long != ""

	for {
		p.System = render(in, state, chunks, useLong)
		if budget <= 0 || EstimateTokens(p.System)+tailTokens <= budget {
			return p
		}
		switch {
		case len(chunks) > 0:
			// Lowest-scored chunk goes first; Retrieve returns them
			// ordered best-first.
			chunks = chunks[:len(chunks)-1]
			p.Compressed = appendOnce(p.Compressed, "retrieval")
		case useLong:
			useLong = false
			p.Compressed = appendOnce(p.Compressed, "long_summary")
		case len(state) > 0:
			state = state[:len(state)/2]
			p.Compressed = appendOnce(p.Compressed, "state")
		default:
			// Only the protected sections remain.
			return p
		}
	}
}

func render(in PromptInput, state []memory.StateItem, chunks []memory.Chunk, useLong bool) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(in.Identity))
	if in.Persona != "" {
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(in.Persona))
	}

	for _, skill := range in.Skills {
		fmt.Fprintf(&b, "\n\n## Skill: %s\n\n%s", skill.Name, strings.TrimSpace(skill.Text))
	}

	if in.Summary.Short != "" {
		b.WriteString("\n\n## Thread summary\n\n")
		b.WriteString(strings.TrimSpace(in.Summary.Short))
	}

	switch {
	case len(state) > 0:
		b.WriteString("\n\n## Working state\n\n")
		b.WriteString(RenderStateBlock(state))
		if len(state) < len(in.State) {
			b.WriteString("\n")
			b.WriteString(stateTruncatedMarker)
		}
	case useLong:
		b.WriteString("\n\n## Thread history\n\n")
		b.WriteString(strings.TrimSpace(in.Summary.Long))
	}

	if len(chunks) > 0 {
		b.WriteString("\n\n## Relevant context\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "\n- %s", strings.TrimSpace(c.Text))
		}
	}

	return b.String()
}

// RenderStateBlock renders state items one line each, ordered
// pinned-first, then type priority, then confidence, then recency.
func RenderStateBlock(items []memory.StateItem) string {
	sorted := make([]memory.StateItem, len(items))
	copy(sorted, items)
	memory.SortStateItems(sorted)

	var b strings.Builder
	for i, item := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- [%s/%s]", item.Type, item.Status)
		if item.Topic != "" {
			fmt.Fprintf(&b, " %s:", item.Topic)
		}
		fmt.Fprintf(&b, " %s", item.Text)
		if item.RefCount > 0 {
			fmt.Fprintf(&b, " (refs:%d)", item.RefCount)
		}
		if item.Conflict {
			b.WriteString(" CONFLICT")
		}
	}
	return b.String()
}

func appendOnce(list []string, entry string) []string {
	for _, have := range list {
		if have == entry {
			return list
		}
	}
	return append(list, entry)
}
