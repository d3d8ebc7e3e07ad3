// Package identity loads agent bundles: the identity, persona, and
// heartbeat documents plus the governance fields parsed from identity
// frontmatter. Governance is read-only at runtime; nothing in the
// process mutates a loaded bundle.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/policy"
)

// Governance holds the machine-readable fields from identity
// frontmatter. These names are also the guardrail set the self-update
// pipeline refuses to let a patch modify.
type Governance struct {
	AllowedTools               []string `yaml:"allowed_tools"`
	RiskTier                   string   `yaml:"risk_tier"`
	MaxActionsPerStep          int      `yaml:"max_actions_per_step"`
	AllowedPaths               []string `yaml:"allowed_paths"`
	CanRequestPrivilegedChange bool     `yaml:"can_request_privileged_change"`
}

// GovernanceKeys is the frontmatter key set protected from self-update
// patches.
var GovernanceKeys = []string{
	"allowed_tools",
	"risk_tier",
	"max_actions_per_step",
	"allowed_paths",
	"can_request_privileged_change",
}

// Bundle is one loaded agent.
type Bundle struct {
	// Name is the bundle directory's base name.
	Name string

	// Identity is the identity document body, frontmatter stripped.
	Identity string

	// Persona and Heartbeat are the companion documents; either may be
	// empty when the file is absent.
	Persona   string
	Heartbeat string

	Governance Governance
	LoadedAt   time.Time
}

// Tier returns the parsed risk tier.
func (b *Bundle) Tier() policy.Tier {
	t, _ := policy.ParseTier(b.Governance.RiskTier)
	return t
}

// PolicyGovernance converts the bundle's governance fields into the
// engine's input shape.
func (b *Bundle) PolicyGovernance() policy.Governance {
	return policy.Governance{
		RiskTier:          b.Tier(),
		MaxActionsPerStep: b.Governance.MaxActionsPerStep,
		AllowedPaths:      b.Governance.AllowedPaths,
	}
}

// Grants expands allowed_tools into the permission map the engine
// consumes.
func (b *Bundle) Grants() map[string]bool {
	grants := make(map[string]bool, len(b.Governance.AllowedTools))
	for _, tool := range b.Governance.AllowedTools {
		grants[tool] = true
	}
	return grants
}

// IdentityFile returns the path of the bundle's identity document.
func IdentityFile(dir string) string {
	return filepath.Join(dir, "identity.md")
}

// LoadBundle reads an agent bundle directory. identity.md is required;
// persona.md and heartbeat.md are optional.
func LoadBundle(dir string) (*Bundle, error) {
	identityRaw, err := os.ReadFile(IdentityFile(dir))
	if err != nil {
		return nil, errdef.New(errdef.PermanentValidation, fmt.Sprintf("read identity document: %v", err))
	}
	front, body, err := splitFrontmatter(string(identityRaw))
	if err != nil {
		return nil, err
	}

	var gov Governance
	if err := yaml.Unmarshal([]byte(front), &gov); err != nil {
		return nil, errdef.New(errdef.PermanentValidation, fmt.Sprintf("parse identity frontmatter: %v", err))
	}
	if err := validateGovernance(gov); err != nil {
		return nil, err
	}

	b := &Bundle{
		Name:       filepath.Base(dir),
		Identity:   body,
		Governance: gov,
		LoadedAt:   time.Now().UTC(),
	}
	b.Persona = readOptional(filepath.Join(dir, "persona.md"))
	b.Heartbeat = readOptional(filepath.Join(dir, "heartbeat.md"))
	return b, nil
}

func readOptional(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
}

func splitFrontmatter(doc string) (front, body string, err error) {
	const marker = "---"
	trimmed := strings.TrimLeft(doc, "\n")
	if !strings.HasPrefix(trimmed, marker+"\n") {
		return "", "", errdef.New(errdef.PermanentValidation, "identity document missing frontmatter")
	}
	rest := trimmed[len(marker)+1:]
	end := strings.Index(rest, "\n"+marker)
	if end < 0 {
		return "", "", errdef.New(errdef.PermanentValidation, "identity frontmatter not terminated")
	}
	front = rest[:end]
	body = rest[end+len(marker)+1:]
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}

func validateGovernance(gov Governance) error {
	if _, ok := policy.ParseTier(gov.RiskTier); !ok {
		return errdef.Newf(errdef.PermanentValidation, "invalid risk_tier %q", gov.RiskTier)
	}
	if gov.MaxActionsPerStep <= 0 {
		return errdef.Newf(errdef.PermanentValidation, "max_actions_per_step must be positive, got %d", gov.MaxActionsPerStep)
	}
	for _, p := range gov.AllowedPaths {
		if !filepath.IsAbs(p) {
			return errdef.Newf(errdef.PermanentValidation, "allowed_paths entries must be absolute, got %q", p)
		}
	}
	return nil
}
