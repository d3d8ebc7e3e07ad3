// Package config loads the warden configuration file: YAML or JSON5
// with $include composition and environment expansion, decoded
// strictly, defaulted, and validated before anything starts.
package config

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/errdef"
)

// Duration parses human-readable durations ("30s", "5m") from config
// files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return errdef.Newf(errdef.PermanentValidation, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full warden configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Events       EventsConfig       `yaml:"events"`
	Agents       AgentsConfig       `yaml:"agents"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Runner       RunnerConfig       `yaml:"runner"`
	Cron         CronConfig         `yaml:"cron"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Outbound     OutboundConfig     `yaml:"outbound"`
	Tools        ToolsConfig        `yaml:"tools"`
	SelfUpdate   SelfUpdateConfig   `yaml:"selfupdate"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// ephemeral runs.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	// ListenAddr serves the webhook ingress.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves the Prometheus endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint string `yaml:"endpoint"`

	// SampleRate is the fraction of traces recorded, 0 to 1.
	SampleRate float64 `yaml:"sample_rate"`

	Environment string `yaml:"environment"`
	Insecure    bool   `yaml:"insecure"`
}

type EventsConfig struct {
	// RetainFull persists unredacted payloads alongside the redacted
	// ones. Off by default.
	RetainFull bool `yaml:"retain_full"`
}

type AgentsConfig struct {
	// Dir holds one bundle directory per agent.
	Dir string `yaml:"dir"`

	// Roster lists the agents to load; the first entry is the primary.
	Roster []string `yaml:"roster"`
}

// Primary returns the roster head.
func (a AgentsConfig) Primary() string { return a.Roster[0] }

type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Router    RouterConfig   `yaml:"router"`
}

type ProviderConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	MaxTokens   int    `yaml:"max_tokens"`
	TokenBudget int    `yaml:"token_budget"`
}

type RouterConfig struct {
	HealthTTL     Duration `yaml:"health_ttl"`
	QuotaCooldown Duration `yaml:"quota_cooldown"`
}

type OrchestratorConfig struct {
	TailTurns          int      `yaml:"tail_turns"`
	RetrieveK          int      `yaml:"retrieve_k"`
	Temperature        float64  `yaml:"temperature"`
	MaxTokens          int      `yaml:"max_tokens"`
	SynthesisMaxTokens int      `yaml:"synthesis_max_tokens"`
	SkillsDir          string   `yaml:"skills_dir"`
	Skills             []string `yaml:"skills"`
}

type RunnerConfig struct {
	// Lanes overrides or extends the standard lane set.
	Lanes map[string]LaneConfig `yaml:"lanes"`
}

type LaneConfig struct {
	QueueDepth int `yaml:"queue_depth"`
	Workers    int `yaml:"workers"`
}

type CronConfig struct {
	Tick             Duration `yaml:"tick"`
	CatchupWindow    Duration `yaml:"catchup_window"`
	GlobalCatchupCap int      `yaml:"global_catchup_cap"`
}

type IngestConfig struct {
	// Channels names the webhook adapters to mount, one path each.
	Channels []string `yaml:"channels"`

	Lane    string `yaml:"lane"`
	Handler string `yaml:"handler"`
}

type OutboundConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	// Webhooks maps a channel name to the callback URL replies are
	// posted to. Channels without an entry have no outbound path.
	Webhooks map[string]string `yaml:"webhooks"`
}

type ToolsConfig struct {
	MaxTimeout Duration       `yaml:"max_timeout"`
	OutputCap  int            `yaml:"output_cap"`
	SpillDir   string         `yaml:"spill_dir"`
	Exec       ExecToolConfig `yaml:"exec"`
}

type ExecToolConfig struct {
	Enabled       bool     `yaml:"enabled"`
	EnvAllowlist  []string `yaml:"env_allowlist"`
	DenyPatterns  []string `yaml:"deny_patterns"`
	CwdAllowlist  []string `yaml:"cwd_allowlist"`
	Sandbox       string   `yaml:"sandbox"`
	MemoryLimitMB int      `yaml:"memory_limit_mb"`
	CPULimitSecs  int      `yaml:"cpu_limit_secs"`
	Timeout       Duration `yaml:"timeout"`
}

type SelfUpdateConfig struct {
	Enabled        bool             `yaml:"enabled"`
	RepoRoot       string           `yaml:"repo_root"`
	MirrorDir      string           `yaml:"mirror_dir"`
	PathAllowlist  []string         `yaml:"path_allowlist"`
	Profile        string           `yaml:"profile"`
	TestGate       string           `yaml:"test_gate"`
	SmokeCommands  [][]string       `yaml:"smoke_commands"`
	RestartCommand []string         `yaml:"restart_command"`
	Guardrails     GuardrailsConfig `yaml:"guardrails"`
	VerifyChecks   int              `yaml:"verify_checks"`
	VerifyInterval Duration         `yaml:"verify_interval"`
	VerifyWindow   Duration         `yaml:"verify_window"`
	RollbackWindow Duration         `yaml:"rollback_window"`
}

type GuardrailsConfig struct {
	MaxFilesPerPatch       int     `yaml:"max_files_per_patch"`
	MaxRiskScore           float64 `yaml:"max_risk_score"`
	MaxPatchAttemptsPerDay int     `yaml:"max_patch_attempts_per_day"`
	MaxPRsPerDay           int     `yaml:"max_prs_per_day"`
}

// Load reads, composes, decodes, defaults, and validates the config at
// path.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errdef.New(errdef.PermanentValidation, "config path is required")
	}
	raw, err := loadRaw(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Database.Path == "" {
		c.Database.Path = "warden.db"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Agents.Dir == "" {
		c.Agents.Dir = "agents"
	}
	if len(c.Agents.Roster) == 0 {
		c.Agents.Roster = []string{"primary"}
	}
	if len(c.Ingest.Channels) == 0 {
		c.Ingest.Channels = []string{"webhook"}
	}
	if c.SelfUpdate.Profile == "" {
		c.SelfUpdate.Profile = "development"
	}
	if c.SelfUpdate.TestGate == "" {
		c.SelfUpdate.TestGate = "enforce"
	}
	if c.SelfUpdate.MirrorDir == "" {
		c.SelfUpdate.MirrorDir = "patches"
	}
}

// Validate rejects configurations the daemon cannot run with. Zero
// values that have safe defaults downstream are not errors.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errdef.Newf(errdef.PermanentValidation, "logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errdef.Newf(errdef.PermanentValidation, "logging.format %q is not json or text", c.Logging.Format)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errdef.Newf(errdef.PermanentValidation, "tracing.sample_rate %v is outside [0, 1]", c.Tracing.SampleRate)
	}
	if c.Providers.Anthropic.APIKey == "" && c.Providers.OpenAI.APIKey == "" {
		return errdef.New(errdef.PermanentValidation, "at least one provider api_key is required")
	}
	for name, lane := range c.Runner.Lanes {
		if lane.QueueDepth <= 0 || lane.Workers <= 0 {
			return errdef.Newf(errdef.PermanentValidation, "runner.lanes.%s requires positive queue_depth and workers", name)
		}
	}
	switch c.SelfUpdate.Profile {
	case "development", "production":
	default:
		return errdef.Newf(errdef.PermanentValidation, "selfupdate.profile %q is not development or production", c.SelfUpdate.Profile)
	}
	switch c.SelfUpdate.TestGate {
	case "warn", "enforce":
	default:
		return errdef.Newf(errdef.PermanentValidation, "selfupdate.test_gate %q is not warn or enforce", c.SelfUpdate.TestGate)
	}
	if c.SelfUpdate.Enabled {
		if c.SelfUpdate.RepoRoot == "" {
			return errdef.New(errdef.PermanentValidation, "selfupdate.repo_root is required when selfupdate is enabled")
		}
		if len(c.SelfUpdate.PathAllowlist) == 0 {
			return errdef.New(errdef.PermanentValidation, "selfupdate.path_allowlist is required when selfupdate is enabled")
		}
	}
	if c.Tools.Exec.Enabled && len(c.Tools.Exec.CwdAllowlist) == 0 {
		return errdef.New(errdef.PermanentValidation, "tools.exec.cwd_allowlist is required when the exec tool is enabled")
	}
	return nil
}
