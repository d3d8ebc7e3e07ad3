// Package main provides the CLI entry point for the Warden agent runtime.
//
// Warden runs a policy-governed conversational agent: webhook channels
// feed an event-logged orchestrator loop with tool execution, scheduled
// work, rolling thread memory, and an audited self-update pipeline.
//
// # Basic Usage
//
// Start the runtime:
//
//	warden serve --config warden.yaml
//
// Check runtime state:
//
//	warden status
//
// Inspect the audit trail for one trace:
//
//	warden events --trace trc_abc123
//
// # Environment Variables
//
//   - WARDEN_CONFIG: Path to configuration file (default: warden.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigName is used when neither --config nor WARDEN_CONFIG is
// set.
const defaultConfigName = "warden.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - Policy-governed conversational agent runtime",
		Long: `Warden runs a conversational agent behind a deny-by-default policy
engine. Inbound webhooks become threads, an orchestrator step loop
drives the model and its tools, and every decision lands in an
append-only, trace-correlated event log.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildStatusCmd(),
		buildEventsCmd(),
		buildUnlockCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the WARDEN_CONFIG fallback when the flag is
// left at its default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("WARDEN_CONFIG")); env != "" {
			return env
		}
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigName
	}
	return path
}
