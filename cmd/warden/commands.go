// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its
// handler.
package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Warden agent runtime",
		Long: `Start the Warden runtime with all configured subsystems.

The server will:
1. Load configuration from the specified file (or warden.yaml)
2. Open the database and apply pending migrations
3. Load agent identity bundles and watch them for edits
4. Initialize LLM providers (Anthropic, OpenAI) behind the router
5. Start the task runner lanes, cron scheduler, and webhook ingress
6. Serve the Prometheus endpoint on the metrics address

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  warden serve

  # Start with custom config
  warden serve --config /etc/warden/production.yaml

  # Start with debug logging
  warden serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildMigrateCmd creates the "migrate" command that applies the schema
// to the configured database and exits.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")

	return cmd
}

// buildStatusCmd creates the "status" command. It queries the running
// server's admin endpoint.
func buildStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runtime state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080",
		"Base URL of the running server")

	return cmd
}

// buildEventsCmd creates the "events" command that prints the audit
// trail straight from the database.
func buildEventsCmd() *cobra.Command {
	var (
		configPath string
		traceID    string
		threadID   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the append-only event log",
		Long: `Print audit events from the database. With --trace the events of one
execution are rendered as a span tree; otherwise the newest events are
listed flat.`,
		Example: `  # The last 50 events
  warden events

  # One execution as a tree
  warden events --trace trc_abc123

  # Everything that happened in a thread
  warden events --thread thr_abc123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), resolveConfigPath(configPath), traceID, threadID, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&traceID, "trace", "", "Render one trace as a span tree")
	cmd.Flags().StringVar(&threadID, "thread", "", "Filter to one thread")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to print")

	return cmd
}

// buildUnlockCmd creates the "unlock" command that clears a lockdown on
// a running server.
func buildUnlockCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "unlock <code>",
		Short: "Clear lockdown with the issued unlock code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnlock(cmd.Context(), addr, args[0])
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080",
		"Base URL of the running server")

	return cmd
}
