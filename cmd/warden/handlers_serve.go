// handlers_serve.go wires the full runtime behind the "serve" command:
// storage, the event log, state, identity bundles, providers, tools,
// the task runner, the orchestrator, compaction, cron, webhook ingress,
// outbound delivery, and the self-update pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/haasonsaas/warden/internal/compaction"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/cron"
	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/identity"
	"github.com/haasonsaas/warden/internal/ingest"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/orchestrator"
	"github.com/haasonsaas/warden/internal/outbound"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/runner"
	"github.com/haasonsaas/warden/internal/selfupdate"
	"github.com/haasonsaas/warden/internal/state"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/tools"
)

// maxWebhookBody bounds one inbound payload.
const maxWebhookBody = 1 << 20

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName: "warden",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Environment: cfg.Tracing.Environment,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	store := storage.NewStore(db)

	metrics := observability.NewMetrics()
	log := events.NewLog(
		metrics.InstrumentStore(events.NewSQLiteStore(db)),
		events.WithRetainFull(cfg.Events.RetainFull),
		events.WithLogger(logger),
	)
	if n, err := log.SweepOrphans(ctx); err != nil {
		logger.Warn("orphan sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("closed orphaned tool calls", "count", n)
	}

	sys, err := state.NewManager(ctx, state.NewSQLiteStore(db), log, state.WithLogger(logger))
	if err != nil {
		return err
	}

	watchers := make(map[string]*identity.Watcher, len(cfg.Agents.Roster))
	for _, name := range cfg.Agents.Roster {
		w, err := identity.NewWatcher(filepath.Join(cfg.Agents.Dir, name), log, logger)
		if err != nil {
			return fmt.Errorf("load agent %q: %w", name, err)
		}
		watchers[name] = w
		go func(name string, w *identity.Watcher) {
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("identity watch stopped", "agent", name, "error", err)
			}
		}(name, w)
	}
	primary, ok := watchers[cfg.Agents.Primary()]
	if !ok {
		return errdef.Newf(errdef.PermanentValidation, "primary agent %q not in roster", cfg.Agents.Primary())
	}

	router, err := buildRouter(cfg, log, logger)
	if err != nil {
		return err
	}

	mem := memory.NewSQLiteStore(db, memory.NewHashEmbedder(0))

	registry, err := buildRegistry(cfg, log, sys)
	if err != nil {
		return err
	}
	runtime := tools.NewRuntime(registry, log, sys, tools.Config{
		MaxTimeout: cfg.Tools.MaxTimeout.Std(),
		OutputCap:  cfg.Tools.OutputCap,
		SpillDir:   cfg.Tools.SpillDir,
	}, logger)

	lanes := runner.DefaultLanes()
	for name, lc := range cfg.Runner.Lanes {
		lanes[name] = runner.LaneConfig{QueueDepth: lc.QueueDepth, Workers: lc.Workers}
	}
	tasks := runner.New(lanes, log, runner.WithLogger(logger))
	defer tasks.Shutdown(10 * time.Second)

	skills, err := loadSkills(cfg.Orchestrator)
	if err != nil {
		return err
	}
	orch := orchestrator.New(orchestrator.Config{
		TailTurns:          cfg.Orchestrator.TailTurns,
		RetrieveK:          cfg.Orchestrator.RetrieveK,
		Temperature:        cfg.Orchestrator.Temperature,
		MaxTokens:          cfg.Orchestrator.MaxTokens,
		SynthesisMaxTokens: cfg.Orchestrator.SynthesisMaxTokens,
		Skills:             skills,
	}, store, mem, router, runtime, log, primary,
		orchestrator.WithLogger(logger), orchestrator.WithTaskQueue(tasks))

	dispatcher := buildDispatcher(cfg, log, logger)
	tasks.Register(&runner.HandlerSpec{
		Name:              "agent_step",
		SerializeByThread: true,
		Fn:                stepHandler(orch, store, dispatcher, cfg.Outbound.Webhooks),
	})

	comp := compaction.New(compaction.Config{}, store, mem, router, log, logger)
	tasks.Register(comp.Spec())

	tasks.Register(&runner.HandlerSpec{
		Name: "orphan_sweep",
		Fn: func(ctx context.Context, _ *runner.Task) error {
			_, err := log.SweepOrphans(ctx)
			return err
		},
	})
	sched := cron.New(cron.Config{
		CatchupWindow:    cfg.Cron.CatchupWindow.Std(),
		GlobalCatchupCap: cfg.Cron.GlobalCatchupCap,
	}, store, log, tasks, cron.WithLogger(logger))
	tasks.Register(&runner.HandlerSpec{
		Name: "scheduler_tick",
		Fn: func(ctx context.Context, _ *runner.Task) error {
			sched.Tick(ctx)
			return nil
		},
	})

	cronTick := cfg.Cron.Tick.Std()
	if cronTick <= 0 {
		cronTick = cron.DefaultTick
	}
	sup := runner.NewSupervisor(tasks, []runner.Periodic{
		{Handler: "scheduler_tick", Lane: runner.LaneToolsIO, Interval: cronTick},
		{Handler: "orphan_sweep", Lane: runner.LaneToolsIO, Interval: 10 * time.Minute},
	}, logger)
	go func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor stopped", "error", err)
		}
	}()

	if cfg.SelfUpdate.Enabled {
		pipe := selfupdate.New(selfupdate.Config{
			RepoRoot:       cfg.SelfUpdate.RepoRoot,
			MirrorDir:      cfg.SelfUpdate.MirrorDir,
			PathAllowlist:  cfg.SelfUpdate.PathAllowlist,
			IdentityFiles:  identityFiles(cfg),
			Profile:        cfg.SelfUpdate.Profile,
			TestGate:       cfg.SelfUpdate.TestGate,
			SmokeCommands:  cfg.SelfUpdate.SmokeCommands,
			RestartCommand: cfg.SelfUpdate.RestartCommand,
			Guardrails: selfupdate.Guardrails{
				MaxFilesPerPatch:       cfg.SelfUpdate.Guardrails.MaxFilesPerPatch,
				MaxRiskScore:           cfg.SelfUpdate.Guardrails.MaxRiskScore,
				MaxPatchAttemptsPerDay: cfg.SelfUpdate.Guardrails.MaxPatchAttemptsPerDay,
				MaxPRsPerDay:           cfg.SelfUpdate.Guardrails.MaxPRsPerDay,
			},
			VerifyChecks:   cfg.SelfUpdate.VerifyChecks,
			VerifyInterval: cfg.SelfUpdate.VerifyInterval.Std(),
			VerifyWindow:   cfg.SelfUpdate.VerifyWindow.Std(),
			RollbackWindow: cfg.SelfUpdate.RollbackWindow.Std(),
		}, store, log, sys, selfupdate.WithLogger(logger))
		if err := pipe.Recover(ctx); err != nil {
			logger.Error("self-update recovery failed", "error", err)
		}
	}

	ing := ingest.New(ingest.Config{
		Lane:    cfg.Ingest.Lane,
		Handler: cfg.Ingest.Handler,
		Agents:  cfg.Agents.Roster,
	}, store, log, tasks, logger)

	mux := buildMux(cfg, ing, sys, metrics)
	server := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	return nil
}

// buildRouter assembles the provider chain from whatever keys are
// configured. Anthropic is primary when present; OpenAI fills in as
// primary or fallback.
func buildRouter(cfg *config.Config, log *events.Log, logger *slog.Logger) (*providers.Router, error) {
	var anthropic, openai providers.Provider
	var err error

	if cfg.Providers.Anthropic.APIKey != "" {
		anthropic, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:      cfg.Providers.Anthropic.APIKey,
			BaseURL:     cfg.Providers.Anthropic.BaseURL,
			Model:       cfg.Providers.Anthropic.Model,
			MaxTokens:   cfg.Providers.Anthropic.MaxTokens,
			TokenBudget: cfg.Providers.Anthropic.TokenBudget,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		openai, err = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:      cfg.Providers.OpenAI.APIKey,
			BaseURL:     cfg.Providers.OpenAI.BaseURL,
			Model:       cfg.Providers.OpenAI.Model,
			MaxTokens:   cfg.Providers.OpenAI.MaxTokens,
			TokenBudget: cfg.Providers.OpenAI.TokenBudget,
		})
		if err != nil {
			return nil, err
		}
	}

	primary, fallback := anthropic, openai
	if primary == nil {
		primary, fallback = openai, nil
	}
	return providers.NewRouter(primary, fallback, log, providers.RouterConfig{
		HealthTTL:     cfg.Providers.Router.HealthTTL.Std(),
		QuotaCooldown: cfg.Providers.Router.QuotaCooldown.Std(),
	}, logger), nil
}

func buildRegistry(cfg *config.Config, log *events.Log, sys *state.Manager) (*tools.Registry, error) {
	list := []*tools.Tool{
		tools.NewStatusTool(sys),
		tools.NewEventsSearchTool(log),
		tools.NewUnlockTool(sys),
	}
	if cfg.Tools.Exec.Enabled {
		exec, err := tools.NewExecHostTool(tools.ExecHostConfig{
			EnvAllowlist:  cfg.Tools.Exec.EnvAllowlist,
			DenyPatterns:  cfg.Tools.Exec.DenyPatterns,
			CwdAllowlist:  cfg.Tools.Exec.CwdAllowlist,
			Sandbox:       cfg.Tools.Exec.Sandbox,
			MemoryLimitMB: cfg.Tools.Exec.MemoryLimitMB,
			CPULimitSecs:  cfg.Tools.Exec.CPULimitSecs,
			Timeout:       cfg.Tools.Exec.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		list = append(list, exec)
	}
	return tools.NewRegistry(list...), nil
}

func buildDispatcher(cfg *config.Config, log *events.Log, logger *slog.Logger) *outbound.Dispatcher {
	senders := make([]outbound.Sender, 0, len(cfg.Outbound.Webhooks))
	for channel, url := range cfg.Outbound.Webhooks {
		senders = append(senders, outbound.NewWebhookSender(channel, url, nil))
	}
	return outbound.NewDispatcher(outbound.Config{
		MaxAttempts: cfg.Outbound.MaxAttempts,
	}, log, logger, senders...)
}

// stepHandler adapts the orchestrator to the runner and delivers the
// resulting assistant message back over the thread's channel, when one
// has an outbound webhook.
func stepHandler(orch *orchestrator.Orchestrator, store *storage.Store,
	dispatcher *outbound.Dispatcher, webhooks map[string]string) runner.Handler {
	return func(ctx context.Context, task *runner.Task) error {
		threadID, _ := task.Payload["thread_id"].(string)
		if threadID == "" {
			return errdef.New(errdef.PermanentValidation, "agent_step task requires thread_id")
		}
		source, _ := task.Payload["source"].(string)
		triggerID, _ := task.Payload["trigger_id"].(string)

		res, err := orch.Step(ctx, orchestrator.StepRequest{
			ThreadID:  threadID,
			Source:    source,
			TriggerID: triggerID,
		})
		if err != nil {
			return err
		}
		if res.Text == "" {
			return nil
		}

		thread, err := store.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if _, ok := webhooks[thread.Channel]; !ok {
			return nil
		}
		return dispatcher.Send(ctx, thread.Channel, &outbound.Message{
			ThreadID:  threadID,
			MessageID: res.MessageID,
			Content:   res.Text,
		})
	}
}

// loadSkills reads the pinned skill documents named in the config.
func loadSkills(cfg config.OrchestratorConfig) ([]orchestrator.Skill, error) {
	var skills []orchestrator.Skill
	for _, name := range cfg.Skills {
		path := filepath.Join(cfg.SkillsDir, name+".md")
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load skill %q: %w", name, err)
		}
		skills = append(skills, orchestrator.Skill{Name: name, Text: string(raw)})
	}
	return skills, nil
}

// identityFiles lists the repo-relative identity documents the
// self-update pipeline must refuse to touch.
func identityFiles(cfg *config.Config) []string {
	files := make([]string, 0, len(cfg.Agents.Roster))
	for _, name := range cfg.Agents.Roster {
		files = append(files, filepath.Join(cfg.Agents.Dir, name, "identity.md"))
	}
	return files
}

// buildMux mounts the webhook ingress and the admin endpoints.
func buildMux(cfg *config.Config, ing *ingest.Ingestor, sys *state.Manager,
	metrics *observability.Metrics) *http.ServeMux {
	mux := http.NewServeMux()

	for _, channel := range cfg.Ingest.Channels {
		adapter := &ingest.WebhookAdapter{Name: channel}
		path := "/webhook/" + channel
		mux.Handle("POST "+path, instrument(metrics, path, webhookHandler(ing, adapter)))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /admin/status", func(w http.ResponseWriter, r *http.Request) {
		snap := sys.Snapshot()
		writeJSON(w, http.StatusOK, statusResponse{
			Version:        version,
			Lockdown:       snap.Lockdown,
			LockdownReason: snap.LockdownReason,
			Restarting:     snap.Restarting,
			StateVersion:   snap.Version,
			UpdatedAt:      snap.UpdatedAt,
		})
	})
	mux.HandleFunc("POST /admin/unlock", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		actor := events.Actor{Kind: events.ActorUser, ID: "admin"}
		if err := sys.Unlock(r.Context(), body.Code, actor); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"unlocked": true})
	})

	return mux
}

func webhookHandler(ing *ingest.Ingestor, adapter *ingest.WebhookAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		receipt, err := ing.Handle(r.Context(), adapter, payload)
		if err != nil {
			code := http.StatusInternalServerError
			if errdef.KindOf(err) == errdef.PermanentValidation {
				code = http.StatusBadRequest
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"routed":     receipt.Routed,
			"duplicate":  receipt.Duplicate,
			"thread_id":  receipt.ThreadID,
			"message_id": receipt.MessageID,
		})
	}
}

// instrument wraps a handler with the ingress latency histogram.
func instrument(metrics *observability.Metrics, path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, path, strconv.Itoa(rec.code)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
