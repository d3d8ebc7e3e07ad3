// Package cron dispatches scheduled agent work. Expressions are
// standard 5-field cron plus the "@every:<seconds>" shorthand, which
// fires on epoch-aligned multiples so restarts do not drift the
// cadence. Dispatch is made exactly-once per (schedule, due instant)
// by an insert into schedule_dispatches.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/runner"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/trace"
)

// DefaultTick is the cadence the serve wiring dispatches Tick at when
// the config is silent.
const DefaultTick = 30 * time.Second

// Config tunes schedule evaluation.
type Config struct {
	// CatchupWindow bounds how far back missed instants are replayed
	// after downtime. Default 1h.
	CatchupWindow time.Duration

	// GlobalCatchupCap bounds replayed instants per schedule per tick
	// regardless of the schedule's own cap. Default 20.
	GlobalCatchupCap int

	// Lane and Handler name the task enqueued per trigger.
	Lane    string
	Handler string
}

func (c *Config) defaults() {
	if c.CatchupWindow <= 0 {
		c.CatchupWindow = time.Hour
	}
	if c.GlobalCatchupCap <= 0 {
		c.GlobalCatchupCap = 20
	}
	if c.Lane == "" {
		c.Lane = runner.LaneAgentDefault
	}
	if c.Handler == "" {
		c.Handler = "agent_step"
	}
}

// Scheduler polls the schedule table and enqueues due work.
type Scheduler struct {
	cfg    Config
	store  *storage.Store
	log    *events.Log
	tasks  *runner.Runner
	parser robfig.Parser
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler. It runs no goroutine of its own; the task
// runner's periodic supervisor dispatches Tick on a cadence.
func New(cfg Config, store *storage.Store, log *events.Log, tasks *runner.Runner, opts ...Option) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		log:    log,
		tasks:  tasks,
		parser: robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow),
		logger: slog.Default().With("component", "cron"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick processes all enabled schedules once. Failures in one schedule
// never block the others.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Error("failed to load schedules", "error", err)
		return
	}
	for _, sch := range schedules {
		if err := s.dispatch(ctx, sch, now); err != nil {
			s.logger.Error("schedule dispatch failed", "schedule_id", sch.ID, "error", err)
			s.emitError(ctx, sch.ID, err.Error())
		}
	}
}

// Parse validates a schedule expression.
func (s *Scheduler) Parse(expr string) (robfig.Schedule, error) {
	if rest, ok := strings.CutPrefix(expr, "@every:"); ok {
		secs, err := strconv.Atoi(rest)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid @every interval %q", rest)
		}
		return epochAligned{interval: time.Duration(secs) * time.Second}, nil
	}
	return s.parser.Parse(expr)
}

func (s *Scheduler) dispatch(ctx context.Context, sch *storage.Schedule, now time.Time) error {
	if sch.ThreadID == "" {
		if sch.UserID == "" {
			s.emitError(ctx, sch.ID, "schedule has no thread")
			return nil
		}
		if err := s.bindThread(ctx, sch); err != nil {
			return fmt.Errorf("bind schedule thread: %w", err)
		}
	}
	spec, err := s.Parse(sch.CronExpr)
	if err != nil {
		s.emitError(ctx, sch.ID, fmt.Sprintf("invalid cron expression: %v", err))
		return nil
	}

	from := sch.LastDispatchedAt
	if floor := now.Add(-s.cfg.CatchupWindow); from.Before(floor) {
		from = floor
	}

	limit := sch.CatchupCap
	if limit <= 0 || limit > s.cfg.GlobalCatchupCap {
		limit = s.cfg.GlobalCatchupCap
	}

	var last time.Time
	fired := 0
	for due := spec.Next(from); !due.After(now) && fired < limit; due = spec.Next(due) {
		claimed, err := s.store.InsertDispatch(ctx, sch.ID, due)
		if err != nil {
			return fmt.Errorf("claim dispatch: %w", err)
		}
		last = due
		if !claimed {
			// Another instance already owns this instant.
			continue
		}
		fired++
		if err := s.trigger(ctx, sch, due); err != nil {
			return err
		}
	}
	if !last.IsZero() && last.After(sch.LastDispatchedAt) {
		if err := s.store.MarkDispatched(ctx, sch.ID, last); err != nil {
			return fmt.Errorf("advance high-water mark: %w", err)
		}
	}
	return nil
}

// bindThread creates the dedicated thread for a schedule that has an
// owner but no thread yet. Creation and binding happen in one
// transaction, so a crash leaves the schedule cleanly thread-less.
func (s *Scheduler) bindThread(ctx context.Context, sch *storage.Schedule) error {
	t := &storage.Thread{UserID: sch.UserID, Channel: "cron"}
	if sch.Agent != "" {
		t.Agents = []string{sch.Agent}
	}
	if err := s.store.AttachScheduleThread(ctx, sch.ID, t); err != nil {
		return err
	}
	sch.ThreadID = t.ID
	s.logger.Info("bound new thread to schedule", "schedule_id", sch.ID, "thread_id", t.ID)
	return nil
}

func (s *Scheduler) trigger(ctx context.Context, sch *storage.Schedule, due time.Time) error {
	tctx, _ := trace.NewRoot(ctx)
	if s.log != nil {
		_, err := s.log.Emit(tctx, events.ScheduleTrigger, "cron",
			events.Actor{Kind: events.ActorSchedule, ID: sch.ID},
			map[string]any{
				"schedule_id": sch.ID,
				"due_at":      due.Format(time.RFC3339Nano),
				"cron_expr":   sch.CronExpr,
			}, events.WithThread(sch.ThreadID))
		if err != nil {
			return fmt.Errorf("record trigger: %w", err)
		}
	}

	payload := map[string]any{
		"schedule_id": sch.ID,
		"thread_id":   sch.ThreadID,
		"due_at":      due.Format(time.RFC3339Nano),
		"source":      "schedule",
	}
	if _, err := s.tasks.Enqueue(tctx, s.cfg.Lane, s.cfg.Handler, payload, sch.ThreadID); err != nil {
		return fmt.Errorf("enqueue scheduled step: %w", err)
	}
	return nil
}

func (s *Scheduler) emitError(ctx context.Context, scheduleID, reason string) {
	if s.log == nil {
		return
	}
	tctx, _ := trace.NewRoot(ctx)
	_, err := s.log.Emit(tctx, events.ScheduleError, "cron",
		events.Actor{Kind: events.ActorSchedule, ID: scheduleID},
		map[string]any{"schedule_id": scheduleID, "reason": reason})
	if err != nil {
		s.logger.Warn("failed to record schedule error", "schedule_id", scheduleID, "error", err)
	}
}

// epochAligned fires on multiples of the interval since the Unix
// epoch, independent of when the process started.
type epochAligned struct {
	interval time.Duration
}

func (e epochAligned) Next(t time.Time) time.Time {
	secs := int64(e.interval / time.Second)
	next := (t.Unix()/secs + 1) * secs
	return time.Unix(next, 0).UTC()
}
