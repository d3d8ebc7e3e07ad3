// Package runner is the in-process task runtime: named lanes of
// bounded FIFO queues drained by worker pools, with per-key
// serialization, classified retries, and dead-lettering.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/backoff"
	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/ids"
	"github.com/haasonsaas/warden/internal/trace"
)

// The standard lanes. Configuration may add more but these always
// exist.
const (
	LaneAgentPriority = "agent_priority"
	LaneAgentDefault  = "agent_default"
	LaneToolsIO       = "tools_io"
	LaneLocalLLM      = "local_llm"
)

// shutdownGrace bounds how long Shutdown waits for workers after
// cancelling them. A handler that ignores its context is abandoned
// rather than wedging the process exit.
const shutdownGrace = 2 * time.Second

// Sentinel errors for submission failures.
var (
	ErrLaneFull      = errors.New("runner: lane queue full")
	ErrUnknownLane   = errors.New("runner: unknown lane")
	ErrClosed        = errors.New("runner: shutting down")
	ErrNoSuchHandler = errors.New("runner: unknown handler")
)

// LaneConfig sizes one lane.
type LaneConfig struct {
	// QueueDepth bounds the FIFO; enqueue fails with ErrLaneFull past
	// it.
	QueueDepth int

	// Workers is the number of goroutines draining the lane.
	Workers int
}

// DefaultLanes returns the standard lane set.
func DefaultLanes() map[string]LaneConfig {
	return map[string]LaneConfig{
		LaneAgentPriority: {QueueDepth: 64, Workers: 2},
		LaneAgentDefault:  {QueueDepth: 128, Workers: 4},
		LaneToolsIO:       {QueueDepth: 256, Workers: 8},
		LaneLocalLLM:      {QueueDepth: 16, Workers: 1},
	}
}

// Handler executes one task.
type Handler func(ctx context.Context, task *Task) error

// HandlerSpec registers a handler with its retry and serialization
// behavior.
type HandlerSpec struct {
	Name string
	Fn   Handler

	// MaxAttempts bounds retries for transient failures. Default 3.
	MaxAttempts int

	// SerializeByThread runs at most one task at a time per
	// (thread_id, handler) key, FIFO within the key.
	SerializeByThread bool

	// Backoff overrides the retry policy. Zero value uses the task
	// default (2s base, 32s cap).
	Backoff backoff.Policy
}

// Task is one unit of queued work.
type Task struct {
	ID           string
	Lane         string
	Handler      string
	Payload      map[string]any
	ThreadID     string
	TraceID      string
	ParentSpanID string
	Attempt      int
	EnqueuedAt   time.Time
}

func (t *Task) serializeKey() string {
	return t.ThreadID + "\x00" + t.Handler
}

type lane struct {
	name    string
	queue   chan *Task
	workers int
}

// Runner owns the lanes and handler table. Construct once at startup.
type Runner struct {
	lanes    map[string]*lane
	handlers map[string]*HandlerSpec
	log      *events.Log
	logger   *slog.Logger
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool

	keyMu   sync.Mutex
	keyBusy map[string]bool
	keyWait map[string][]*Task
}

// Option configures the runner.
type Option func(*Runner)

// WithLogger configures the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger.With("component", "runner")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a runner over the given lanes and starts the workers.
func New(laneCfg map[string]LaneConfig, log *events.Log, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		lanes:    make(map[string]*lane, len(laneCfg)),
		handlers: make(map[string]*HandlerSpec),
		log:      log,
		logger:   slog.Default().With("component", "runner"),
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		keyBusy:  make(map[string]bool),
		keyWait:  make(map[string][]*Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	for name, cfg := range laneCfg {
		if cfg.QueueDepth <= 0 {
			cfg.QueueDepth = 64
		}
		if cfg.Workers <= 0 {
			cfg.Workers = 1
		}
		l := &lane{name: name, queue: make(chan *Task, cfg.QueueDepth), workers: cfg.Workers}
		r.lanes[name] = l
		for i := 0; i < cfg.Workers; i++ {
			r.wg.Add(1)
			go r.work(l)
		}
	}
	return r
}

// Register adds a handler. Must be called before tasks referencing it
// are enqueued.
func (r *Runner) Register(spec *HandlerSpec) {
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = 3
	}
	if spec.Backoff == (backoff.Policy{}) {
		spec.Backoff = backoff.TaskPolicy()
	}
	r.mu.Lock()
	r.handlers[spec.Name] = spec
	r.mu.Unlock()
}

// Enqueue submits a task and returns its id. Order within a lane is
// preserved. An enqueue after shutdown began is the known benign race:
// it records task.dropped_on_shutdown and returns ErrClosed.
func (r *Runner) Enqueue(ctx context.Context, laneName, handler string, payload map[string]any, threadID string) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.recordDropped(ctx, laneName, handler)
		return "", ErrClosed
	}
	l, ok := r.lanes[laneName]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}
	if _, ok := r.handlers[handler]; !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoSuchHandler, handler)
	}

	task := &Task{
		ID:           ids.New(ids.PrefixTask),
		Lane:         laneName,
		Handler:      handler,
		Payload:      payload,
		ThreadID:     threadID,
		TraceID:      trace.TraceID(ctx),
		ParentSpanID: trace.SpanID(ctx),
		EnqueuedAt:   r.now(),
	}
	select {
	case l.queue <- task:
		r.mu.Unlock()
		return task.ID, nil
	default:
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrLaneFull, laneName)
	}
}

// Shutdown stops intake, drains in-flight work until the timeout, then
// cancels the remainder.
func (r *Runner) Shutdown(drainTimeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, l := range r.lanes {
		close(l.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		r.logger.Warn("drain timeout, cancelling in-flight tasks")
		r.cancel()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			r.logger.Error("workers still busy after cancel, abandoning them")
		}
	}
	r.cancel()
}

func (r *Runner) work(l *lane) {
	defer r.wg.Done()
	for task := range l.queue {
		r.dispatch(task)
	}
}

// dispatch routes a task through per-key serialization when the
// handler requires it, otherwise runs it directly.
func (r *Runner) dispatch(task *Task) {
	spec := r.spec(task.Handler)
	if spec == nil {
		r.logger.Error("task references unknown handler", "handler", task.Handler, "task_id", task.ID)
		return
	}
	if !spec.SerializeByThread || task.ThreadID == "" {
		r.run(spec, task)
		return
	}

	key := task.serializeKey()
	r.keyMu.Lock()
	if r.keyBusy[key] {
		r.keyWait[key] = append(r.keyWait[key], task)
		r.keyMu.Unlock()
		return
	}
	r.keyBusy[key] = true
	r.keyMu.Unlock()

	// Run this task, then drain anything that queued behind the key
	// while it ran.
	for current := task; current != nil; {
		r.run(spec, current)

		r.keyMu.Lock()
		if waiting := r.keyWait[key]; len(waiting) > 0 {
			current = waiting[0]
			r.keyWait[key] = waiting[1:]
		} else {
			delete(r.keyWait, key)
			r.keyBusy[key] = false
			current = nil
		}
		r.keyMu.Unlock()
	}
}

// run executes a task with retries per the handler's policy.
func (r *Runner) run(spec *HandlerSpec, task *Task) {
	base := r.baseCtx
	if task.TraceID != "" {
		base, _ = trace.Resume(base, task.TraceID, task.ParentSpanID)
	} else {
		base, _ = trace.NewRoot(base)
	}

	var lastErr error
	for attempt := 1; attempt <= spec.MaxAttempts; attempt++ {
		task.Attempt = attempt
		taskCtx, _ := trace.StartSpan(base)

		err := spec.Fn(taskCtx, task)
		if err == nil {
			return
		}
		lastErr = errdef.Classify(err)
		if !errdef.IsTransient(lastErr) {
			break
		}
		if attempt < spec.MaxAttempts {
			if sleepErr := backoff.SleepAttempt(r.baseCtx, spec.Backoff, attempt-1); sleepErr != nil {
				break // shutdown cancelled the wait
			}
		}
	}

	r.deadLetter(base, task, lastErr)
}

func (r *Runner) deadLetter(ctx context.Context, task *Task, cause error) {
	r.logger.Error("task dead-lettered",
		"task_id", task.ID, "handler", task.Handler, "attempts", task.Attempt, "error", cause)
	if r.log == nil {
		return
	}
	_, err := r.log.Emit(ctx, events.TaskDeadLetter, "runner",
		events.Actor{Kind: events.ActorSystem, ID: "runner"},
		map[string]any{
			"task_id":  task.ID,
			"handler":  task.Handler,
			"error":    fmt.Sprintf("%+v", cause),
			"attempts": task.Attempt,
			"lane":     task.Lane,
		}, events.WithThread(task.ThreadID))
	if err != nil {
		r.logger.Error("failed to record dead letter", "task_id", task.ID, "error", err)
	}
}

func (r *Runner) recordDropped(ctx context.Context, laneName, handler string) {
	r.logger.Warn("task dropped on shutdown", "lane", laneName, "handler", handler)
	if r.log == nil {
		return
	}
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}
	_, err := r.log.Emit(ctx, events.TaskDroppedOnShutdown, "runner",
		events.Actor{Kind: events.ActorSystem, ID: "runner"},
		map[string]any{"lane": laneName, "handler": handler})
	if err != nil {
		r.logger.Warn("failed to record dropped task", "error", err)
	}
}

func (r *Runner) spec(name string) *HandlerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[name]
}
