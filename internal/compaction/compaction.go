// Package compaction maintains the rolling thread summaries the
// orchestrator's prompt assembly consumes. A pass summarizes the
// recent tail through the provider router, rolls the displaced short
// summary into the long history, and indexes the summarized turns as
// retrieval chunks. Passes run as queued tasks, serialized per thread.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/runner"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/trace"
)

// HandlerName is the task handler compaction registers under.
const HandlerName = "compaction"

const systemPrompt = "You maintain a rolling summary of a conversation. " +
	"Produce a concise third-person summary of the decisions, facts, and open " +
	"questions in the transcript, folding in the prior summary. Output only " +
	"the summary text."

// Config tunes a compactor.
type Config struct {
	// Window is the number of tail messages summarized per pass.
	// Default 40.
	Window int

	// MaxTokens bounds the summary generation. Default 512.
	MaxTokens int

	// LongCap truncates the rolled-up long summary, oldest text first.
	// Default 16384 bytes.
	LongCap int
}

func (c *Config) fill() {
	if c.Window <= 0 {
		c.Window = 40
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 512
	}
	if c.LongCap <= 0 {
		c.LongCap = 16384
	}
}

// Memory is the write surface a pass updates.
type Memory interface {
	ThreadSummary(ctx context.Context, threadID string) (memory.Summary, error)
	UpsertSummary(ctx context.Context, threadID string, sum memory.Summary) error
	IndexChunk(ctx context.Context, threadID, text, provenance string) (string, error)
}

// Compactor runs summary passes.
type Compactor struct {
	cfg    Config
	store  *storage.Store
	mem    Memory
	router *providers.Router
	log    *events.Log
	logger *slog.Logger
}

// New wires a compactor.
func New(cfg Config, store *storage.Store, mem Memory, router *providers.Router,
	log *events.Log, logger *slog.Logger) *Compactor {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		cfg:    cfg,
		store:  store,
		mem:    mem,
		router: router,
		log:    log,
		logger: logger.With("component", "compaction"),
	}
}

// Spec returns the runner registration. Passes serialize per thread so
// two triggers for the same thread never interleave.
func (c *Compactor) Spec() *runner.HandlerSpec {
	return &runner.HandlerSpec{
		Name:              HandlerName,
		Fn:                c.handle,
		SerializeByThread: true,
	}
}

func (c *Compactor) handle(ctx context.Context, task *runner.Task) error {
	threadID, _ := task.Payload["thread_id"].(string)
	if threadID == "" {
		return errdef.New(errdef.PermanentValidation, "compaction task requires thread_id")
	}
	return c.Compact(ctx, threadID)
}

// Compact runs one pass for the thread. Provider errors propagate with
// their classification so the runner retries transient outages.
func (c *Compactor) Compact(ctx context.Context, threadID string) error {
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}

	msgs, err := c.store.ThreadTail(ctx, threadID, c.cfg.Window)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	prior, err := c.mem.ThreadSummary(ctx, threadID)
	if err != nil {
		// A missing or unreadable summary starts the roll-up fresh.
		prior = memory.Summary{}
	}

	resp, served, err := c.router.Generate(ctx, &providers.Request{
		System:    systemPrompt,
		Messages:  []providers.Message{{Role: "user", Content: c.renderInput(prior.Short, msgs)}},
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return err
	}
	short := strings.TrimSpace(resp.Text)
	if short == "" {
		return errdef.New(errdef.DegradedMemory, "summary generation returned no text")
	}

	sum := memory.Summary{
		Short: short,
		Long:  rollLong(prior.Long, prior.Short, c.cfg.LongCap),
	}
	if err := c.mem.UpsertSummary(ctx, threadID, sum); err != nil {
		return err
	}

	indexed := 0
	for _, msg := range msgs {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if _, err := c.mem.IndexChunk(ctx, threadID, msg.Content, "msg:"+msg.ID); err != nil {
			c.logger.Warn("failed to index chunk", "thread_id", threadID,
				"message_id", msg.ID, "error", err)
			continue
		}
		indexed++
	}

	if _, err := c.log.Emit(ctx, events.MemoryCompacted, "compaction",
		events.Actor{Kind: events.ActorSystem, ID: "compaction"}, map[string]any{
			"messages": len(msgs),
			"indexed":  indexed,
			"provider": served,
		}, events.WithThread(threadID)); err != nil {
		c.logger.Warn("failed to record compaction", "thread_id", threadID, "error", err)
	}
	return nil
}

// renderInput lays out the prior summary and the transcript for the
// model.
func (c *Compactor) renderInput(priorShort string, msgs []*storage.Message) string {
	var b strings.Builder
	if priorShort != "" {
		b.WriteString("Prior summary:\n")
		b.WriteString(priorShort)
		b.WriteString("\n\n")
	}
	b.WriteString("Transcript:\n")
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// rollLong appends the displaced short summary to the long history and
// trims the oldest text past the cap.
func rollLong(long, displaced string, limit int) string {
	displaced = strings.TrimSpace(displaced)
	if displaced != "" {
		stamp := time.Now().UTC().Format("2006-01-02")
		entry := fmt.Sprintf("[%s] %s", stamp, displaced)
		if long == "" {
			long = entry
		} else {
			long = long + "\n" + entry
		}
	}
	if len(long) > limit {
		cut := long[len(long)-limit:]
		if i := strings.IndexByte(cut, '\n'); i >= 0 && i+1 < len(cut) {
			cut = cut[i+1:]
		}
		long = cut
	}
	return long
}
