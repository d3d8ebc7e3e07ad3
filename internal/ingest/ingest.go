// Package ingest is the channel-agnostic inbound pipeline. Adapters
// turn raw channel payloads into the normalized inbound shape; the core
// then dedupes on (channel, external_id), resolves user and thread,
// persists the message, records channel.inbound, and enqueues an agent
// step.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/trace"
)

// Inbound is a routable message extracted from a channel payload.
type Inbound struct {
	// ExternalID is the channel's delivery identifier, unique per
	// channel.
	ExternalID string

	// Sender is the channel's identifier for the author.
	Sender string

	Content   string
	MediaRef  string
	MediaMIME string
}

// Adapter translates one channel's wire format. Parse returns
// (nil, nil) for recognized no-ops: receipts, reactions, and status
// updates are acknowledged but never routed.
type Adapter interface {
	Channel() string
	Parse(payload []byte) (*Inbound, error)
}

// TaskQueue is the enqueue surface; the runner implements it.
type TaskQueue interface {
	Enqueue(ctx context.Context, lane, handler string, payload map[string]any, threadID string) (string, error)
}

// Receipt reports what ingestion did with a payload.
type Receipt struct {
	// Routed is true when a message was persisted and a step enqueued.
	Routed bool

	// Duplicate is true when the delivery was already seen.
	Duplicate bool

	ThreadID  string
	MessageID string
	TaskID    string
}

// Config tunes ingestion.
type Config struct {
	// Lane receives the enqueued step. Default agent_default;
	// priority channels may use agent_priority.
	Lane string

	// Handler names the step handler. Default agent_step.
	Handler string

	// Agents seeds new threads' participant list.
	Agents []string
}

func (c *Config) fill() {
	if c.Lane == "" {
		c.Lane = "agent_default"
	}
	if c.Handler == "" {
		c.Handler = "agent_step"
	}
	if len(c.Agents) == 0 {
		c.Agents = []string{"primary"}
	}
}

// Ingestor runs the inbound pipeline.
type Ingestor struct {
	cfg    Config
	store  *storage.Store
	log    *events.Log
	tasks  TaskQueue
	logger *slog.Logger
}

// New wires an ingestor.
func New(cfg Config, store *storage.Store, log *events.Log, tasks TaskQueue, logger *slog.Logger) *Ingestor {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		cfg:    cfg,
		store:  store,
		log:    log,
		tasks:  tasks,
		logger: logger.With("component", "ingest"),
	}
}

// Handle processes one raw payload through the adapter and the core
// pipeline. Duplicates and no-ops are acknowledged without routing.
func (i *Ingestor) Handle(ctx context.Context, adapter Adapter, payload []byte) (*Receipt, error) {
	channel := adapter.Channel()
	msg, err := adapter.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", channel, err)
	}
	if msg == nil {
		return &Receipt{}, nil
	}
	return i.Route(ctx, channel, msg)
}

// Route runs the core pipeline on an already-parsed inbound message.
func (i *Ingestor) Route(ctx context.Context, channel string, msg *Inbound) (*Receipt, error) {
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}

	// Dedup short-circuit: the delivery record insert is the atomic
	// claim on this (channel, external_id).
	fresh, err := i.store.RecordDelivery(ctx, channel, msg.ExternalID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		i.logger.Debug("duplicate delivery", "channel", channel, "external_id", msg.ExternalID)
		return &Receipt{Duplicate: true}, nil
	}

	userID, err := i.store.GetOrCreateUser(ctx, channel, msg.Sender)
	if err != nil {
		return nil, err
	}
	thread, err := i.thread(ctx, channel, userID)
	if err != nil {
		return nil, err
	}

	stored := &storage.Message{
		ThreadID:   thread.ID,
		Role:       "user",
		Content:    msg.Content,
		MediaRef:   msg.MediaRef,
		MediaMIME:  msg.MediaMIME,
		DeliveryID: msg.ExternalID,
	}
	if err := i.store.InsertMessage(ctx, stored); err != nil {
		return nil, err
	}

	actor := events.Actor{Kind: events.ActorUser, ID: userID}
	if _, err := i.log.Emit(ctx, events.ChannelInbound, "ingest", actor, map[string]any{
		"channel":     channel,
		"external_id": msg.ExternalID,
		"message_id":  stored.ID,
		"has_media":   msg.MediaRef != "",
	}, events.WithThread(thread.ID)); err != nil {
		return nil, err
	}

	taskID, err := i.tasks.Enqueue(ctx, i.cfg.Lane, i.cfg.Handler, map[string]any{
		"thread_id":  thread.ID,
		"trigger_id": stored.ID,
		"source":     "message",
	}, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("enqueue step: %w", err)
	}

	return &Receipt{
		Routed:    true,
		ThreadID:  thread.ID,
		MessageID: stored.ID,
		TaskID:    taskID,
	}, nil
}

// thread returns the user's open thread on the channel, creating a
// fresh one when none exists or the previous one was closed.
func (i *Ingestor) thread(ctx context.Context, channel, userID string) (*storage.Thread, error) {
	thread, err := i.store.FindOpenThread(ctx, channel, userID)
	if err != nil {
		return nil, err
	}
	if thread != nil {
		return thread, nil
	}
	thread = &storage.Thread{
		UserID:  userID,
		Channel: channel,
		Agents:  i.cfg.Agents,
	}
	if err := i.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}
