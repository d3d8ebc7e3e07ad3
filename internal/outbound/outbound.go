// Package outbound delivers assistant messages back to their channels.
// Sends retry transient failures with jittered backoff; a message that
// exhausts its attempts is recorded as channel.outbound.failed and left
// for operator replay.
package outbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/warden/internal/backoff"
	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/trace"
)

// DefaultMaxAttempts bounds delivery retries.
const DefaultMaxAttempts = 3

// Message is one outbound delivery.
type Message struct {
	ThreadID  string
	MessageID string
	Content   string
	MediaRef  string
	MediaMIME string
}

// Sender is one channel's delivery adapter. Send errors should be
// classified; only transient kinds are retried.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg *Message) error
}

// Config tunes the dispatcher.
type Config struct {
	// MaxAttempts per message. Default 3.
	MaxAttempts int

	// Backoff between attempts. Zero value uses the send default
	// (500ms base, 8s cap).
	Backoff backoff.Policy
}

func (c *Config) fill() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.SendPolicy()
	}
}

// Dispatcher routes outbound messages to their channel senders.
type Dispatcher struct {
	cfg     Config
	senders map[string]Sender
	log     *events.Log
	logger  *slog.Logger
}

// NewDispatcher wires the dispatcher over the given senders.
func NewDispatcher(cfg Config, log *events.Log, logger *slog.Logger, senders ...Sender) *Dispatcher {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		senders: make(map[string]Sender, len(senders)),
		log:     log,
		logger:  logger.With("component", "outbound"),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	return d
}

// Send delivers one message, retrying transient failures. The returned
// error is the classified final failure.
func (d *Dispatcher) Send(ctx context.Context, channel string, msg *Message) error {
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}
	sender, ok := d.senders[channel]
	if !ok {
		return errdef.Newf(errdef.PermanentValidation, "no sender for channel %q", channel)
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := sender.Send(ctx, msg)
		if err == nil {
			d.emit(ctx, events.ChannelOutbound, channel, msg, map[string]any{
				"attempts": attempt,
			})
			return nil
		}
		lastErr = errdef.Classify(err)
		if !errdef.IsTransient(lastErr) {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			if sleepErr := backoff.SleepAttempt(ctx, d.cfg.Backoff, attempt-1); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	d.logger.Error("outbound delivery failed",
		"channel", channel, "message_id", msg.MessageID, "error", lastErr)
	d.emit(ctx, events.ChannelOutboundFail, channel, msg, map[string]any{
		"error":    fmt.Sprintf("%v", lastErr),
		"attempts": d.cfg.MaxAttempts,
	})
	return lastErr
}

func (d *Dispatcher) emit(ctx context.Context, typ events.Type, channel string, msg *Message, extra map[string]any) {
	if d.log == nil {
		return
	}
	payload := map[string]any{
		"channel":    channel,
		"message_id": msg.MessageID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := d.log.Emit(ctx, typ, "outbound",
		events.Actor{Kind: events.ActorSystem, ID: "outbound"},
		payload, events.WithThread(msg.ThreadID)); err != nil {
		d.logger.Warn("failed to record outbound event", "type", string(typ), "error", err)
	}
}
