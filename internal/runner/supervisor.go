package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Periodic is one recurring dispatch: enqueue the handler on its lane
// every interval.
type Periodic struct {
	Handler  string
	Lane     string
	Interval time.Duration
}

// Supervisor owns the periodic dispatch table. One goroutine wakes on a
// coarse tick, computes which handlers are due, and enqueues them.
type Supervisor struct {
	runner  *Runner
	logger  *slog.Logger
	entries []Periodic
	tick    time.Duration
	now     func() time.Time
}

// NewSupervisor builds the supervisor. The wake granularity defaults
// to one second.
func NewSupervisor(r *Runner, entries []Periodic, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		runner:  r,
		logger:  logger.With("component", "supervisor"),
		entries: entries,
		tick:    time.Second,
		now:     time.Now,
	}
}

// Run blocks until ctx is done, dispatching due handlers.
func (s *Supervisor) Run(ctx context.Context) error {
	next := make([]time.Time, len(s.entries))
	start := s.now()
	for i := range s.entries {
		next[i] = start.Add(s.entries[i].Interval)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.now()
			for i, entry := range s.entries {
				if now.Before(next[i]) {
					continue
				}
				next[i] = now.Add(entry.Interval)
				_, err := s.runner.Enqueue(ctx, entry.Lane, entry.Handler, nil, "")
				switch {
				case err == nil:
				case errors.Is(err, ErrClosed):
					return nil
				case errors.Is(err, ErrLaneFull):
					// The lane is saturated; the next wake retries.
					s.logger.Warn("periodic dispatch skipped, lane full",
						"handler", entry.Handler, "lane", entry.Lane)
				default:
					s.logger.Error("periodic dispatch failed",
						"handler", entry.Handler, "error", err)
				}
			}
		}
	}
}
