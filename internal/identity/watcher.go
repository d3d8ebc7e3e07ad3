package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/trace"
)

// reloadDebounce coalesces the burst of write events editors produce.
const reloadDebounce = 250 * time.Millisecond

// Watcher serves the current bundle and hot-reloads it when the bundle
// directory changes. Swap is atomic: readers either see the old bundle
// or the new one, never a partial load. A failed reload keeps the
// previous bundle and records agent.bundle.reload_failed.
type Watcher struct {
	dir     string
	log     *events.Log
	logger  *slog.Logger
	current atomic.Pointer[Bundle]
}

// NewWatcher loads the bundle once; the initial load must succeed.
func NewWatcher(dir string, log *events.Log, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:    dir,
		log:    log,
		logger: logger.With("component", "identity", "bundle", dir),
	}
	b, err := LoadBundle(dir)
	if err != nil {
		return nil, fmt.Errorf("initial bundle load: %w", err)
	}
	w.current.Store(b)
	return w, nil
}

// Current returns the active bundle.
func (w *Watcher) Current() *Bundle {
	return w.current.Load()
}

// Watch blocks until ctx is done, reloading the bundle on filesystem
// changes.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("bundle watcher error", "error", err)
		case <-reload:
			w.Reload(ctx)
		}
	}
}

// Reload attempts a fresh load and swaps it in on success.
func (w *Watcher) Reload(ctx context.Context) {
	b, err := LoadBundle(w.dir)
	if err != nil {
		w.logger.Error("bundle reload failed, keeping previous", "error", err)
		if w.log != nil {
			if trace.TraceID(ctx) == "" {
				ctx, _ = trace.NewRoot(ctx)
			}
			_, emitErr := w.log.Emit(ctx, events.AgentBundleReload, "identity",
				events.Actor{Kind: events.ActorSystem, ID: "bundle-watcher"},
				map[string]any{"bundle": w.dir, "error": err.Error()})
			if emitErr != nil {
				w.logger.Warn("failed to record reload failure", "error", emitErr)
			}
		}
		return
	}
	w.current.Store(b)
	w.logger.Info("bundle reloaded", "agent", b.Name)
}
