package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/trace"
)

// Router defaults.
const (
	DefaultHealthTTL     = 30 * time.Second
	DefaultQuotaCooldown = time.Minute
)

// RouterConfig tunes failover behavior.
type RouterConfig struct {
	// HealthTTL caches health check results.
	HealthTTL time.Duration

	// QuotaCooldown is how long the primary is skipped after quota
	// exhaustion when the server gave no retry-after hint.
	QuotaCooldown time.Duration
}

func (c *RouterConfig) fill() {
	if c.HealthTTL <= 0 {
		c.HealthTTL = DefaultHealthTTL
	}
	if c.QuotaCooldown <= 0 {
		c.QuotaCooldown = DefaultQuotaCooldown
	}
}

type healthEntry struct {
	err       error
	checkedAt time.Time
}

// Router fronts the primary and fallback providers.
type Router struct {
	primary  Provider
	fallback Provider
	log      *events.Log
	logger   *slog.Logger
	cfg      RouterConfig
	now      func() time.Time

	mu              sync.Mutex
	health          map[string]healthEntry
	quotaBlockUntil time.Time
}

// NewRouter wires the two providers. fallback may be nil when only one
// backend is configured.
func NewRouter(primary, fallback Provider, log *events.Log, cfg RouterConfig, logger *slog.Logger) *Router {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		primary:  primary,
		fallback: fallback,
		log:      log,
		logger:   logger.With("component", "providers"),
		cfg:      cfg,
		now:      time.Now,
		health:   make(map[string]healthEntry),
	}
}

// Primary exposes the primary provider for budget lookups.
func (r *Router) Primary() Provider { return r.primary }

// Fallback exposes the fallback provider, nil when unset.
func (r *Router) Fallback() Provider { return r.fallback }

// Generate routes one generation call, recording a model.run.start /
// model.run.end pair per provider attempt. Returns the response and
// the name of the provider that served it.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, string, error) {
	var primaryErr error
	var primaryKind OutageKind

	if r.primaryAvailable() {
		resp, err := r.attempt(ctx, r.primary, req)
		if err == nil {
			return resp, r.primary.Name(), nil
		}
		primaryErr = err
		primaryKind = ClassifyOutage(err)
		if primaryKind == "" {
			// Not an outage: a malformed request would fail on the
			// fallback too.
			return nil, r.primary.Name(), err
		}
		if primaryKind == OutageQuota {
			r.blockQuota(retryAfterHint(err))
		}
	} else {
		primaryKind = OutageQuota
		primaryErr = errdef.New(errdef.DegradedProvider, "primary in quota cooldown")
	}

	if r.fallback == nil {
		return nil, r.primary.Name(), &RouteError{Kind: primaryKind, PrimaryErr: primaryErr}
	}

	r.emitFallback(ctx, primaryKind)

	resp, err := r.attempt(ctx, r.fallback, req)
	if err == nil {
		return resp, r.fallback.Name(), nil
	}

	kind := ClassifyOutage(err)
	if kind == "" {
		kind = primaryKind
	}
	return nil, r.fallback.Name(), &RouteError{
		Kind:        kind,
		PrimaryErr:  primaryErr,
		FallbackErr: err,
	}
}

// attempt runs one provider call bracketed by its run events.
func (r *Router) attempt(ctx context.Context, p Provider, req *Request) (*Response, error) {
	r.emit(ctx, events.ModelRunStart, map[string]any{
		"provider": p.Name(),
	})
	resp, err := p.Generate(ctx, req)
	if err != nil {
		r.emit(ctx, events.ModelRunEnd, map[string]any{
			"status":   "error",
			"provider": p.Name(),
			"error":    err.Error(),
		})
		return nil, err
	}
	r.emit(ctx, events.ModelRunEnd, map[string]any{
		"status":        "ok",
		"provider":      p.Name(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	return resp, nil
}

// Healthy reports whether the named provider passed its last health
// check within the TTL, re-checking when stale.
func (r *Router) Healthy(ctx context.Context, p Provider) error {
	r.mu.Lock()
	entry, ok := r.health[p.Name()]
	fresh := ok && r.now().Sub(entry.checkedAt) < r.cfg.HealthTTL
	r.mu.Unlock()
	if fresh {
		return entry.err
	}

	err := p.HealthCheck(ctx)
	r.mu.Lock()
	r.health[p.Name()] = healthEntry{err: err, checkedAt: r.now()}
	r.mu.Unlock()
	return err
}

// LastHealthy returns the provider that most recently passed a health
// check, preferring primary, nil when neither is known healthy.
func (r *Router) LastHealthy(ctx context.Context) Provider {
	if err := r.Healthy(ctx, r.primary); err == nil && r.primaryAvailable() {
		return r.primary
	}
	if r.fallback != nil {
		if err := r.Healthy(ctx, r.fallback); err == nil {
			return r.fallback
		}
	}
	return nil
}

func (r *Router) primaryAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().After(r.quotaBlockUntil)
}

func (r *Router) blockQuota(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = r.cfg.QuotaCooldown
	}
	r.mu.Lock()
	r.quotaBlockUntil = r.now().Add(retryAfter)
	r.mu.Unlock()
	r.logger.Warn("primary provider in quota cooldown", "until", r.quotaBlockUntil)
}

func (r *Router) emitFallback(ctx context.Context, kind OutageKind) {
	r.logger.Warn("falling back", "from", r.primary.Name(), "reason", string(kind))
	r.emit(ctx, events.ModelFallback, map[string]any{
		"reason": string(kind),
		"from":   r.primary.Name(),
		"to":     r.fallback.Name(),
	})
}

func (r *Router) emit(ctx context.Context, typ events.Type, payload map[string]any) {
	if r.log == nil {
		return
	}
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}
	_, err := r.log.Emit(ctx, typ, "providers",
		events.Actor{Kind: events.ActorSystem, ID: "router"}, payload)
	if err != nil {
		r.logger.Warn("failed to record provider event", "type", string(typ), "error", err)
	}
}
