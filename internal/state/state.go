// Package state owns the process-wide system state singleton: lockdown,
// restarting, and the rotating unlock code. The manager is constructed
// once at startup and passed by reference; every mutation bumps the
// version counter and is mirrored to the store before it takes effect.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/trace"
)

// DefaultUnlockTTL is how long an unlock code stays valid after rotation.
const DefaultUnlockTTL = 15 * time.Minute

// Snapshot is the immutable view handed to the policy engine. It carries
// no secrets.
type Snapshot struct {
	Lockdown       bool
	LockdownReason string
	Restarting     bool
	Version        int64
	UpdatedAt      time.Time
}

// Record is the persisted singleton row.
type Record struct {
	Lockdown        bool
	LockdownReason  string
	Restarting      bool
	UnlockCode      string
	UnlockExpiresAt time.Time
	Version         int64
	UpdatedAt       time.Time
}

// Store mirrors the singleton to durable storage.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// Manager serializes all reads and writes of the system state.
type Manager struct {
	store     Store
	log       *events.Log
	logger    *slog.Logger
	unlockTTL time.Duration
	now       func() time.Time

	mu  sync.RWMutex
	rec Record
}

// Option configures the manager.
type Option func(*Manager)

// WithUnlockTTL overrides the unlock code lifetime.
func WithUnlockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.unlockTTL = ttl
		}
	}
}

// WithLogger configures the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager loads the persisted record (or initializes an empty one) and
// returns the singleton owner.
func NewManager(ctx context.Context, store Store, log *events.Log, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:     store,
		log:       log,
		logger:    slog.Default().With("component", "state"),
		unlockTTL: DefaultUnlockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	rec, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load system state: %w", err)
	}
	if rec != nil {
		m.rec = *rec
	}
	// A process that died mid-restart must not come back with tools
	// blocked forever.
	if m.rec.Restarting {
		m.rec.Restarting = false
		m.rec.Version++
		m.rec.UpdatedAt = m.now().UTC()
		if err := store.Save(ctx, &m.rec); err != nil {
			return nil, fmt.Errorf("clear stale restarting flag: %w", err)
		}
		m.logger.Info("cleared stale restarting flag", "version", m.rec.Version)
	}
	return m, nil
}

// Snapshot returns the current view for policy evaluation.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Lockdown:       m.rec.Lockdown,
		LockdownReason: m.rec.LockdownReason,
		Restarting:     m.rec.Restarting,
		Version:        m.rec.Version,
		UpdatedAt:      m.rec.UpdatedAt,
	}
}

// TriggerLockdown enters lockdown, rotates the unlock code, and emits
// lockdown.triggered. Idempotent: triggering while already locked only
// updates the reason.
func (m *Manager) TriggerLockdown(ctx context.Context, reason string, actor events.Actor) error {
	m.mu.Lock()
	already := m.rec.Lockdown
	m.rec.Lockdown = true
	m.rec.LockdownReason = reason
	if !already {
		m.rotateLocked()
	}
	err := m.saveLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Warn("lockdown triggered", "reason", reason, "already_locked", already)
	if !already {
		_, err = m.emit(ctx, events.LockdownTriggered, actor, map[string]any{"reason": reason})
	}
	return err
}

// Unlock verifies the code, clears lockdown, rotates the code, and emits
// lockdown.cleared. An expired code is rotated and rejected; a wrong code
// is rejected without rotation.
func (m *Manager) Unlock(ctx context.Context, code string, actor events.Actor) error {
	m.mu.Lock()
	if !m.rec.Lockdown {
		m.mu.Unlock()
		return errdef.New(errdef.PermanentValidation, "system is not in lockdown")
	}
	if m.now().After(m.rec.UnlockExpiresAt) {
		m.rotateLocked()
		err := m.saveLocked(ctx)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		return errdef.New(errdef.PermanentValidation, "unlock code expired; a new code was issued")
	}
	if code != m.rec.UnlockCode {
		m.mu.Unlock()
		return errdef.New(errdef.PermanentValidation, "unlock code does not match")
	}
	m.rec.Lockdown = false
	m.rec.LockdownReason = ""
	m.rotateLocked()
	err := m.saveLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("lockdown cleared")
	_, err = m.emit(ctx, events.LockdownCleared, actor, map[string]any{"cleared_by": actor.ID})
	return err
}

// UnlockCode returns the current code and its expiry for operator
// display. Only the CLI surfaces this; it never enters the event log.
func (m *Manager) UnlockCode() (string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.UnlockCode, m.rec.UnlockExpiresAt
}

// SetRestarting flips the restarting flag. While set, the policy engine
// denies every tool.
func (m *Manager) SetRestarting(ctx context.Context, restarting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.Restarting == restarting {
		return nil
	}
	m.rec.Restarting = restarting
	return m.saveLocked(ctx)
}

func (m *Manager) rotateLocked() {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand read failures are not recoverable.
		panic(fmt.Sprintf("state: read random: %v", err))
	}
	m.rec.UnlockCode = hex.EncodeToString(buf)
	m.rec.UnlockExpiresAt = m.now().Add(m.unlockTTL)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	m.rec.Version++
	m.rec.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, &m.rec); err != nil {
		return errdef.Classify(fmt.Errorf("save system state: %w", err))
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, typ events.Type, actor events.Actor, payload map[string]any) (string, error) {
	if m.log == nil {
		return "", nil
	}
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}
	return m.log.Emit(ctx, typ, "state", actor, payload)
}
