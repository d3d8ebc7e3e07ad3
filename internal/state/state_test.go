package state

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *events.MemoryStore) {
	t.Helper()
	evStore := events.NewMemoryStore()
	log := events.NewLog(evStore)
	m, err := NewManager(context.Background(), NewMemoryStore(), log, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, evStore
}

func operator() events.Actor {
	return events.Actor{Kind: events.ActorUser, ID: "usr_test"}
}

func TestLockdownRoundTrip(t *testing.T) {
	m, evStore := newTestManager(t)
	ctx := context.Background()

	if m.Snapshot().Lockdown {
		t.Fatal("new manager should not be locked")
	}

	if err := m.TriggerLockdown(ctx, "rollback_threshold", operator()); err != nil {
		t.Fatalf("TriggerLockdown: %v", err)
	}
	snap := m.Snapshot()
	if !snap.Lockdown || snap.LockdownReason != "rollback_threshold" {
		t.Fatalf("snapshot = %+v, want locked with reason", snap)
	}

	code, expires := m.UnlockCode()
	if code == "" || expires.IsZero() {
		t.Fatal("lockdown should issue an unlock code")
	}

	if err := m.Unlock(ctx, code, operator()); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if m.Snapshot().Lockdown {
		t.Fatal("unlock did not clear lockdown")
	}

	// Code rotates after use.
	next, _ := m.UnlockCode()
	if next == code {
		t.Error("unlock code not rotated after use")
	}

	evs, _ := evStore.Search(ctx, events.Filter{Types: []events.Type{events.LockdownTriggered}})
	if len(evs) != 1 {
		t.Errorf("lockdown.triggered events = %d, want 1", len(evs))
	}
	evs, _ = evStore.Search(ctx, events.Filter{Types: []events.Type{events.LockdownCleared}})
	if len(evs) != 1 {
		t.Errorf("lockdown.cleared events = %d, want 1", len(evs))
	}
}

func TestUnlockWrongCode(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.TriggerLockdown(ctx, "manual", operator()); err != nil {
		t.Fatalf("TriggerLockdown: %v", err)
	}
	err := m.Unlock(ctx, "not-the-code", operator())
	if errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("wrong code = %v, want permanent.validation", err)
	}
	if !m.Snapshot().Lockdown {
		t.Fatal("wrong code must not clear lockdown")
	}
}

func TestUnlockExpiredCodeRotates(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	if err := m.TriggerLockdown(ctx, "manual", operator()); err != nil {
		t.Fatalf("TriggerLockdown: %v", err)
	}
	code, _ := m.UnlockCode()

	current = current.Add(DefaultUnlockTTL + time.Minute)
	err := m.Unlock(ctx, code, operator())
	if errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("expired code = %v, want permanent.validation", err)
	}
	if !m.Snapshot().Lockdown {
		t.Fatal("expired code must not clear lockdown")
	}
	next, _ := m.UnlockCode()
	if next == code {
		t.Error("expired code should be rotated")
	}
}

func TestTriggerLockdownIdempotent(t *testing.T) {
	m, evStore := newTestManager(t)
	ctx := context.Background()

	if err := m.TriggerLockdown(ctx, "first", operator()); err != nil {
		t.Fatalf("TriggerLockdown: %v", err)
	}
	code, _ := m.UnlockCode()

	if err := m.TriggerLockdown(ctx, "second", operator()); err != nil {
		t.Fatalf("second TriggerLockdown: %v", err)
	}
	if m.Snapshot().LockdownReason != "second" {
		t.Error("reason should update on repeated trigger")
	}
	if next, _ := m.UnlockCode(); next != code {
		t.Error("repeated trigger must not rotate the code")
	}
	evs, _ := evStore.Search(ctx, events.Filter{Types: []events.Type{events.LockdownTriggered}})
	if len(evs) != 1 {
		t.Errorf("lockdown.triggered events = %d, want exactly 1", len(evs))
	}
}

func TestVersionAdvancesOnEveryWrite(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	before := m.Snapshot().Version
	if err := m.SetRestarting(ctx, true); err != nil {
		t.Fatalf("SetRestarting: %v", err)
	}
	after := m.Snapshot().Version
	if after <= before {
		t.Errorf("version %d -> %d, want increase", before, after)
	}
	if !m.Snapshot().Restarting {
		t.Error("restarting flag not set")
	}
}

func TestStaleRestartingClearedOnLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Save(ctx, &Record{Restarting: true, Version: 7}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	m, err := NewManager(ctx, store, events.NewLog(events.NewMemoryStore()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	snap := m.Snapshot()
	if snap.Restarting {
		t.Error("restarting flag should be cleared after process restart")
	}
	if snap.Version <= 7 {
		t.Errorf("version = %d, want > 7", snap.Version)
	}
}

func TestUnlockWhenNotLocked(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Unlock(context.Background(), "anything", operator())
	if errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("unlock without lockdown = %v, want permanent.validation", err)
	}
}
