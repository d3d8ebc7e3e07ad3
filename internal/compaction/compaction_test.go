package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/memory"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/runner"
	"github.com/haasonsaas/warden/internal/storage"
)

type summaryProvider struct {
	texts []string
	calls int
	err   error
}

func (p *summaryProvider) Name() string { return "fake" }

func (p *summaryProvider) Generate(_ context.Context, _ *providers.Request) (*providers.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	text := "summary"
	if p.calls < len(p.texts) {
		text = p.texts[p.calls]
	}
	p.calls++
	return &providers.Response{Text: text}, nil
}

func (p *summaryProvider) HealthCheck(context.Context) error { return nil }
func (p *summaryProvider) TokenBudget() int                  { return 100000 }

type fixture struct {
	comp   *Compactor
	store  *storage.Store
	mem    *memory.SQLiteStore
	evs    *events.MemoryStore
	prov   *summaryProvider
	thread *storage.Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	f := &fixture{
		store: storage.NewStore(db),
		mem:   memory.NewSQLiteStore(db, memory.NewHashEmbedder(64)),
		evs:   events.NewMemoryStore(),
		prov:  &summaryProvider{texts: []string{"first summary", "second summary"}},
	}
	log := events.NewLog(f.evs)
	router := providers.NewRouter(f.prov, nil, log, providers.RouterConfig{}, nil)
	f.comp = New(Config{Window: 10}, f.store, f.mem, router, log, nil)

	ctx := context.Background()
	userID, err := f.store.GetOrCreateUser(ctx, "webhook", "ext-1")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	f.thread = &storage.Thread{UserID: userID, Channel: "webhook", Agents: []string{"primary"}}
	if err := f.store.CreateThread(ctx, f.thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for _, turn := range []struct{ role, text string }{
		{"user", "Plan the rollout for the beta."},
		{"assistant", "Staged rollout starting with internal users."},
		{"user", "Start next Monday."},
	} {
		if err := f.store.InsertMessage(ctx, &storage.Message{
			ThreadID: f.thread.ID, Role: turn.role, Content: turn.text,
		}); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}
	return f
}

func TestCompactWritesSummaryAndChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.comp.Compact(ctx, f.thread.ID); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	sum, err := f.mem.ThreadSummary(ctx, f.thread.ID)
	if err != nil {
		t.Fatalf("ThreadSummary: %v", err)
	}
	if sum.Short != "first summary" {
		t.Errorf("short = %q", sum.Short)
	}
	if sum.Long != "" {
		t.Errorf("long = %q on first pass", sum.Long)
	}

	chunks, err := f.mem.Retrieve(ctx, f.thread.ID, "rollout", 10, memory.DefaultBlend())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("chunks = %d, want 3", len(chunks))
	}

	evs, _ := f.evs.Search(ctx, events.Filter{Types: []events.Type{events.MemoryCompacted}})
	if len(evs) != 1 || evs[0].ThreadID != f.thread.ID {
		t.Fatalf("compaction events = %+v", evs)
	}
	if evs[0].PayloadRedacted["indexed"] != 3 {
		t.Errorf("indexed = %v", evs[0].PayloadRedacted["indexed"])
	}
}

func TestCompactRollsShortIntoLongAndDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.comp.Compact(ctx, f.thread.ID); err != nil {
		t.Fatalf("first Compact: %v", err)
	}
	if err := f.comp.Compact(ctx, f.thread.ID); err != nil {
		t.Fatalf("second Compact: %v", err)
	}

	sum, err := f.mem.ThreadSummary(ctx, f.thread.ID)
	if err != nil {
		t.Fatalf("ThreadSummary: %v", err)
	}
	if sum.Short != "second summary" {
		t.Errorf("short = %q", sum.Short)
	}
	if !strings.Contains(sum.Long, "first summary") {
		t.Errorf("long = %q, want displaced first summary", sum.Long)
	}

	// Same messages, same provenance: the second pass indexes nothing
	// new.
	chunks, err := f.mem.Retrieve(ctx, f.thread.ID, "rollout", 10, memory.DefaultBlend())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("chunks = %d after second pass, want 3", len(chunks))
	}
}

func TestCompactEmptyThreadIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	userID, _ := f.store.GetOrCreateUser(ctx, "webhook", "ext-2")
	empty := &storage.Thread{UserID: userID, Channel: "webhook", Agents: []string{"primary"}}
	if err := f.store.CreateThread(ctx, empty); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := f.comp.Compact(ctx, empty.ID); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if f.prov.calls != 0 {
		t.Errorf("provider called %d times for empty thread", f.prov.calls)
	}
}

func TestHandleRequiresThreadID(t *testing.T) {
	f := newFixture(t)
	err := f.comp.handle(context.Background(), &runner.Task{Payload: map[string]any{}})
	if errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("handle without thread_id: %v", err)
	}
}

func TestRollLongTrimsOldestFirst(t *testing.T) {
	long := rollLong("old line", "fresh summary", 30)
	if !strings.Contains(long, "fresh summary") {
		t.Errorf("long = %q, missing fresh entry", long)
	}
	if len(long) > 30 {
		t.Errorf("len = %d, want <= 30", len(long))
	}
}
