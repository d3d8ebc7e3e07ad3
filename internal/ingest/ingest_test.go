package ingest

import (
	"context"
	"testing"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/storage"
)

type captureQueue struct {
	tasks []map[string]any
	lanes []string
}

func (q *captureQueue) Enqueue(_ context.Context, lane, _ string, payload map[string]any, _ string) (string, error) {
	q.tasks = append(q.tasks, payload)
	q.lanes = append(q.lanes, lane)
	return "tsk_x", nil
}

func newIngestor(t *testing.T) (*Ingestor, *storage.Store, *events.MemoryStore, *captureQueue) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store := storage.NewStore(db)
	evs := events.NewMemoryStore()
	q := &captureQueue{}
	return New(Config{}, store, events.NewLog(evs), q, nil), store, evs, q
}

func TestRoutePersistsAndEnqueues(t *testing.T) {
	ing, store, evs, q := newIngestor(t)
	ctx := context.Background()

	rc, err := ing.Route(ctx, "telegram", &Inbound{
		ExternalID: "upd-1",
		Sender:     "alice",
		Content:    "hello",
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !rc.Routed || rc.ThreadID == "" || rc.MessageID == "" {
		t.Fatalf("receipt = %+v", rc)
	}

	tail, err := store.ThreadTail(ctx, rc.ThreadID, 10)
	if err != nil {
		t.Fatalf("ThreadTail: %v", err)
	}
	if len(tail) != 1 || tail[0].Content != "hello" || tail[0].DeliveryID != "upd-1" {
		t.Errorf("stored tail = %+v", tail)
	}

	inb, _ := evs.Search(ctx, events.Filter{Types: []events.Type{events.ChannelInbound}})
	if len(inb) != 1 {
		t.Fatalf("channel.inbound events = %d", len(inb))
	}
	if inb[0].ThreadID != rc.ThreadID {
		t.Errorf("event thread = %s", inb[0].ThreadID)
	}

	if len(q.tasks) != 1 {
		t.Fatalf("enqueued tasks = %d", len(q.tasks))
	}
	if q.tasks[0]["thread_id"] != rc.ThreadID || q.tasks[0]["trigger_id"] != rc.MessageID {
		t.Errorf("task payload = %v", q.tasks[0])
	}
	if q.lanes[0] != "agent_default" {
		t.Errorf("lane = %s", q.lanes[0])
	}
}

func TestDuplicateDeliveryShortCircuits(t *testing.T) {
	ing, _, evs, q := newIngestor(t)
	ctx := context.Background()
	msg := &Inbound{ExternalID: "upd-2", Sender: "alice", Content: "hi"}

	if _, err := ing.Route(ctx, "telegram", msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	rc, err := ing.Route(ctx, "telegram", msg)
	if err != nil {
		t.Fatalf("Route duplicate: %v", err)
	}
	if rc.Routed || !rc.Duplicate {
		t.Fatalf("duplicate receipt = %+v", rc)
	}
	if len(q.tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(q.tasks))
	}
	inb, _ := evs.Search(ctx, events.Filter{Types: []events.Type{events.ChannelInbound}})
	if len(inb) != 1 {
		t.Errorf("inbound events = %d, want 1", len(inb))
	}
}

func TestSameSenderReusesOpenThread(t *testing.T) {
	ing, store, _, _ := newIngestor(t)
	ctx := context.Background()

	first, err := ing.Route(ctx, "telegram", &Inbound{ExternalID: "a", Sender: "alice", Content: "one"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	second, err := ing.Route(ctx, "telegram", &Inbound{ExternalID: "b", Sender: "alice", Content: "two"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if first.ThreadID != second.ThreadID {
		t.Errorf("threads differ: %s vs %s", first.ThreadID, second.ThreadID)
	}

	// Closing the thread reroutes the next message to a fresh one.
	if err := store.CloseThread(ctx, first.ThreadID); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}
	third, err := ing.Route(ctx, "telegram", &Inbound{ExternalID: "c", Sender: "alice", Content: "three"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if third.ThreadID == first.ThreadID {
		t.Error("closed thread reused")
	}
}

func TestWebhookAdapterParse(t *testing.T) {
	a := &WebhookAdapter{Name: "webhook"}

	msg, err := a.Parse([]byte(`{"id":"m1","kind":"message","sender":"bob","text":"ping"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.ExternalID != "m1" || msg.Sender != "bob" || msg.Content != "ping" {
		t.Errorf("parsed = %+v", msg)
	}

	// Kind defaults to message.
	if msg, err = a.Parse([]byte(`{"id":"m2","sender":"bob","text":"x"}`)); err != nil || msg == nil {
		t.Errorf("bare message: %v %v", msg, err)
	}

	// Recognized no-ops parse to nil without error.
	for _, kind := range []string{"receipt", "reaction", "status", "typing"} {
		msg, err := a.Parse([]byte(`{"id":"m3","kind":"` + kind + `","sender":"bob"}`))
		if err != nil || msg != nil {
			t.Errorf("kind %s: msg=%v err=%v", kind, msg, err)
		}
	}

	for name, body := range map[string]string{
		"malformed":    `{not json`,
		"unknown kind": `{"id":"m4","kind":"presence","sender":"bob"}`,
		"missing id":   `{"kind":"message","sender":"bob"}`,
	} {
		if _, err := a.Parse([]byte(body)); errdef.KindOf(err) != errdef.PermanentValidation {
			t.Errorf("%s: kind = %v", name, errdef.KindOf(err))
		}
	}
}

func TestHandleRunsAdapter(t *testing.T) {
	ing, _, _, q := newIngestor(t)
	a := &WebhookAdapter{Name: "webhook"}

	rc, err := ing.Handle(context.Background(), a, []byte(`{"id":"m1","sender":"bob","text":"hi"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rc.Routed {
		t.Fatalf("receipt = %+v", rc)
	}

	rc, err = ing.Handle(context.Background(), a, []byte(`{"id":"m1","kind":"receipt","sender":"bob"}`))
	if err != nil {
		t.Fatalf("Handle no-op: %v", err)
	}
	if rc.Routed || rc.Duplicate {
		t.Errorf("no-op receipt = %+v", rc)
	}
	if len(q.tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(q.tasks))
	}
}
