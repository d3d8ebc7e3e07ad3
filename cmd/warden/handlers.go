// handlers.go contains the handlers for the administrative commands:
// migrate, status, events, and unlock. The serve handler lives in
// handlers_serve.go.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/trace"
)

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

// statusResponse mirrors the serve handler's /admin/status body.
type statusResponse struct {
	Version        string    `json:"version"`
	Lockdown       bool      `json:"lockdown"`
	LockdownReason string    `json:"lockdown_reason,omitempty"`
	Restarting     bool      `json:"restarting"`
	StateVersion   int64     `json:"state_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func runStatus(ctx context.Context, addr string) error {
	client := newAdminClient(addr)
	var status statusResponse
	if err := client.getJSON(ctx, "/admin/status", &status); err != nil {
		return err
	}

	fmt.Printf("version:    %s\n", status.Version)
	if status.Lockdown {
		fmt.Printf("lockdown:   active (%s)\n", status.LockdownReason)
	} else {
		fmt.Println("lockdown:   clear")
	}
	fmt.Printf("restarting: %v\n", status.Restarting)
	fmt.Printf("updated:    %s\n", status.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runUnlock(ctx context.Context, addr, code string) error {
	client := newAdminClient(addr)
	if err := client.postJSON(ctx, "/admin/unlock", map[string]string{"code": code}); err != nil {
		return err
	}
	fmt.Println("lockdown cleared")
	return nil
}

func runEvents(ctx context.Context, configPath, traceID, threadID string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store := events.NewSQLiteStore(db)
	evs, err := store.Search(ctx, events.Filter{
		TraceID:  traceID,
		ThreadID: threadID,
		Limit:    limit,
	})
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Println("no events")
		return nil
	}

	if traceID != "" {
		printTraceTree(evs)
		return nil
	}
	for _, ev := range evs {
		printEvent(ev, 0)
	}
	return nil
}

// printTraceTree renders one trace's events in emission order,
// indented by the depth of their span in the reconstructed tree.
func printTraceTree(evs []*events.Event) {
	spans := make(map[string]string, len(evs))
	for _, ev := range evs {
		if ev.SpanID != "" {
			spans[ev.SpanID] = ev.ParentSpanID
		}
	}

	depth := make(map[string]int, len(spans))
	var walk func(n *trace.Node, d int)
	walk = func(n *trace.Node, d int) {
		depth[n.SpanID] = d
		for _, c := range n.Children {
			walk(c, d+1)
		}
	}
	for _, root := range trace.BuildTree(spans) {
		walk(root, 0)
	}

	sort.SliceStable(evs, func(i, j int) bool { return evs[i].CreatedAt.Before(evs[j].CreatedAt) })
	for _, ev := range evs {
		printEvent(ev, depth[ev.SpanID])
	}
}

func printEvent(ev *events.Event, depth int) {
	payload, _ := json.Marshal(ev.PayloadRedacted)
	fmt.Printf("%s %s%-24s %-12s %s\n",
		ev.CreatedAt.Format("15:04:05.000"),
		strings.Repeat("  ", depth),
		string(ev.Type),
		ev.Component,
		payload)
}

// adminClient is the thin HTTP client the status and unlock commands
// use against a running server.
type adminClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAdminClient(baseURL string) *adminClient {
	return &adminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *adminClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) postJSON(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readBody(resp.Body))
	}
	return nil
}

func readBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(raw))
}
