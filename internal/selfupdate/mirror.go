package selfupdate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
)

// Record is the per-patch state persisted in state.json. It is the
// recovery source of truth; the store row mirrors it.
type Record struct {
	TraceID      string    `json:"trace_id"`
	State        State     `json:"state"`
	FailureCode  string    `json:"failure_code,omitempty"`
	BaselineRef  string    `json:"baseline_ref"`
	Branch       string    `json:"branch,omitempty"`
	ApprovedBy   string    `json:"approved_by,omitempty"`
	EvidenceJSON string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// mirror manages the per-trace directory layout:
// <root>/<trace_id>/{state.json,log.jsonl,patch.diff,evidence.json}.
type mirror struct {
	root string
}

func (m *mirror) dir(traceID string) string {
	return filepath.Join(m.root, traceID)
}

func (m *mirror) statePath(traceID string) string {
	return filepath.Join(m.dir(traceID), "state.json")
}

// writeState persists the record atomically: temp file plus rename, so
// a crash never leaves a torn state.json.
func (m *mirror) writeState(rec *Record) error {
	dir := m.dir(rec.TraceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create patch dir: %w", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal patch state: %w", err)
	}
	tmp := m.statePath(rec.TraceID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write patch state: %w", err)
	}
	return os.Rename(tmp, m.statePath(rec.TraceID))
}

// appendLog adds one transition entry to log.jsonl. Log failures are
// non-fatal; state.json is authoritative.
func (m *mirror) appendLog(traceID string, entry map[string]any) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(m.dir(traceID), "log.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(raw, '\n'))
}

func (m *mirror) writePatch(traceID string, patch []byte) error {
	if err := os.MkdirAll(m.dir(traceID), 0o755); err != nil {
		return fmt.Errorf("create patch dir: %w", err)
	}
	return os.WriteFile(filepath.Join(m.dir(traceID), "patch.diff"), patch, 0o600)
}

func (m *mirror) readPatch(traceID string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(m.dir(traceID), "patch.diff"))
	if err != nil {
		return nil, errdef.Newf(errdef.PermanentNotFound, "patch.diff for %s: %v", traceID, err)
	}
	return raw, nil
}

func (m *mirror) patchPath(traceID string) string {
	return filepath.Join(m.dir(traceID), "patch.diff")
}

func (m *mirror) writeEvidence(traceID string, ev *Evidence) (string, error) {
	if err := os.MkdirAll(m.dir(traceID), 0o755); err != nil {
		return "", fmt.Errorf("create patch dir: %w", err)
	}
	raw, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir(traceID), "evidence.json"), raw, 0o600); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return string(raw), nil
}

func (m *mirror) load(traceID string) (*Record, error) {
	raw, err := os.ReadFile(m.statePath(traceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errdef.Newf(errdef.PermanentNotFound, "no patch state for %s", traceID)
		}
		return nil, fmt.Errorf("read patch state: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode patch state: %w", err)
	}
	if ev, err := os.ReadFile(filepath.Join(m.dir(traceID), "evidence.json")); err == nil {
		rec.EvidenceJSON = string(ev)
	}
	return &rec, nil
}

func unmarshalEvidence(raw string, ev *Evidence) error {
	return json.Unmarshal([]byte(raw), ev)
}

// loadAll reads every per-trace record under the mirror root.
func (m *mirror) loadAll() ([]*Record, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list patch mirror: %w", err)
	}
	var recs []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := m.load(e.Name())
		if err != nil {
			continue // a dir without state.json never transitioned
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
