package events

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and by the CLI when no
// database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *ev
	s.events = append(s.events, &clone)
	return nil
}

// Search implements Store.
func (s *MemoryStore) Search(_ context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, ev := range s.events {
		if !matches(ev, f) {
			continue
		}
		clone := *ev
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(ev *Event, f Filter) bool {
	if f.TraceID != "" && ev.TraceID != f.TraceID {
		return false
	}
	if f.ThreadID != "" && ev.ThreadID != f.ThreadID {
		return false
	}
	if f.Component != "" && ev.Component != f.Component {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
