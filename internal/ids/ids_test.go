package ids

import (
	"strings"
	"testing"
)

func TestNewCarriesPrefix(t *testing.T) {
	id := New(PrefixThread)
	if !strings.HasPrefix(id, "thr_") {
		t.Fatalf("New(thr) = %q, want thr_ prefix", id)
	}
	if len(id) != len("thr_")+32 {
		t.Errorf("New(thr) body length = %d, want 32", len(id)-len("thr_"))
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(PrefixEvent)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"usr_abc", "usr"},
		{"trc_0011", "trc"},
		{"noprefix", ""},
		{"_leading", ""},
		{"trailing_", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Kind(tt.id); got != tt.want {
			t.Errorf("Kind(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid(New(PrefixSpan), PrefixSpan) {
		t.Error("fresh span id should validate")
	}
	if Valid("msg_x", PrefixThread) {
		t.Error("msg id should not validate as thread")
	}
}
