package errdef

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Newf(PermanentValidation, "bad field %q", "x")
	if KindOf(err) != PermanentValidation {
		t.Errorf("KindOf = %q, want %q", KindOf(err), PermanentValidation)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain error should be unclassified")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Newf(TransientNetwork, "dial tcp: refused")
	wrapped := fmt.Errorf("send message: %w", inner)
	if KindOf(wrapped) != TransientNetwork {
		t.Errorf("KindOf(wrapped) = %q, want transient.network", KindOf(wrapped))
	}
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error should remain transient")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{TransientNetwork, true},
		{TransientDBLocked, true},
		{PermanentValidation, false},
		{PermanentPolicyDenied, false},
		{DegradedProvider, false},
		{FatalInvariant, false},
	}
	for _, tt := range tests {
		if got := IsTransient(Newf(tt.kind, "x")); got != tt.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestClassifyDBLocked(t *testing.T) {
	err := Classify(errors.New("step: database is locked (5) (SQLITE_BUSY)"))
	if KindOf(err) != TransientDBLocked {
		t.Errorf("KindOf = %q, want transient.db_locked", KindOf(err))
	}
}

func TestClassifyNetErrorPreservesChain(t *testing.T) {
	cause := &net.DNSError{Err: "no such host", Name: "api.invalid"}
	err := Classify(fmt.Errorf("generate: %w", cause))
	if KindOf(err) != TransientNetwork {
		t.Fatalf("KindOf = %q, want transient.network", KindOf(err))
	}
	var dns *net.DNSError
	if !errors.As(err, &dns) {
		t.Error("classification should preserve the original error chain")
	}
}

func TestClassifyPassthrough(t *testing.T) {
	orig := Newf(DegradedMemory, "stale summary")
	if got := Classify(orig); got != orig {
		t.Error("classified errors must pass through unchanged")
	}
	if got := Classify(context.Canceled); KindOf(got) != "" {
		t.Error("context cancellation must not be reclassified")
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) must be nil")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(TransientNetwork, nil) != nil {
		t.Error("Wrap with nil cause should be nil")
	}
}
