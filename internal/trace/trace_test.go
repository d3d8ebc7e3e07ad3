package trace

import (
	"context"
	"testing"
)

func TestNewRoot(t *testing.T) {
	ctx, sp := NewRoot(context.Background())
	if sp.TraceID == "" || sp.SpanID == "" {
		t.Fatal("root span missing ids")
	}
	if sp.ParentSpanID != "" {
		t.Errorf("root span parent = %q, want empty", sp.ParentSpanID)
	}
	if TraceID(ctx) != sp.TraceID {
		t.Error("context does not carry trace id")
	}
	if SpanID(ctx) != sp.SpanID {
		t.Error("context does not carry span id")
	}
}

func TestStartSpanInherits(t *testing.T) {
	ctx, root := NewRoot(context.Background())
	ctx2, child := StartSpan(ctx)

	if child.TraceID != root.TraceID {
		t.Errorf("child trace = %q, want %q", child.TraceID, root.TraceID)
	}
	if child.ParentSpanID != root.SpanID {
		t.Errorf("child parent = %q, want %q", child.ParentSpanID, root.SpanID)
	}
	if child.SpanID == root.SpanID {
		t.Error("child span id must differ from parent")
	}
	if SpanID(ctx2) != child.SpanID {
		t.Error("context not advanced to child span")
	}
	// Original context unchanged.
	if SpanID(ctx) != root.SpanID {
		t.Error("parent context mutated")
	}
}

func TestContextCarriesParent(t *testing.T) {
	ctx, root := NewRoot(context.Background())
	if ParentSpanID(ctx) != "" {
		t.Errorf("root parent = %q, want empty", ParentSpanID(ctx))
	}

	ctx2, child := StartSpan(ctx)
	if ParentSpanID(ctx2) != root.SpanID {
		t.Errorf("child parent = %q, want %q", ParentSpanID(ctx2), root.SpanID)
	}
	if got := Current(ctx2); got != child {
		t.Errorf("Current = %+v, want %+v", got, child)
	}

	ctx3, resumed := Resume(context.Background(), root.TraceID, child.SpanID)
	if ParentSpanID(ctx3) != child.SpanID {
		t.Errorf("resumed parent = %q, want %q", ParentSpanID(ctx3), child.SpanID)
	}
	if got := Current(ctx3); got != resumed {
		t.Errorf("Current after resume = %+v, want %+v", got, resumed)
	}
}

func TestStartSpanWithoutTrace(t *testing.T) {
	_, sp := StartSpan(context.Background())
	if sp.TraceID == "" {
		t.Error("expected a fresh trace when none is carried")
	}
}

func TestResume(t *testing.T) {
	_, sp := Resume(context.Background(), "trc_abc", "spn_parent")
	if sp.TraceID != "trc_abc" {
		t.Errorf("trace = %q, want trc_abc", sp.TraceID)
	}
	if sp.ParentSpanID != "spn_parent" {
		t.Errorf("parent = %q, want spn_parent", sp.ParentSpanID)
	}
}

func TestBuildTree(t *testing.T) {
	spans := map[string]string{
		"spn_a": "",
		"spn_b": "spn_a",
		"spn_c": "spn_a",
		"spn_d": "spn_b",
	}
	roots := BuildTree(spans)
	if len(roots) != 1 {
		t.Fatalf("roots = %d, want 1", len(roots))
	}
	root := roots[0]
	if root.SpanID != "spn_a" {
		t.Fatalf("root = %s, want spn_a", root.SpanID)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(root.Children))
	}
	if root.Children[0].SpanID != "spn_b" || root.Children[1].SpanID != "spn_c" {
		t.Errorf("children order = %s, %s", root.Children[0].SpanID, root.Children[1].SpanID)
	}
	if len(root.Children[0].Children) != 1 || root.Children[0].Children[0].SpanID != "spn_d" {
		t.Error("grandchild spn_d not attached under spn_b")
	}
}

func TestBuildTreeOrphanParent(t *testing.T) {
	// A span whose parent is unknown becomes a root rather than vanishing.
	roots := BuildTree(map[string]string{"spn_x": "spn_gone"})
	if len(roots) != 1 || roots[0].SpanID != "spn_x" {
		t.Fatalf("orphan span not promoted to root: %+v", roots)
	}
}
