package memory

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestSortStateItems(t *testing.T) {
	seen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []StateItem{
		{ID: "q", Type: "question", Confidence: 0.9, LastSeenAt: seen},
		{ID: "d-old", Type: "decision", Confidence: 0.8, LastSeenAt: seen},
		{ID: "d-new", Type: "decision", Confidence: 0.8, LastSeenAt: seen.Add(time.Hour)},
		{ID: "d-high", Type: "decision", Confidence: 0.95, LastSeenAt: seen},
		{ID: "pinned-risk", Type: "risk", Pinned: true, Confidence: 0.1, LastSeenAt: seen},
		{ID: "c", Type: "constraint", Confidence: 0.5, LastSeenAt: seen},
		{ID: "a", Type: "action", Confidence: 0.5, LastSeenAt: seen},
	}
	SortStateItems(items)

	want := []string{"pinned-risk", "d-high", "d-new", "d-old", "c", "a", "q"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("position %d = %s, want %s (order: %v)", i, items[i].ID, id, itemIDs(items))
		}
	}
}

func itemIDs(items []StateItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func TestBlendScore(t *testing.T) {
	blend := DefaultBlend()

	// Fresh chunk: full recency contribution.
	fresh := BlendScore(1.0, 0, blend)
	if math.Abs(fresh-1.0) > 1e-9 {
		t.Errorf("fresh perfect match = %f, want 1.0", fresh)
	}

	// At exactly one half-life, recency contributes half its weight.
	aged := BlendScore(1.0, blend.HalfLife, blend)
	want := 0.7 + 0.3*0.5
	if math.Abs(aged-want) > 1e-9 {
		t.Errorf("aged score = %f, want %f", aged, want)
	}

	// Similarity dominates the blend.
	similar := BlendScore(0.9, 30*24*time.Hour, blend)
	recent := BlendScore(0.1, 0, blend)
	if similar <= recent {
		t.Errorf("high similarity (%f) should outrank pure recency (%f)", similar, recent)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %f, want 1", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors = %f, want 0", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Errorf("dimension mismatch = %f, want 0", got)
	}
	if got := Cosine([]float64{0, 0}, []float64{1, 0}); got != 0 {
		t.Errorf("zero vector = %f, want 0", got)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "deploy the staging cluster")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := e.Embed(ctx, "deploy the staging cluster")
	if Cosine(a, b) < 0.999 {
		t.Error("same text should embed identically")
	}

	c, _ := e.Embed(ctx, "completely unrelated grocery list")
	if sim := Cosine(a, c); sim > 0.5 {
		t.Errorf("unrelated texts too similar: %f", sim)
	}

	// Overlapping text should be closer than unrelated text.
	d, _ := e.Embed(ctx, "deploy the production cluster")
	if Cosine(a, d) <= Cosine(a, c) {
		t.Error("overlapping text should be more similar than unrelated text")
	}
}
