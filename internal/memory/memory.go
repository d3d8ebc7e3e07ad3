// Package memory provides the retrieval surface the orchestrator
// consumes: thread summaries, blended semantic recall, and active
// state items. Degradation here is never fatal to a step; callers fall
// back and record memory.degraded.
package memory

import (
	"context"
	"math"
	"sort"
	"time"
)

// Summary is a thread's rolling summary pair.
type Summary struct {
	Short         string
	Long          string
	LastUpdatedAt time.Time
}

// Chunk is one retrieved text fragment.
type Chunk struct {
	Text       string
	Score      float64
	Provenance string
}

// StateItem is one extracted durable fact about a thread.
type StateItem struct {
	ID         string
	Type       string // decision, constraint, action, risk, question
	Status     string
	Topic      string
	Text       string
	Pinned     bool
	Conflict   bool
	Confidence float64
	RefCount   int
	LastSeenAt time.Time
}

// BlendParams weights semantic similarity against recency decay.
type BlendParams struct {
	SemanticWeight float64
	RecencyWeight  float64

	// HalfLife is the age at which a chunk's recency contribution
	// halves.
	HalfLife time.Duration
}

// DefaultBlend is the standard 70/30 split with a one-week half-life.
func DefaultBlend() BlendParams {
	return BlendParams{
		SemanticWeight: 0.7,
		RecencyWeight:  0.3,
		HalfLife:       7 * 24 * time.Hour,
	}
}

// Store is the memory interface the orchestrator depends on.
type Store interface {
	ThreadSummary(ctx context.Context, threadID string) (Summary, error)
	Retrieve(ctx context.Context, threadID, query string, k int, blend BlendParams) ([]Chunk, error)
	ActiveStateItems(ctx context.Context, threadID, agentID string) ([]StateItem, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// typePriority orders state item types for prompt rendering.
var typePriority = map[string]int{
	"decision":   0,
	"constraint": 1,
	"action":     2,
	"risk":       3,
	"question":   4,
}

// SortStateItems orders items pinned-first, then by type priority,
// then confidence descending, then last-seen descending.
func SortStateItems(items []StateItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		pa, pb := priorityOf(a.Type), priorityOf(b.Type)
		if pa != pb {
			return pa < pb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.LastSeenAt.After(b.LastSeenAt)
	})
}

func priorityOf(typ string) int {
	if p, ok := typePriority[typ]; ok {
		return p
	}
	return len(typePriority)
}

// BlendScore combines cosine similarity with exponential recency decay.
func BlendScore(similarity float64, age time.Duration, blend BlendParams) float64 {
	recency := 0.0
	if blend.HalfLife > 0 {
		recency = math.Exp2(-age.Hours() / blend.HalfLife.Hours())
	}
	return blend.SemanticWeight*similarity + blend.RecencyWeight*recency
}

// Cosine returns the cosine similarity of two vectors, 0 for a
// dimension mismatch or zero vector.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
