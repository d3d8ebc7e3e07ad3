package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector. The provider-backed embedder is
// preferred; HashEmbedder is the offline fallback.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic feature-hashing embedder. It has no
// semantic understanding but keeps retrieval functional when no
// provider embedding is available, and its determinism makes tests
// reproducible.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder returns an embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{Dims: dims}
}

// Embed implements Embedder. Tokens are lowercased words and word
// bigrams, hashed into the vector with signed counts, then normalized.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.Dims)
	words := tokenize(text)
	for i, word := range words {
		addFeature(vec, word)
		if i+1 < len(words) {
			addFeature(vec, word+" "+words[i+1])
		}
	}
	normalize(vec)
	return vec, nil
}

func addFeature(vec []float64, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	sign := 1.0
	if sum&(1<<63) != 0 {
		sign = -1.0
	}
	vec[idx] += sign
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}
