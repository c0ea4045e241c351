package util

import (
	"hash/fnv"
	"math"
	"strings"
)

// EmbeddingDims is the fixed vector width HashEmbedding produces. Kept as a
// package constant so every caller (contextassembler's query embedding,
// the orchestrator's step-summary embedding) indexes into the same space.
const EmbeddingDims = 64

// HashEmbedding derives a deterministic bag-of-words vector for text via the
// hashing trick: each lowercased token is hashed into one of dims buckets
// and accumulated there, with a second hash bit choosing the bucket's sign
// to reduce collision bias between unrelated tokens. This stands in for a
// trained embedding model wherever no embedding provider is configured,
// giving the Vector tier a real (if crude) similarity signal instead of the
// word-overlap ratio the Runtime tier falls back to.
func HashEmbedding(text string, dims int) []float32 {
	vec := make([]float32, dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()

		bucket := int(sum) % dims
		if bucket < 0 {
			bucket += dims
		}

		sign := float32(1)
		if sum>>31 == 0 {
			sign = -1
		}
		vec[bucket] += sign
	}
	normalize(vec)
	return vec
}

// normalize scales vec to unit length in place, leaving an all-zero vector
// (no tokens) untouched so cosine similarity against it stays well-defined
// as NaN rather than dividing by zero here too.
func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i, v := range vec {
		vec[i] = v / norm
	}
}
