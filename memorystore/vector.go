package memorystore

import (
	"math"
	"sort"
	"sync"

	"github.com/n0iac/agentcore/core"
)

// vectorEntry pairs a stored memory with its embedding.
type vectorEntry struct {
	id        string
	content   string
	metadata  map[string]any
	embedding []float32
}

// VectorIndex is a brute-force cosine-similarity index over caller-supplied
// embeddings, scoped per session. It trades the O(n) scan cost for zero
// external dependencies; a production deployment would swap this for a real
// vector database behind the same SearchByVector signature.
type VectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]vectorEntry // sessionID -> entries
}

// NewVectorIndex constructs an empty VectorIndex.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{vectors: make(map[string][]vectorEntry)}
}

// Add indexes an embedding under the session scope and the caller-supplied
// id.
func (v *VectorIndex) Add(sessionID, id, content string, embedding []float32, metadata map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[sessionID] = append(v.vectors[sessionID], vectorEntry{
		id:        id,
		content:   content,
		metadata:  metadata,
		embedding: embedding,
	})
}

// Delete removes the entry with the given id from the session scope, if any.
func (v *VectorIndex) Delete(sessionID, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.vectors[sessionID]
	for i, e := range entries {
		if e.id == id {
			v.vectors[sessionID] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Search returns the top-k entries by cosine similarity to query, highest
// first. Entries with a zero-norm embedding are skipped.
func (v *VectorIndex) Search(sessionID string, query []float32, k int) []core.SearchResult {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entries := v.vectors[sessionID]
	type scored struct {
		entry vectorEntry
		score float64
	}
	candidates := make([]scored, 0, len(entries))
	for _, e := range entries {
		sim := cosineSimilarity(query, e.embedding)
		if math.IsNaN(sim) {
			continue
		}
		candidates = append(candidates, scored{entry: e, score: sim})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if k > len(candidates) {
		k = len(candidates)
	}
	results := make([]core.SearchResult, 0, k)
	for i := 0; i < k; i++ {
		c := candidates[i]
		results = append(results, core.SearchResult{
			ID:       c.entry.id,
			Content:  c.entry.content,
			Score:    c.score,
			Metadata: c.entry.metadata,
		})
	}
	return results
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
