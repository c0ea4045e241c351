package memorystore

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/n0iac/agentcore/core"
)

// StoredMemory is the internal representation persisted by InMemoryStore.
// It mirrors the core.SearchResult shape (ID, content, metadata) plus the
// two signals Search needs beyond similarity: when it was written (for
// recency decay) and whether it was pinned (which overrides decay and
// similarity entirely).
type StoredMemory struct {
	ID        string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
	Pinned    bool
}

// MemoryRankingConfig controls how Search combines the Runtime tier's three
// relevance signals into one score: an explicit pin (wins outright,
// regardless of the weights below), recency (exponential decay toward 0 as
// a memory ages past RecencyHalfLife), and text similarity to the query.
// RecencyWeight and SimilarityWeight need not sum to 1; Search just takes
// their weighted sum.
type MemoryRankingConfig struct {
	RecencyWeight    float64
	SimilarityWeight float64
	RecencyHalfLife  time.Duration
}

// DefaultMemoryRankingConfig weights similarity over recency: a memory that
// matches the query well is more useful than one that is merely recent, but
// recency still breaks ties among equally similar candidates.
func DefaultMemoryRankingConfig() MemoryRankingConfig {
	return MemoryRankingConfig{
		RecencyWeight:    0.3,
		SimilarityWeight: 0.7,
		RecencyHalfLife:  24 * time.Hour,
	}
}

// defaultCacheTTL governs how long a Cache entry survives without being
// refreshed. Short enough that a stale tool result is never mistaken for a
// fresh one across orchestrator steps.
const defaultCacheTTL = 2 * time.Minute

// InMemoryStore is a process-local MemoryStore composed of three tiers:
//
//  1. Runtime: session-scoped key/value memory (Get/Put) plus append-only
//     stored memories with word-overlap ranked Search. This tier satisfies
//     core.MemoryStore directly and is always consistent within a process.
//  2. Cache: a short-TTL side index for values an AgentRunner wants to reuse
//     across steps of the same run without re-deriving them (see Cache).
//  3. Vector: a brute-force cosine-similarity index over caller-supplied
//     embeddings (see VectorIndex), reached through StoreEmbedding and
//     SearchByVector for callers that have an embedding model available.
//
// Only the Runtime tier is exposed through core.MemoryStore; Cache and
// Vector are additional capabilities callers reach through the concrete
// type when they need them (e.g. contextassembler when assembling a bundle).
type InMemoryStore struct {
	mu      sync.RWMutex
	memory  map[string]map[string]any          // sessionID -> key -> value
	storage map[string]map[string]StoredMemory // sessionID -> memoryID -> stored memory

	cache   *Cache
	vector  *VectorIndex
	ranking MemoryRankingConfig
}

// NewInMemoryStore creates a new in-memory memory store with the default
// cache TTL and ranking weights.
func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithCacheTTL(defaultCacheTTL)
}

// NewInMemoryStoreWithCacheTTL creates a new in-memory memory store whose
// Cache tier uses the given time-to-live and Search ranks with the default
// MemoryRankingConfig.
func NewInMemoryStoreWithCacheTTL(cacheTTL time.Duration) *InMemoryStore {
	return NewInMemoryStoreWithRanking(cacheTTL, DefaultMemoryRankingConfig())
}

// NewInMemoryStoreWithRanking creates a new in-memory memory store with
// explicit cache TTL and ranking weights, for callers that want Search to
// weigh recency/pins/similarity differently than the default.
func NewInMemoryStoreWithRanking(cacheTTL time.Duration, ranking MemoryRankingConfig) *InMemoryStore {
	return &InMemoryStore{
		memory:  make(map[string]map[string]any),
		storage: make(map[string]map[string]StoredMemory),
		cache:   NewCache(cacheTTL),
		vector:  NewVectorIndex(),
		ranking: ranking,
	}
}

// Get returns a shallow copy of the key/value memory map for the session.
func (m *InMemoryStore) Get(sessionID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionMemory, exists := m.memory[sessionID]
	if !exists {
		return make(map[string]any), nil
	}
	result := make(map[string]any, len(sessionMemory))
	for k, v := range sessionMemory {
		result[k] = v
	}
	return result, nil
}

// Put merges the provided delta map into the session's key/value memory.
func (m *InMemoryStore) Put(sessionID string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.memory[sessionID]; !exists {
		m.memory[sessionID] = make(map[string]any)
	}
	for k, v := range delta {
		m.memory[sessionID][k] = v
	}
	return nil
}

// Search ranks stored memories by combining three signals per m.ranking: an
// explicit pin (wins outright), recency decay since the memory was written,
// and word-overlap similarity to query. A non-empty query that matches no
// words of an unpinned memory excludes it, the same way the old substring
// filter did; an empty query matches everything. Results are returned
// highest-score-first, truncated to limit.
func (m *InMemoryStore) Search(sessionID string, query string, limit int) ([]core.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionStorage, exists := m.storage[sessionID]
	if !exists {
		return []core.SearchResult{}, nil
	}

	now := time.Now()
	type candidate struct {
		stored StoredMemory
		score  float64
	}
	candidates := make([]candidate, 0, len(sessionStorage))
	for _, stored := range sessionStorage {
		sim := textSimilarity(query, stored.Content)
		if query != "" && sim == 0 && !stored.Pinned {
			continue
		}
		candidates = append(candidates, candidate{stored: stored, score: m.score(stored, sim, now)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]core.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		md := make(map[string]interface{}, len(c.stored.Metadata))
		for k, v := range c.stored.Metadata {
			md[k] = v
		}
		results = append(results, core.SearchResult{ID: c.stored.ID, Content: c.stored.Content, Score: c.score, Metadata: md})
	}
	return results, nil
}

// score applies m.ranking to one stored memory. A pinned memory always
// scores 1.0: a pin is an explicit override of whatever the decay/similarity
// math would otherwise produce, not just another weighted input to it.
func (m *InMemoryStore) score(stored StoredMemory, similarity float64, now time.Time) float64 {
	if stored.Pinned {
		return 1.0
	}
	recency := recencyScore(now.Sub(stored.CreatedAt), m.ranking.RecencyHalfLife)
	return m.ranking.RecencyWeight*recency + m.ranking.SimilarityWeight*similarity
}

// recencyScore decays exponentially from 1.0 toward 0 as age grows past
// halfLife (at age == halfLife the score is exactly 0.5). A non-positive
// halfLife disables decay entirely (always 1.0), since a zero half-life
// would otherwise divide by zero.
func recencyScore(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
}

// textSimilarity is the fraction of query's distinct lowercased words also
// present in content, the Runtime tier's stand-in for a real similarity
// model (the Vector tier's cosine similarity over HashEmbedding vectors is
// the richer alternative contextassembler prefers when available). An empty
// query matches everything with similarity 1.
func textSimilarity(query, content string) float64 {
	if strings.TrimSpace(query) == "" {
		return 1.0
	}
	qTokens := tokenSet(query)
	if len(qTokens) == 0 {
		return 1.0
	}
	cTokens := tokenSet(content)
	matched := 0
	for t := range qTokens {
		if cTokens[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(qTokens))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		set[f] = true
	}
	return set
}

// Store appends a new stored memory generating a simple incremental id.
// metadata["pinned"] == true marks the memory as pinned, which makes Search
// always rank it at score 1.0 regardless of age or query match.
func (m *InMemoryStore) Store(sessionID string, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.storage[sessionID]; !exists {
		m.storage[sessionID] = make(map[string]StoredMemory)
	}
	memoryID := fmt.Sprintf("mem_%d", len(m.storage[sessionID]))
	pinned, _ := metadata["pinned"].(bool)
	m.storage[sessionID][memoryID] = StoredMemory{ID: memoryID, Content: content, Metadata: metadata, CreatedAt: time.Now(), Pinned: pinned}
	return nil
}

// Delete removes a stored memory entry by id, from both the Runtime and
// Vector tiers.
func (m *InMemoryStore) Delete(sessionID string, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionStorage, exists := m.storage[sessionID]
	if !exists {
		return fmt.Errorf("memory not found")
	}
	if _, exists := sessionStorage[memoryID]; !exists {
		return fmt.Errorf("memory not found")
	}
	delete(sessionStorage, memoryID)
	m.vector.Delete(sessionID, memoryID)
	return nil
}

// CachePut writes a value into the Cache tier under scope/key, useful for an
// AgentRunner that wants to reuse a derived value across steps of the same
// run without re-deriving it.
func (m *InMemoryStore) CachePut(scope, key string, value any) {
	m.cache.Put(scope, key, value)
}

// CacheGet reads a value from the Cache tier, reporting whether it was
// present and not yet expired.
func (m *InMemoryStore) CacheGet(scope, key string) (any, bool) {
	return m.cache.Get(scope, key)
}

// StoreEmbedding appends a stored memory the same way Store does, and also
// indexes its embedding in the Vector tier so it can later be retrieved by
// SearchByVector. Pass a nil embedding to skip vector indexing.
func (m *InMemoryStore) StoreEmbedding(sessionID, content string, embedding []float32, metadata map[string]any) (string, error) {
	m.mu.Lock()
	if _, exists := m.storage[sessionID]; !exists {
		m.storage[sessionID] = make(map[string]StoredMemory)
	}
	memoryID := fmt.Sprintf("mem_%d", len(m.storage[sessionID]))
	pinned, _ := metadata["pinned"].(bool)
	m.storage[sessionID][memoryID] = StoredMemory{ID: memoryID, Content: content, Metadata: metadata, CreatedAt: time.Now(), Pinned: pinned}
	m.mu.Unlock()

	if embedding != nil {
		m.vector.Add(sessionID, memoryID, content, embedding, metadata)
	}
	return memoryID, nil
}

// SearchByVector ranks stored memories in the Vector tier by cosine
// similarity to the query embedding, returning the top-k.
func (m *InMemoryStore) SearchByVector(sessionID string, queryEmbedding []float32, limit int) []core.SearchResult {
	return m.vector.Search(sessionID, queryEmbedding, limit)
}
