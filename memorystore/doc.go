// Package memorystore contains concrete MemoryStore implementations. The
// store interface and SearchResult type reside in the core package; import
// github.com/n0iac/agentcore/core and depend on core.MemoryStore in your
// code, then select an implementation (like InMemoryStore below) at wiring
// time.
//
// InMemoryStore layers three tiers behind one process-local type:
//
//   - Runtime: session key/value memory and stored memories ranked by word
//     overlap. This is the tier core.MemoryStore exposes.
//   - Cache: a short-TTL side index (CachePut/CacheGet) for values an
//     AgentRunner wants to reuse across steps of the same run.
//   - Vector: a brute-force cosine-similarity index over caller-supplied
//     embeddings (StoreEmbedding/SearchByVector), for callers that have an
//     embedding model available and want semantic rather than word-overlap
//     retrieval.
//
// Swap InMemoryStore for a durable or vector-database-backed implementation
// in production; the narrow core.MemoryStore contract keeps callers
// decoupled from the choice.
package memorystore
