package memorystore

import (
	"sync"
	"time"
)

// cacheEntry holds a short-TTL value plus the time it expires.
type cacheEntry struct {
	value   any
	expires time.Time
}

// Cache is a process-local, short-TTL store for recently observed tool
// outputs and prompts. Entries are evicted lazily on access rather than by a
// background sweep, so a Cache costs nothing beyond a guarded map when idle.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	// scope -> key -> entry
	data map[string]map[string]cacheEntry
}

// NewCache constructs a Cache with the given per-entry time-to-live.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, data: make(map[string]map[string]cacheEntry)}
}

// Put stores a value under scope/key, resetting its expiry.
func (c *Cache) Put(scope, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.data[scope]
	if !ok {
		bucket = make(map[string]cacheEntry)
		c.data[scope] = bucket
	}

	bucket[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

// Get returns the value for scope/key if present and not expired. An expired
// entry is removed on lookup (lazy eviction) and reported as a miss.
func (c *Cache) Get(scope, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.data[scope]
	if !ok {
		return nil, false
	}

	entry, ok := bucket[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expires) {
		delete(bucket, key)
		return nil, false
	}

	return entry.value, true
}

// Delete removes a cached entry, if present.
func (c *Cache) Delete(scope, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bucket, ok := c.data[scope]; ok {
		delete(bucket, key)
	}
}
