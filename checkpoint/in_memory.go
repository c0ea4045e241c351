package checkpoint

import (
	"sort"
	"sync"

	"github.com/n0iac/agentcore/core"
)

// InMemoryCheckpointer is a process-local Checkpointer for tests and
// ephemeral demo runs. Versions are kept per (tenant, session) key in an
// append-only slice guarded by a single mutex.
type InMemoryCheckpointer struct {
	mu         sync.Mutex
	checkpoints map[string][]core.Checkpoint // key(tenant,session) -> versions ascending
}

// NewInMemoryCheckpointer constructs an empty InMemoryCheckpointer.
func NewInMemoryCheckpointer() *InMemoryCheckpointer {
	return &InMemoryCheckpointer{checkpoints: make(map[string][]core.Checkpoint)}
}

func key(tenantID, sessionID string) string { return tenantID + "/" + sessionID }

func (c *InMemoryCheckpointer) Save(cp core.Checkpoint) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(cp.TenantID, cp.SessionID)
	existing := c.checkpoints[k]
	nextVersion := 1
	if len(existing) > 0 {
		nextVersion = existing[len(existing)-1].Version + 1
	}
	cp.Version = nextVersion
	c.checkpoints[k] = append(existing, cp)
	return nextVersion, nil
}

func (c *InMemoryCheckpointer) LoadLatest(tenantID, sessionID string) (core.Checkpoint, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.checkpoints[key(tenantID, sessionID)]
	if len(versions) == 0 {
		return core.Checkpoint{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (c *InMemoryCheckpointer) LoadAt(tenantID, sessionID string, version int) (core.Checkpoint, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.checkpoints[key(tenantID, sessionID)]
	var best core.Checkpoint
	found := false
	for _, cp := range versions {
		if cp.Version <= version && (!found || cp.Version > best.Version) {
			best = cp
			found = true
		}
	}
	return best, found, nil
}

func (c *InMemoryCheckpointer) ListVersions(tenantID, sessionID string, limit int) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	versions := c.checkpoints[key(tenantID, sessionID)]
	out := make([]int, 0, len(versions))
	for _, cp := range versions {
		out = append(out, cp.Version)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *InMemoryCheckpointer) Prune(tenantID, sessionID string, keepLast int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(tenantID, sessionID)
	versions := c.checkpoints[k]
	if len(versions) <= keepLast {
		return nil
	}
	c.checkpoints[k] = versions[len(versions)-keepLast:]
	return nil
}

var _ Checkpointer = (*InMemoryCheckpointer)(nil)
