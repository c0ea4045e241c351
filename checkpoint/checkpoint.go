// Package checkpoint persists versioned Session snapshots so an Orchestrator
// can recover a session's durable state after a crash or restart. A
// Checkpointer is the synchronization boundary of the system: any state
// transition not yet checkpointed is re-executed on recovery, and any
// transition that made it past save is replayed from history, never
// recomputed.
package checkpoint

import "github.com/n0iac/agentcore/core"

// Checkpointer persists and retrieves Checkpoint snapshots keyed by
// (tenant, session, version). Writes must be atomic: a call to Save either
// fully lands or has no visible effect.
type Checkpointer interface {
	// Save persists cp at the next version for (cp.TenantID, cp.SessionID)
	// and returns the version assigned.
	Save(cp core.Checkpoint) (int, error)

	// LoadLatest returns the highest-versioned checkpoint for the session,
	// or ok=false if none exists.
	LoadLatest(tenantID, sessionID string) (core.Checkpoint, bool, error)

	// LoadAt returns the checkpoint at the latest version <= the requested
	// version, or ok=false if none exists at or below it.
	LoadAt(tenantID, sessionID string, version int) (core.Checkpoint, bool, error)

	// ListVersions returns up to limit version numbers for the session,
	// most recent first.
	ListVersions(tenantID, sessionID string, limit int) ([]int, error)

	// Prune removes all but the keepLast most recent versions for the
	// session.
	Prune(tenantID, sessionID string, keepLast int) error
}
