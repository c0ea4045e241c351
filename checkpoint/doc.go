// Package checkpoint implements the Checkpointer contract: durable,
// versioned snapshots of session state keyed by (tenant, session, version).
//
// Two backends are provided: InMemoryCheckpointer for tests and ephemeral
// runs, and SQLiteCheckpointer for production use — an append-only table
// opened in WAL mode, with writes to a given (tenant, session) serialized
// through an in-process lock so the version column behaves as a gapless
// sequence under concurrent writers.
package checkpoint
