package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/n0iac/agentcore/core"
)

// SQLiteCheckpointer is the durable Checkpointer backend: an append-only
// table keyed by (tenant_id, session_id, version) with a unique index,
// opened in WAL mode so readers never block the writer appending the next
// version. Writes for a given (tenant, session) are serialized through an
// in-process mutex keyed by that pair, since the version column alone
// cannot prevent two concurrent writers from racing to claim the same next
// version.
type SQLiteCheckpointer struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ Checkpointer = (*SQLiteCheckpointer)(nil)

// Open opens (or creates) a SQLite database at dbPath and runs migrations.
func Open(dbPath string) (*SQLiteCheckpointer, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	c := &SQLiteCheckpointer{db: db, locks: make(map[string]*sync.Mutex)}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *SQLiteCheckpointer) Close() error { return c.db.Close() }

func (c *SQLiteCheckpointer) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		tenant_id  TEXT NOT NULL,
		session_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		blob       TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, session_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_latest ON checkpoints(tenant_id, session_id, version DESC);
	`
	_, err := c.db.Exec(schema)
	return err
}

func (c *SQLiteCheckpointer) lockFor(tenantID, sessionID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	k := key(tenantID, sessionID)
	l, ok := c.locks[k]
	if !ok {
		l = &sync.Mutex{}
		c.locks[k] = l
	}
	return l
}

// marshalBlob serializes everything but the (tenant_id, session_id, version,
// created_at) envelope fields, which live in their own columns. The
// envelope is stripped from the blob with sjson rather than omitted from
// the struct, keeping Checkpoint's JSON tags identical to its in-memory
// shape so the in-memory and SQLite backends round-trip the same bytes.
func marshalBlob(cp core.Checkpoint) (string, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	blob := string(raw)
	for _, field := range []string{"tenant_id", "session_id", "version", "created_at"} {
		blob, err = sjson.Delete(blob, field)
		if err != nil {
			return "", err
		}
	}
	return blob, nil
}

func unmarshalBlob(blob string, tenantID, sessionID string, version int, createdAt time.Time) (core.Checkpoint, error) {
	var cp core.Checkpoint
	if err := json.Unmarshal([]byte(blob), &cp); err != nil {
		return core.Checkpoint{}, err
	}
	cp.TenantID = tenantID
	cp.SessionID = sessionID
	cp.Version = version
	cp.CreatedAt = createdAt
	return cp, nil
}

func (c *SQLiteCheckpointer) Save(cp core.Checkpoint) (int, error) {
	lock := c.lockFor(cp.TenantID, cp.SessionID)
	lock.Lock()
	defer lock.Unlock()

	var maxVersion int
	err := c.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE tenant_id=? AND session_id=?`,
		cp.TenantID, cp.SessionID,
	).Scan(&maxVersion)
	if err != nil {
		return 0, err
	}

	blob, err := marshalBlob(cp)
	if err != nil {
		return 0, err
	}

	nextVersion := maxVersion + 1
	createdAt := time.Now().UTC()
	_, err = c.db.Exec(
		`INSERT INTO checkpoints (tenant_id, session_id, version, blob, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.TenantID, cp.SessionID, nextVersion, blob, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return nextVersion, nil
}

// PeekStateTag returns a session's current state tag by picking the
// state_tag field straight out of the stored blob with gjson, rather than
// unmarshaling the full Checkpoint (whose State map can be arbitrarily
// large) just to read one field. It is the read-side complement of
// marshalBlob's sjson.Delete, for callers (a debug/health endpoint) that
// want a cheap check rather than a full Load.
func (c *SQLiteCheckpointer) PeekStateTag(tenantID, sessionID string) (string, bool, error) {
	var blob string
	err := c.db.QueryRow(
		`SELECT blob FROM checkpoints WHERE tenant_id=? AND session_id=? ORDER BY version DESC LIMIT 1`,
		tenantID, sessionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return gjson.Get(blob, "state_tag").String(), true, nil
}

func (c *SQLiteCheckpointer) LoadLatest(tenantID, sessionID string) (core.Checkpoint, bool, error) {
	var version int
	var blob string
	var createdAt time.Time
	err := c.db.QueryRow(
		`SELECT version, blob, created_at FROM checkpoints WHERE tenant_id=? AND session_id=? ORDER BY version DESC LIMIT 1`,
		tenantID, sessionID,
	).Scan(&version, &blob, &createdAt)
	if err == sql.ErrNoRows {
		return core.Checkpoint{}, false, nil
	}
	if err != nil {
		return core.Checkpoint{}, false, err
	}
	cp, err := unmarshalBlob(blob, tenantID, sessionID, version, createdAt)
	return cp, err == nil, err
}

func (c *SQLiteCheckpointer) LoadAt(tenantID, sessionID string, version int) (core.Checkpoint, bool, error) {
	var foundVersion int
	var blob string
	var createdAt time.Time
	err := c.db.QueryRow(
		`SELECT version, blob, created_at FROM checkpoints WHERE tenant_id=? AND session_id=? AND version<=? ORDER BY version DESC LIMIT 1`,
		tenantID, sessionID, version,
	).Scan(&foundVersion, &blob, &createdAt)
	if err == sql.ErrNoRows {
		return core.Checkpoint{}, false, nil
	}
	if err != nil {
		return core.Checkpoint{}, false, err
	}
	cp, err := unmarshalBlob(blob, tenantID, sessionID, foundVersion, createdAt)
	return cp, err == nil, err
}

func (c *SQLiteCheckpointer) ListVersions(tenantID, sessionID string, limit int) ([]int, error) {
	query := `SELECT version FROM checkpoints WHERE tenant_id=? AND session_id=? ORDER BY version DESC`
	args := []any{tenantID, sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (c *SQLiteCheckpointer) Prune(tenantID, sessionID string, keepLast int) error {
	_, err := c.db.Exec(
		`DELETE FROM checkpoints WHERE tenant_id=? AND session_id=? AND version NOT IN (
			SELECT version FROM checkpoints WHERE tenant_id=? AND session_id=? ORDER BY version DESC LIMIT ?
		)`,
		tenantID, sessionID, tenantID, sessionID, keepLast,
	)
	return err
}
