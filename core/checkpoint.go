package core

import "time"

// Checkpoint is a durable, versioned snapshot of one session's state, as
// persisted by a Checkpointer. Version is monotonic per (TenantID,
// SessionID); writes are atomic and a read for a requested version returns
// the latest version at or below it.
type Checkpoint struct {
	TenantID         string                 `json:"tenant_id"`
	SessionID        string                 `json:"session_id"`
	Version          int                    `json:"version"`
	State            map[string]interface{} `json:"state"`
	StateTag         string                 `json:"state_tag,omitempty"`
	Plan             []PlanStep             `json:"plan"`
	HistoryHWM       int                    `json:"history_hwm"`
	PendingInterrupt *FormRequest           `json:"pending_interrupt,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}
