package core

import (
	"sync"
	"time"
)

// Session represents a conversational container tracking mutable key/value
// state plus an ordered event history. It is safe for concurrent access.
//
// Contract:
//   - State mutations update Updated timestamp
//   - GetEvents returns a defensive copy to avoid external mutation
//   - GetConversationHistory filters events to user/assistant/tool roles and
//     excludes partial streaming fragments
//   - Clone performs deep copies of maps/slices for safe divergence.
type Session struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	State            map[string]interface{} `json:"state"`
	Events           []Event                `json:"events"`
	Plan             []PlanStep             `json:"plan,omitempty"`
	StepIndex        int                    `json:"step_index"`
	Version          int                    `json:"version"`
	PendingInterrupt *FormRequest           `json:"pending_interrupt,omitempty"`
	Created          time.Time              `json:"created"`
	Updated          time.Time              `json:"updated"`
	Metadata         map[string]string      `json:"metadata"`
	mu               sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	return NewSessionForTenant(id, "")
}

// NewSessionForTenant creates a new session with the given ID, scoped to a
// tenant for multi-tenant Checkpointer and ToolRegistry lookups.
func NewSessionForTenant(id, tenantID string) *Session {
	now := time.Now()
	return &Session{
		ID:       id,
		TenantID: tenantID,
		State:    map[string]interface{}{},
		Events:   []Event{},
		Created:  now,
		Updated:  now,
		Metadata: map[string]string{},
	}
}

func (s *Session) GetState(key string) (interface{}, bool) {
	// GetState returns the value and existence flag for a state key.
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// SetState sets a key/value pair in session state updating the Updated timestamp.
func (s *Session) SetState(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State[key] = value
	s.Updated = time.Now()
}

// ApplyStateDelta merges the provided key/value pairs into State.
func (s *Session) ApplyStateDelta(delta map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.State[k] = v
	}
	s.Updated = time.Now()
}

// AddEvent appends an event to the history updating Updated timestamp.
func (s *Session) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	s.Updated = time.Now()
}

// GetEvents returns a copy of the full event slice to prevent callers from
// mutating internal state.
// GetEvents returns a defensive copy of the full event slice.
func (s *Session) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	return events
}

// GetConversationHistory returns filtered events suitable for providing
// conversational context to models (excludes partials and non-conversational roles).
func (s *Session) GetConversationHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[string]bool{"user": true, "assistant": true, "tool": true}
	res := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.Content == nil || !allowed[ev.Content.Role] {
			continue
		}
		if ev.Partial != nil && *ev.Partial {
			continue
		}
		res = append(res, ev)
	}
	return res
}

// Clone creates a deep copy of the session (maps & slices) except mutex.
// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:        s.ID,
		TenantID:  s.TenantID,
		State:     make(map[string]interface{}, len(s.State)),
		Events:    make([]Event, len(s.Events)),
		Plan:      make([]PlanStep, len(s.Plan)),
		StepIndex: s.StepIndex,
		Version:   s.Version,
		Created:   s.Created,
		Updated:   s.Updated,
		Metadata:  make(map[string]string, len(s.Metadata)),
	}
	for k, v := range s.State {
		clone.State[k] = v
	}
	copy(clone.Events, s.Events)
	copy(clone.Plan, s.Plan)
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	if s.PendingInterrupt != nil {
		fr := *s.PendingInterrupt
		clone.PendingInterrupt = &fr
	}
	return clone
}

// SetPlan replaces the session's plan, bumping Updated. Invariant enforced
// by callers, not here: at most one PlanStep may be PlanStepRunning.
func (s *Session) SetPlan(plan []PlanStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Plan = plan
	s.Updated = time.Now()
}

// CurrentStep returns the PlanStep at StepIndex, or false if the plan is
// empty or the index is out of range.
func (s *Session) CurrentStep() (PlanStep, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.StepIndex < 0 || s.StepIndex >= len(s.Plan) {
		return PlanStep{}, false
	}
	return s.Plan[s.StepIndex], true
}

// UpdateStep replaces the PlanStep at the given index and bumps Updated.
func (s *Session) UpdateStep(index int, step PlanStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.Plan) {
		return
	}
	s.Plan[index] = step
	s.Updated = time.Now()
}

// AdvanceStep moves StepIndex to the next plan entry.
func (s *Session) AdvanceStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StepIndex++
	s.Updated = time.Now()
}

// SetPendingInterrupt records a suspended form request, transitioning the
// session toward AwaitingHuman. Pass nil to clear it on resume.
func (s *Session) SetPendingInterrupt(fr *FormRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingInterrupt = fr
	s.Updated = time.Now()
}

// BumpVersion increments and returns the session's version counter. Callers
// use the returned value as the Checkpoint version for the transition they
// are about to persist.
func (s *Session) BumpVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Version++
	return s.Version
}

// ToCheckpoint captures the durable fields of the session as a Checkpoint at
// its current Version. historyHWM is the caller-supplied high-water mark of
// events already reflected in prior checkpoints; stateTag records the
// orchestrator's state-machine label (e.g. "executing") so a restart can
// re-enter the same state without replaying transitions from Idle.
func (s *Session) ToCheckpoint(historyHWM int, stateTag string) Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := make(map[string]interface{}, len(s.State))
	for k, v := range s.State {
		state[k] = v
	}
	plan := make([]PlanStep, len(s.Plan))
	copy(plan, s.Plan)
	return Checkpoint{
		TenantID:         s.TenantID,
		SessionID:        s.ID,
		Version:          s.Version,
		State:            state,
		StateTag:         stateTag,
		Plan:             plan,
		HistoryHWM:       historyHWM,
		PendingInterrupt: s.PendingInterrupt,
		CreatedAt:        s.Updated,
	}
}

// SessionStore persists sessions and their evolving state / event history.
type SessionStore interface {
	Create(id string) (*Session, error)
	Get(id string) (*Session, error)
	AppendEvent(sessionID string, event Event) error
	ApplyDelta(sessionID string, delta map[string]interface{}) error
}
