// Package orchestrator implements the session-scoped state machine that
// coordinates the ContextAssembler, AgentRunner, ToolRegistry, Checkpointer
// and EventBus for one session at a time. It is grounded on the teacher's
// runner.Runner (deleted after its event-delivery logic moved into
// eventbus.Bus), generalized from "drive one agent to completion" to "drive
// a declarative plan graph through a finite set of states," per the
// state-machine-as-data design note: the (state, trigger) -> (next state,
// action) table is a Go value built once at construction, not a switch
// statement, so fixtures can substitute it in tests.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/n0iac/agentcore/agentrunner"
	"github.com/n0iac/agentcore/checkpoint"
	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/contextassembler"
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/eventbus"
	"github.com/n0iac/agentcore/logging"
	"github.com/n0iac/agentcore/toolregistry"
)

// State is one label of the session state machine: Idle, Validating,
// Planning, Executing, AwaitingHuman, Recovering, Synthesizing, Terminal.
// Executing and
// AwaitingHuman are parametrized by a step index carried on the session
// itself (Session.StepIndex / Session.PendingInterrupt) rather than by a
// distinct enum value per step, since the table would otherwise need one
// row per possible plan length.
type State string

const (
	StateIdle          State = "idle"
	StateValidating    State = "validating"
	StatePlanning      State = "planning"
	StateExecuting     State = "executing"
	StateAwaitingHuman State = "awaiting_human"
	StateRecovering    State = "recovering"
	StateSynthesizing  State = "synthesizing"
	StateTerminal      State = "terminal"
)

// trigger is the event half of a (state, trigger) -> (next state, action)
// transition row.
type trigger string

const (
	triggerUserMessage trigger = "user_message"
	triggerValidated    trigger = "validated"
	triggerRejected     trigger = "rejected"
	triggerPlanReady    trigger = "plan_ready"
	triggerStepFinish   trigger = "finish_step"
	triggerStepFail     trigger = "fail_step"
	triggerRequestForm  trigger = "request_form"
	triggerDelegate     trigger = "delegate"
	triggerFormReply    trigger = "form_reply"
	triggerRecovered    trigger = "recovered"
	triggerSkipped      trigger = "skipped"
	triggerAborted      trigger = "aborted"
	triggerSynthesized  trigger = "synthesized"
	triggerCancel       trigger = "cancel"
)

// transitionKey identifies one row of the table.
type transitionKey struct {
	state   State
	trigger trigger
}

// transitionEntry is the (next_state, action) pair the table maps a
// transitionKey to. action runs the transition discipline side effects:
// append history, update plan/state, checkpoint, publish events. It
// receives the runtime and whatever payload the triggering call produced.
type transitionEntry struct {
	next   State
	action func(o *Orchestrator, rt *sessionRuntime, payload any) error
}

// Orchestrator coordinates one process's worth of sessions. All shared
// collaborators are passed in at construction per the "global-ish state"
// design note, so tests can substitute fakes for any of them.
type Orchestrator struct {
	catalog      *config.Catalog
	checkpointer checkpoint.Checkpointer
	assembler    *contextassembler.Assembler
	runner       *agentrunner.Runner
	tools        *toolregistry.Registry
	bus          *eventbus.Bus
	memory       core.MemoryStore
	logger       logging.Logger

	table map[transitionKey]transitionEntry

	mu       sync.Mutex
	sessions map[string]*sessionRuntime // key: tenantID+"/"+sessionID
}

// New constructs an Orchestrator wiring together the given collaborators and
// builds the transition table once. memory may be nil; when set, a short
// summary of each finished step's output is distilled into it.
func New(catalog *config.Catalog, checkpointer checkpoint.Checkpointer, assembler *contextassembler.Assembler, runner *agentrunner.Runner, tools *toolregistry.Registry, bus *eventbus.Bus, memory core.MemoryStore, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	o := &Orchestrator{
		catalog:      catalog,
		checkpointer: checkpointer,
		assembler:    assembler,
		runner:       runner,
		tools:        tools,
		bus:          bus,
		memory:       memory,
		logger:       logger,
		sessions:     make(map[string]*sessionRuntime),
	}
	o.table = buildTransitionTable()
	return o
}

func sessionKey(tenantID, sessionID string) string { return tenantID + "/" + sessionID }

// sessionRuntime is the in-process runtime state for one active session: the
// Session itself (which is internally synchronized and safe to touch without
// mu), its current machine State, and the cancellation scope for whatever is
// currently running (model call, tool call). mu guards only state and
// historyHWM — the two plain fields a transition mutates — and is never held
// across a blocking AgentRunner/ToolRegistry call, so Cancel can always
// acquire it to drive the cancel transition even while a step is in flight.
// This is single-writer for state mutations, not for the whole request.
type sessionRuntime struct {
	mu sync.Mutex

	tenantID   string
	sessionID  string
	session    *core.Session
	state      State
	historyHWM int

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// currentState reads rt.state under mu, the only safe way to observe it from
// outside a transition.
func (rt *sessionRuntime) currentState() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *sessionRuntime) setCancel(cancel context.CancelFunc) {
	rt.cancelMu.Lock()
	defer rt.cancelMu.Unlock()
	rt.cancel = cancel
}

func (rt *sessionRuntime) cancelCurrent() {
	rt.cancelMu.Lock()
	defer rt.cancelMu.Unlock()
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}
}

// runtimeFor returns the sessionRuntime for (tenantID, sessionID), loading
// the latest checkpoint to reconstruct state on first touch (the "reentry
// after restart" contract), or constructing a fresh Idle one if no
// checkpoint exists.
func (o *Orchestrator) runtimeFor(tenantID, sessionID string) (*sessionRuntime, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := sessionKey(tenantID, sessionID)
	if rt, ok := o.sessions[key]; ok {
		return rt, nil
	}

	sess := core.NewSessionForTenant(sessionID, tenantID)
	state := StateIdle

	if o.checkpointer != nil {
		cp, ok, err := o.checkpointer.LoadLatest(tenantID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: load checkpoint for %s: %v", core.ErrInternal, key, err)
		}
		if ok {
			sess.ApplyStateDelta(cp.State)
			sess.SetPlan(cp.Plan)
			sess.SetPendingInterrupt(cp.PendingInterrupt)
			if cp.StateTag != "" {
				state = State(cp.StateTag)
			}
			// Reentry contract: AwaitingHuman/Idle/Terminal just re-attach;
			// anything else re-enters so agents/tools replay from the step
			// recorded in the plan.
		}
	}

	rt := &sessionRuntime{tenantID: tenantID, sessionID: sessionID, session: sess, state: state}
	o.sessions[key] = rt
	return rt, nil
}

// transition looks up (rt.state, trig) in the table, runs its action, and
// advances rt.state on success, holding rt.mu for the whole call: the
// table lookup, the action (which may itself call publish), the state
// advance, and the closing checkpoint all run as one atomic step so a
// concurrent Cancel either runs entirely before or entirely after this one.
// It never wraps a blocking AgentRunner/ToolRegistry call — those run
// outside any transition, unlocked, so Cancel can still get in.
func (o *Orchestrator) transition(ctx context.Context, rt *sessionRuntime, trig trigger, payload any) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	entry, ok := o.table[transitionKey{state: rt.state, trigger: trig}]
	if !ok {
		return fmt.Errorf("%w: no transition for state %q trigger %q", core.ErrInternal, rt.state, trig)
	}

	if err := entry.action(o, rt, payload); err != nil {
		return err
	}
	rt.state = entry.next

	return o.checkpointNow(rt)
}

// checkpointNow persists rt.session's current snapshot tagged with rt.state,
// advancing historyHWM past every event appended so far. Callers must hold
// rt.mu.
func (o *Orchestrator) checkpointNow(rt *sessionRuntime) error {
	if o.checkpointer == nil {
		return nil
	}
	cp := rt.session.ToCheckpoint(rt.historyHWM, string(rt.state))
	if _, err := o.checkpointer.Save(cp); err != nil {
		return fmt.Errorf("%w: checkpoint save: %v", core.ErrInternal, err)
	}
	rt.historyHWM = len(rt.session.GetEvents())
	return nil
}

// publish appends ev to the session history, checkpoints that history
// synchronously, and only then fans ev out over the EventBus, so a client
// never observes an event whose recording wouldn't survive a crash. Callers
// must hold rt.mu; publishLocked is the entry point for call sites that are
// not already inside a transition.
func (o *Orchestrator) publish(rt *sessionRuntime, ev core.Event) error {
	rt.session.AddEvent(ev)
	if err := o.checkpointNow(rt); err != nil {
		return err
	}
	if o.bus != nil {
		o.bus.Publish(rt.tenantID, rt.sessionID, ev)
	}
	return nil
}

// publishLocked wraps one publish call in its own short-lived rt.mu section,
// for events driveExecuting emits mid-step (call_tool, emit_markdown,
// emit_progress) rather than at a state transition — each gets checkpointed
// and delivered durably without holding the lock for the whole step.
func (o *Orchestrator) publishLocked(rt *sessionRuntime, ev core.Event) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return o.publish(rt, ev)
}
