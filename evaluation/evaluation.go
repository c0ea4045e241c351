// Package evaluation provides a deterministic scenario-fixture harness for
// driving a full Orchestrator stack end to end against scripted model and
// tool backends, without any network call. It generalizes the teacher's own
// minimal Invocation/Result/Evaluator shape (one inbound Content, one final
// Content, pass/fail) to the Orchestrator's richer session lifecycle: a
// scenario sends a sequence of inbound actions (user message, form reply,
// cancel, reconnect) and asserts against the stream of events the bus
// delivers and the checkpoints the session passes through.
package evaluation

import (
	"context"
	"time"

	"github.com/n0iac/agentcore/agentrunner"
	"github.com/n0iac/agentcore/checkpoint"
	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/contextassembler"
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/eventbus"
	"github.com/n0iac/agentcore/logging"
	"github.com/n0iac/agentcore/memorystore"
	"github.com/n0iac/agentcore/orchestrator"
	"github.com/n0iac/agentcore/toolregistry"
)

// Invocation is one inbound/outbound pair under evaluation, kept close to
// the teacher's original shape for the simplest case: a single user message
// and the markdown the session eventually settles on.
type Invocation struct {
	UserContent   core.Content
	FinalResponse core.Content
}

// Result is the outcome of evaluating an Invocation or running a Scenario.
type Result struct {
	Passed bool
	Detail string
	Events []core.Event
}

// Evaluator scores one Invocation, e.g. a semantic-similarity or exact-match
// check against FinalResponse. Kept as an extension point; this package
// itself only ships the structural Harness below.
type Evaluator interface {
	Evaluate(invocation Invocation) (*Result, error)
}

// Harness wires one Orchestrator stack for a scenario run: in-memory
// MemoryStore and ToolRegistry, a caller-supplied model resolver and
// Checkpointer (an in-memory one for single-process scenarios, a reopened
// SQLite one for the restart-recovery scenario), and a bus subscription the
// scenario drains events from.
type Harness struct {
	TenantID  string
	SessionID string

	Orchestrator *orchestrator.Orchestrator
	Bus          *eventbus.Bus
	Checkpointer checkpoint.Checkpointer
	Memory       core.MemoryStore
	Tools        *toolregistry.Registry

	events <-chan core.Event
	unsub  func()
}

// NewHarness constructs a Harness from a catalog, a model resolver, and an
// optional tool setup func (may be nil). cp is the checkpointer to use;
// pass the same Checkpointer across two Harnesses sharing a db path to
// simulate a process restart (scenario 5).
func NewHarness(tenantID, sessionID string, cat *config.Catalog, models agentrunner.StaticModelResolver, cp checkpoint.Checkpointer, configureTools func(*toolregistry.Registry)) *Harness {
	mem := memorystore.NewInMemoryStore()
	tools := toolregistry.New()
	if configureTools != nil {
		configureTools(tools)
	}
	assembler := contextassembler.New(mem, tools)
	runner := agentrunner.New(models, logging.NoOpLogger{})
	bus := eventbus.New()

	orch := orchestrator.New(cat, cp, assembler, runner, tools, bus, mem, logging.NoOpLogger{})
	events, unsub := bus.Subscribe(tenantID, sessionID, "evaluation-harness")

	return &Harness{
		TenantID:     tenantID,
		SessionID:    sessionID,
		Orchestrator: orch,
		Bus:          bus,
		Checkpointer: cp,
		Memory:       mem,
		Tools:        tools,
		events:       events,
		unsub:        unsub,
	}
}

// Close releases the harness's bus subscription.
func (h *Harness) Close() { h.unsub() }

// SendUserMessage drives HandleUserMessage to its next suspend point.
func (h *Harness) SendUserMessage(ctx context.Context, text string) error {
	return h.Orchestrator.HandleUserMessage(ctx, h.TenantID, h.SessionID, text)
}

// SendFormReply drives HandleFormReply to its next suspend point.
func (h *Harness) SendFormReply(ctx context.Context, reply core.FormReply) error {
	return h.Orchestrator.HandleFormReply(ctx, h.TenantID, h.SessionID, reply)
}

// Cancel interrupts the in-flight request, if any.
func (h *Harness) Cancel(ctx context.Context) error {
	return h.Orchestrator.Cancel(ctx, h.TenantID, h.SessionID)
}

// Reenter re-publishes the session's outstanding interrupt, if any,
// simulating a reconnecting client.
func (h *Harness) Reenter(ctx context.Context) error {
	return h.Orchestrator.Reenter(ctx, h.TenantID, h.SessionID)
}

// Drain collects every event already queued on the bus without blocking,
// the same synchronous-suspend-point assumption every scenario relies on: a
// HandleUserMessage/HandleFormReply/Cancel call only returns once the
// session has produced every event for that leg of the run.
func (h *Harness) Drain() []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-time.After(10 * time.Millisecond):
			return out
		default:
			return out
		}
	}
}

// LatestCheckpoint returns the most recently persisted checkpoint for this
// session, the external view of session state a scenario can assert
// against without reaching into orchestrator package internals.
func (h *Harness) LatestCheckpoint() (core.Checkpoint, bool, error) {
	return h.Checkpointer.LoadLatest(h.TenantID, h.SessionID)
}

// EventsOfKind filters a slice of events by MessageKind, a small helper
// every scenario's assertions lean on.
func EventsOfKind(events []core.Event, kind core.MessageKind) []core.Event {
	var out []core.Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// MarkdownText concatenates the text parts of every agent_markdown event in
// events, in order.
func MarkdownText(events []core.Event) string {
	var text string
	for _, ev := range EventsOfKind(events, core.MessageAgentMarkdown) {
		if ev.Content == nil {
			continue
		}
		for _, p := range ev.Content.Parts {
			if tp, ok := p.(core.TextPart); ok {
				text += tp.Text
			}
		}
	}
	return text
}
