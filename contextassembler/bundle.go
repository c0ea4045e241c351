// Package contextassembler builds the bounded ContextBundle an AgentRunner
// invocation consumes, applying the fixed five-step assembly algorithm and a
// token-budget eviction order grounded on the teacher's flow.RequestProcessor
// pipeline (flow/processors.go): instructions, then conversation history,
// then (here, additionally) memory, tools and peers, each contributed by a
// dedicated step rather than one monolithic function.
package contextassembler

import (
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/toolregistry"
)

// PeerDescriptor is the no-transitive-exposure view of a delegation target:
// just enough for the model to decide whether to delegate, never the peer's
// own system prompt or tool list.
type PeerDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ContextBundle is the transient, per-step input handed to one AgentRunner
// invocation. It is owned by that invocation; nothing else retains it once
// the turn returns.
type ContextBundle struct {
	Instructions        string
	PinnedTurns         []core.Event
	History             []core.Event
	MemoryItems         []core.SearchResult
	Tools               []toolregistry.ToolDescriptor
	Peers               []PeerDescriptor
	ToolResultsThisStep []core.Event
}
