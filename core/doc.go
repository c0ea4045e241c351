// Package core provides the foundational domain types, interfaces and execution
// contexts used by the orchestrator. It defines the core abstractions for:
//
//   - Sessions (stateful conversational containers with event history, plans
//     and checkpoints)
//   - Events / Messages (immutable communication + orchestration records,
//     tagged by MessageKind)
//   - RunContext / ToolContext (scoped execution & tool sandboxing)
//   - Pluggable stores for session state, artifacts and memory recall/search
//   - AgentSpec / WorkflowTemplate (agents and workflows modeled as data)
//   - ErrKind (a typed error taxonomy shared across packages)
//
// The package intentionally keeps implementation concerns (persistence, run
// orchestration, concrete agents) out of scope, exposing small interfaces to
// enable custom backends and extensions. All exported identifiers include
// concise documentation to aid discoverability and external consumption.
package core
