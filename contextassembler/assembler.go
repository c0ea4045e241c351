package contextassembler

import (
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/internal/util"
	"github.com/n0iac/agentcore/toolregistry"
)

// minMemoryScore is the floor below which a retrieved memory item is dropped
// before it ever reaches the token budget pass.
const minMemoryScore = 0.2

// charsPerToken is the conservative length-based token estimate used
// throughout this package: characters/4, matching the rough heuristic
// common across the provider SDKs in this stack, not a provider-specific
// tokenizer. Exact counts are provider- and model-version-specific and the
// budget here is a soft eviction trigger, not a hard API limit.
const charsPerToken = 4

// Assembler builds ContextBundles from a Session's history, the process-wide
// MemoryStore and ToolRegistry, and a caller-supplied peer roster. It is
// pure given its inputs and a MemoryStore snapshot: the same Input produces
// the same ContextBundle within a single step.
type Assembler struct {
	memory core.MemoryStore
	tools  *toolregistry.Registry
}

// vectorMemoryStore is implemented by MemoryStore backends that also index
// an embedding-based Vector tier (memorystore.InMemoryStore does).
// searchMemory prefers it over the plain core.MemoryStore.Search whenever
// the concrete store supports it, since a hashed embedding's cosine
// similarity is a richer relevance signal than the Runtime tier's
// word-overlap fallback.
type vectorMemoryStore interface {
	SearchByVector(sessionID string, queryEmbedding []float32, limit int) []core.SearchResult
}

// New constructs an Assembler over the given MemoryStore and ToolRegistry.
func New(memory core.MemoryStore, tools *toolregistry.Registry) *Assembler {
	return &Assembler{memory: memory, tools: tools}
}

// Input collects everything specific to one PlanStep's assembly call: the
// Session supplies history, the PlanStep and triggering message drive the
// memory query, and AgentSpec/peers/tool-results scope the rest.
type Input struct {
	Session             *core.Session
	Step                core.PlanStep
	TriggeringMessage    string
	Instructions         string
	PermittedTools        []string
	Peers                 []PeerDescriptor
	ToolResultsThisStep   []core.Event
	HistoryWindow         int // K-turn window size
	PinnedEventIDs        map[string]bool
	MemoryTopM            int
	TokenBudget           int // in estimated tokens; 0 means no limit
}

// Assemble runs the five-step bounded assembly algorithm:
//  1. K-turn window with pinned turns from the session's history.
//  2. Top-M MemoryStore items relevant to the step, floor-filtered by score.
//  3. ToolRegistry entries the target agent's policy permits.
//  4. The delegate-able peer roster (names + one-line descriptions only).
//  5. Tool results already produced earlier in the same PlanStep.
//
// When the resulting bundle exceeds TokenBudget, memory items are dropped
// lowest score first until the bundle fits or none remain, then the oldest
// non-pinned history turns are dropped. A memory item's age plays no part
// in the order. Pinned turns and ToolResultsThisStep are never dropped.
func (a *Assembler) Assemble(in Input) (ContextBundle, error) {
	pinned, window := splitPinnedWindow(in.Session.GetConversationHistory(), in.HistoryWindow, in.PinnedEventIDs)

	var memoryItems []core.SearchResult
	if a.memory != nil && in.MemoryTopM > 0 {
		query := in.Step.Title
		if in.TriggeringMessage != "" {
			query = query + " " + in.TriggeringMessage
		}
		results, err := a.searchMemory(in.Session.ID, query, in.MemoryTopM)
		if err != nil {
			return ContextBundle{}, err
		}
		for _, r := range results {
			if r.Score >= minMemoryScore {
				memoryItems = append(memoryItems, r)
			}
		}
	}

	var toolDescs []toolregistry.ToolDescriptor
	if a.tools != nil {
		toolDescs = a.tools.ListForPolicy(in.PermittedTools)
	}

	bundle := ContextBundle{
		Instructions:        in.Instructions,
		PinnedTurns:         pinned,
		History:             window,
		MemoryItems:         memoryItems,
		Tools:               toolDescs,
		Peers:               in.Peers,
		ToolResultsThisStep: in.ToolResultsThisStep,
	}

	if in.TokenBudget > 0 {
		bundle = evictToBudget(bundle, in.TokenBudget)
	}

	return bundle, nil
}

// searchMemory reaches for a.memory's Vector tier via SearchByVector,
// deriving the query embedding with util.HashEmbedding, when the concrete
// store exposes one; otherwise it falls back to the plain word-overlap
// Search every core.MemoryStore implementation must provide.
func (a *Assembler) searchMemory(sessionID, query string, topM int) ([]core.SearchResult, error) {
	if vs, ok := a.memory.(vectorMemoryStore); ok {
		embedding := util.HashEmbedding(query, util.EmbeddingDims)
		return vs.SearchByVector(sessionID, embedding, topM), nil
	}
	return a.memory.Search(sessionID, query, topM)
}

// splitPinnedWindow returns (pinned turns in original order, the most
// recent `window` non-pinned turns in original order).
func splitPinnedWindow(history []core.Event, window int, pinnedIDs map[string]bool) (pinned, recent []core.Event) {
	var nonPinned []core.Event
	for _, ev := range history {
		if pinnedIDs != nil && pinnedIDs[ev.ID] {
			pinned = append(pinned, ev)
		} else {
			nonPinned = append(nonPinned, ev)
		}
	}
	if window <= 0 || window >= len(nonPinned) {
		return pinned, nonPinned
	}
	return pinned, nonPinned[len(nonPinned)-window:]
}

// evictToBudget trims memory and then history turns until the bundle's
// estimated token size fits TokenBudget, preserving PinnedTurns and
// ToolResultsThisStep unconditionally.
func evictToBudget(b ContextBundle, tokenBudget int) ContextBundle {
	charBudget := tokenBudget * charsPerToken

	for estimateChars(b) > charBudget && len(b.MemoryItems) > 0 {
		b.MemoryItems = dropLowestScoredMemory(b.MemoryItems)
	}

	for estimateChars(b) > charBudget && len(b.History) > 0 {
		b.History = b.History[1:]
	}

	return b
}

func dropLowestScoredMemory(items []core.SearchResult) []core.SearchResult {
	worst := 0
	for i, it := range items {
		if it.Score < items[worst].Score {
			worst = i
		}
	}
	return append(items[:worst], items[worst+1:]...)
}

func estimateChars(b ContextBundle) int {
	total := len(b.Instructions)
	for _, ev := range b.PinnedTurns {
		total += eventChars(ev)
	}
	for _, ev := range b.History {
		total += eventChars(ev)
	}
	for _, m := range b.MemoryItems {
		total += len(m.Content)
	}
	for _, ev := range b.ToolResultsThisStep {
		total += eventChars(ev)
	}
	return total
}

func eventChars(ev core.Event) int {
	if ev.Content == nil {
		return 0
	}
	total := 0
	for _, p := range ev.Content.Parts {
		if tp, ok := p.(core.TextPart); ok {
			total += len(tp.Text)
		}
	}
	return total
}
