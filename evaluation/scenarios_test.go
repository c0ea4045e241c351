package evaluation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0iac/agentcore/agentrunner"
	"github.com/n0iac/agentcore/checkpoint"
	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/model"
	"github.com/n0iac/agentcore/tool"
	"github.com/n0iac/agentcore/toolregistry"
)

// scriptedModel returns successive canned Action JSON responses, one per
// call, ignoring the assembled prompt entirely. Mirrors the orchestrator
// package's own test double one level up, since this package evaluates the
// Orchestrator only through its exported surface.
type scriptedModel struct {
	responses []string
	calls     int
}

func (m *scriptedModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	text := m.responses[m.calls]
	m.calls++
	go func() {
		defer close(respCh)
		defer close(errCh)
		respCh <- model.Response{Content: core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: text}}}}
	}()
	return respCh, errCh
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func qaCatalog() *config.Catalog {
	return &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner":       {Name: "task_planner", ModelRef: "planner"},
			"responder":          {Name: "responder", ModelRef: "responder"},
			"result_synthesizer": {Name: "result_synthesizer", ModelRef: "synth"},
		},
	}
}

// Scenario 1: Simple Q&A.
func TestScenario_SimpleQA(t *testing.T) {
	cat := qaCatalog()
	models := agentrunner.StaticModelResolver{
		"planner":   &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Answer the question","agent_name":"responder"}]}`}},
		"responder": &scriptedModel{responses: []string{`{"kind":"finish_step","output":"Paris is the capital of France."}`}},
		"synth":     &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"Paris is the capital of France."}`}},
	}
	h := NewHarness("t1", "s1", cat, models, checkpoint.NewInMemoryCheckpointer(), nil)
	defer h.Close()

	require.NoError(t, h.SendUserMessage(context.Background(), "what is the capital of France?"))
	events := h.Drain()

	assert.Len(t, EventsOfKind(events, core.MessageAgentStep), 1)
	assert.Equal(t, "Paris is the capital of France.", MarkdownText(events))
	assert.Len(t, EventsOfKind(events, core.MessageAgentWorkflowFinish), 1)

	cp, ok, err := h.LatestCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "terminal", cp.StateTag)
	require.Len(t, cp.Plan, 1)
	assert.Equal(t, core.PlanStepDone, cp.Plan[0].Status)
}

// flakyTool fails with a transient error on its first N calls, then
// succeeds, exercising the ToolRegistry's internal retry-with-backoff path
// (scenario 6): the Orchestrator and the user both see exactly one
// tool_result event regardless of how many attempts the registry made.
type flakyTool struct {
	failures int
	calls    int
}

func (t *flakyTool) Name() string        { return "order_search" }
func (t *flakyTool) Description() string { return "Searches orders for a customer." }
func (t *flakyTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"customer": map[string]interface{}{"type": "string"}},
		"required":   []string{"customer"},
	}
}
func (t *flakyTool) Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error) {
	t.calls++
	if t.calls <= t.failures {
		return nil, tool.NewToolError("order_search", "upstream timeout", "transient")
	}
	return map[string]interface{}{"orders": []string{"PO-1001", "PO-1002"}}, nil
}

// Scenario 2: Plan with tool.
func TestScenario_PlanWithTool(t *testing.T) {
	cat := &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner":       {Name: "task_planner", ModelRef: "planner"},
			"order_searcher":     {Name: "order_searcher", ModelRef: "searcher", PermittedTools: []string{"order_search"}},
			"result_synthesizer": {Name: "result_synthesizer", ModelRef: "synth"},
		},
	}
	models := agentrunner.StaticModelResolver{
		"planner": &scriptedModel{responses: []string{
			`{"kind":"finish_step","output":[` +
				`{"title":"Plan query","agent_name":"order_searcher"},` +
				`{"title":"Search","agent_name":"order_searcher"}]}`,
		}},
		"searcher": &scriptedModel{responses: []string{
			`{"kind":"finish_step","output":"ready to search"}`,
			`{"kind":"call_tool","tool_name":"order_search","tool_inputs":{"customer":"ACME"}}`,
			`{"kind":"finish_step","output":"found 2 orders"}`,
		}},
		"synth": &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"ACME has 2 recent orders: PO-1001, PO-1002."}`}},
	}
	h := NewHarness("t1", "s2", cat, models, checkpoint.NewInMemoryCheckpointer(), func(r *toolregistry.Registry) {
		r.Register(&flakyTool{}, true, 5000)
	})
	defer h.Close()

	require.NoError(t, h.SendUserMessage(context.Background(), "search recent orders for ACME"))
	events := h.Drain()

	assert.Len(t, EventsOfKind(events, core.MessageAgentStep), 2)
	assert.Len(t, EventsOfKind(events, core.MessageToolResult), 1)
	assert.Contains(t, MarkdownText(events), "PO-1001")
	assert.Len(t, EventsOfKind(events, core.MessageAgentWorkflowFinish), 1)
}

// Scenario 6: Retryable tool failure. A single call_tool action surfaces
// exactly one tool_result to the caller even though the registry retried
// internally.
func TestScenario_RetryableToolFailure(t *testing.T) {
	cat := &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner":       {Name: "task_planner", ModelRef: "planner"},
			"order_searcher":     {Name: "order_searcher", ModelRef: "searcher", PermittedTools: []string{"order_search"}},
			"result_synthesizer": {Name: "result_synthesizer", ModelRef: "synth"},
		},
	}
	models := agentrunner.StaticModelResolver{
		"planner":  &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Search","agent_name":"order_searcher"}]}`}},
		"searcher": &scriptedModel{responses: []string{`{"kind":"call_tool","tool_name":"order_search","tool_inputs":{"customer":"ACME"}}`, `{"kind":"finish_step","output":"found 2 orders"}`}},
		"synth":    &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"ACME has 2 recent orders."}`}},
	}
	flaky := &flakyTool{failures: 2}
	h := NewHarness("t1", "s6", cat, models, checkpoint.NewInMemoryCheckpointer(), func(r *toolregistry.Registry) {
		r.Register(flaky, true, 5000)
	})
	defer h.Close()

	require.NoError(t, h.SendUserMessage(context.Background(), "search recent orders for ACME"))
	events := h.Drain()

	toolResults := EventsOfKind(events, core.MessageToolResult)
	require.Len(t, toolResults, 1, "retries must stay internal to the ToolRegistry")
	assert.Nil(t, toolResults[0].ErrorMessage)
	assert.Equal(t, 3, flaky.calls, "expected two failures then a third, successful attempt")
}

func documentCatalog() *config.Catalog {
	return &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner":       {Name: "task_planner", ModelRef: "planner"},
			"document_analyst":   {Name: "document_analyst", ModelRef: "analyst"},
			"result_synthesizer": {Name: "result_synthesizer", ModelRef: "synth"},
		},
	}
}

func documentModels() agentrunner.StaticModelResolver {
	form := `{"kind":"request_form","form":{"form_id":"po-form-1","title":"Confirm PO fields","fields":[` +
		`{"name":"supplier","label":"Supplier","type":"select","options":["S1","S2"]},` +
		`{"name":"amount","label":"Amount","type":"text"}]}}`
	return agentrunner.StaticModelResolver{
		"planner": &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Create PO from PDF","agent_name":"document_analyst"}]}`}},
		"analyst": &scriptedModel{responses: []string{
			form,
			`{"kind":"finish_step","output":"PO-5001 created"}`,
		}},
		"synth": &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"PO-5001 created."}`}},
	}
}

// Scenario 3: Human-in-the-loop.
func TestScenario_HumanInTheLoop(t *testing.T) {
	cat := documentCatalog()
	h := NewHarness("t1", "s3", cat, documentModels(), checkpoint.NewInMemoryCheckpointer(), nil)
	defer h.Close()

	require.NoError(t, h.SendUserMessage(context.Background(), "create PO from this pdf"))
	events := h.Drain()

	formEvents := EventsOfKind(events, core.MessageAgentFormRequest)
	require.Len(t, formEvents, 1)

	cp, ok, err := h.LatestCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "awaiting_human", cp.StateTag)
	require.NotNil(t, cp.PendingInterrupt)
	assert.Equal(t, "po-form-1", cp.PendingInterrupt.FormID)

	require.NoError(t, h.SendFormReply(context.Background(), core.FormReply{
		FormID: "po-form-1",
		Values: map[string]string{"supplier": "S1", "amount": "1000"},
	}))
	events = h.Drain()
	assert.Contains(t, MarkdownText(events), "PO-5001")
	assert.Len(t, EventsOfKind(events, core.MessageAgentWorkflowFinish), 1)
}

// Scenario 5: Restart recovery. A fresh Harness sharing the same durable
// SQLite checkpointer re-opens the session mid AwaitingHuman and, on
// Reenter, re-emits the outstanding form_request from the checkpoint
// without replaying any model turn.
func TestScenario_RestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")
	cp, err := checkpoint.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = cp.Close() }()

	cat := documentCatalog()
	h1 := NewHarness("t1", "s5", cat, documentModels(), cp, nil)
	require.NoError(t, h1.SendUserMessage(context.Background(), "create PO from this pdf"))
	h1.Drain()
	h1.Close()

	checkpointBefore, ok, err := cp.LoadLatest("t1", "s5")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "awaiting_human", checkpointBefore.StateTag)

	h2 := NewHarness("t1", "s5", cat, documentModels(), cp, nil)
	defer h2.Close()
	require.NoError(t, h2.Reenter(context.Background()))
	events := h2.Drain()

	formEvents := EventsOfKind(events, core.MessageAgentFormRequest)
	require.Len(t, formEvents, 1, "reattach must re-emit the outstanding form_request")

	require.NoError(t, h2.SendFormReply(context.Background(), core.FormReply{
		FormID: "po-form-1",
		Values: map[string]string{"supplier": "S1", "amount": "1000"},
	}))
	events = h2.Drain()
	assert.Contains(t, MarkdownText(events), "PO-5001")
}

// blockingTool signals started once it is entered and then blocks until its
// ToolContext's context is cancelled, letting a test synchronize a Cancel
// call to land while the tool invocation is genuinely in flight rather than
// at a suspend point between turns.
type blockingTool struct {
	started chan struct{}
}

func (t *blockingTool) Name() string        { return "slow_lookup" }
func (t *blockingTool) Description() string { return "A lookup that takes a while." }
func (t *blockingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *blockingTool) Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error) {
	close(t.started)
	<-toolCtx.Context().Done()
	return nil, toolCtx.Context().Err()
}

// Scenario 4b: Cancel while a tool call is genuinely in flight. HandleUserMessage
// runs on its own goroutine so the main goroutine can call Cancel once the
// tool has actually been entered, exercising the cancel scope driveExecuting
// opens around both the model turn and the tool invocation rather than only
// the suspend point between turns.
func TestScenario_CancelMidToolCall(t *testing.T) {
	cat := &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner":       {Name: "task_planner", ModelRef: "planner"},
			"order_searcher":     {Name: "order_searcher", ModelRef: "searcher", PermittedTools: []string{"slow_lookup"}},
			"result_synthesizer": {Name: "result_synthesizer", ModelRef: "synth"},
		},
	}
	models := agentrunner.StaticModelResolver{
		"planner":  &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Search","agent_name":"order_searcher"}]}`}},
		"searcher": &scriptedModel{responses: []string{`{"kind":"call_tool","tool_name":"slow_lookup","tool_inputs":{}}`}},
		"synth":    &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"unreachable"}`}},
	}
	slow := &blockingTool{started: make(chan struct{})}
	h := NewHarness("t1", "s4b", cat, models, checkpoint.NewInMemoryCheckpointer(), func(r *toolregistry.Registry) {
		r.Register(slow, true, 0)
	})
	defer h.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- h.SendUserMessage(ctx, "search recent orders for ACME")
	}()

	select {
	case <-slow.started:
	case <-time.After(time.Second):
		t.Fatal("tool was never entered")
	}

	require.NoError(t, h.Cancel(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("HandleUserMessage did not return after mid-tool cancel")
	}

	events := h.Drain()
	assert.Contains(t, MarkdownText(events), "Cancelled.")
	assert.Empty(t, EventsOfKind(events, core.MessageToolResult), "a cancelled tool call must not surface a tool_result")

	cp, ok, err := h.LatestCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "idle", cp.StateTag)
}

// Scenario 4: Interrupt and resume. A control:cancel while the session is
// suspended mid-request (AwaitingHuman) returns the session to Idle with a
// cancellation markdown and clears the pending form; a follow-up question,
// sent to a separate session, then runs an unrelated plan to completion.
func TestScenario_InterruptAndResume(t *testing.T) {
	cat := documentCatalog()
	h := NewHarness("t1", "s4", cat, documentModels(), checkpoint.NewInMemoryCheckpointer(), nil)
	defer h.Close()

	ctx := context.Background()
	require.NoError(t, h.SendUserMessage(ctx, "create PO from this pdf"))
	h.Drain()

	cp, ok, err := h.LatestCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "awaiting_human", cp.StateTag, "precondition: suspended mid-request")

	require.NoError(t, h.Cancel(ctx))
	events := h.Drain()
	assert.Contains(t, MarkdownText(events), "Cancelled.")

	cp, ok, err = h.LatestCheckpoint()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "idle", cp.StateTag)
	assert.Nil(t, cp.PendingInterrupt)

	cat2 := qaCatalog()
	models2 := agentrunner.StaticModelResolver{
		"planner":   &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Answer the question","agent_name":"responder"}]}`}},
		"responder": &scriptedModel{responses: []string{`{"kind":"finish_step","output":"unrelated fresh answer"}`}},
		"synth":     &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"unrelated fresh answer"}`}},
	}
	h2 := NewHarness("t1", "s4-next", cat2, models2, checkpoint.NewInMemoryCheckpointer(), nil)
	defer h2.Close()
	require.NoError(t, h2.SendUserMessage(ctx, "a completely different question"))
	events = h2.Drain()
	assert.Contains(t, MarkdownText(events), "unrelated fresh answer")
}
