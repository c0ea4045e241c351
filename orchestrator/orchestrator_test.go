package orchestrator

import (
	"context"
	"testing"

	"github.com/n0iac/agentcore/agentrunner"
	"github.com/n0iac/agentcore/checkpoint"
	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/contextassembler"
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/eventbus"
	"github.com/n0iac/agentcore/logging"
	"github.com/n0iac/agentcore/memorystore"
	"github.com/n0iac/agentcore/model"
	"github.com/n0iac/agentcore/toolregistry"
)

// scriptedModel returns successive canned responses on each Generate call,
// mirroring agentrunner's own test double so orchestrator fixtures can
// script exactly one action per agent turn.
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

func newTestOrchestrator(t *testing.T, cat *config.Catalog, models agentrunner.StaticModelResolver) (*Orchestrator, *eventbus.Bus) {
	t.Helper()
	mem := memorystore.NewInMemoryStore()
	tools := toolregistry.New()
	assembler := contextassembler.New(mem, tools)
	runner := agentrunner.New(models, logging.NoOpLogger{})
	cp := checkpoint.NewInMemoryCheckpointer()
	bus := eventbus.New()
	return New(cat, cp, assembler, runner, tools, bus, mem, logging.NoOpLogger{}), bus
}

func simpleQACatalog() *config.Catalog {
	return &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner":       {Name: "task_planner", ModelRef: "planner"},
			"responder":          {Name: "responder", ModelRef: "responder"},
			"result_synthesizer": {Name: "result_synthesizer", ModelRef: "synth"},
		},
	}
}

func TestOrchestrator_SimpleQAReachesTerminalWithMarkdown(t *testing.T) {
	cat := simpleQACatalog()
	models := agentrunner.StaticModelResolver{
		"planner":  &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Answer the question","agent_name":"responder"}]}`}},
		"responder": &scriptedModel{responses: []string{`{"kind":"finish_step","output":"Paris is the capital of France."}`}},
		"synth":    &scriptedModel{responses: []string{`{"kind":"emit_markdown","markdown":"Paris is the capital of France."}`}},
	}
	o, bus := newTestOrchestrator(t, cat, models)

	ch, unsub := bus.Subscribe("t1", "s1", "watcher")
	defer unsub()

	if err := o.HandleUserMessage(context.Background(), "t1", "s1", "what is the capital of France?"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	rt, err := o.runtimeFor("t1", "s1")
	if err != nil {
		t.Fatalf("runtimeFor: %v", err)
	}
	if rt.state != StateTerminal {
		t.Fatalf("expected Terminal, got %s", rt.state)
	}

	var sawMarkdown, sawFinish bool
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == core.MessageAgentMarkdown {
				sawMarkdown = true
			}
			if ev.Kind == core.MessageAgentWorkflowFinish {
				sawFinish = true
			}
		default:
			break drain
		}
	}
	if !sawMarkdown || !sawFinish {
		t.Fatalf("expected markdown and workflow_finish events, sawMarkdown=%v sawFinish=%v", sawMarkdown, sawFinish)
	}

	if rt.session.Plan[0].Status != core.PlanStepDone {
		t.Fatalf("expected plan step done, got %s", rt.session.Plan[0].Status)
	}
}

func TestOrchestrator_RejectsUserMessageWhileMidRequest(t *testing.T) {
	cat := simpleQACatalog()
	models := agentrunner.StaticModelResolver{
		"planner": &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Answer","agent_name":"responder"}]}`}},
	}
	o, _ := newTestOrchestrator(t, cat, models)

	rt, err := o.runtimeFor("t1", "s1")
	if err != nil {
		t.Fatalf("runtimeFor: %v", err)
	}
	rt.state = StateExecuting

	if err := o.HandleUserMessage(context.Background(), "t1", "s1", "another message"); err == nil {
		t.Fatal("expected rejection while mid-request")
	}
}

func TestOrchestrator_CancelIsIdempotentWhenIdle(t *testing.T) {
	cat := simpleQACatalog()
	o, _ := newTestOrchestrator(t, cat, agentrunner.StaticModelResolver{})

	if err := o.Cancel(context.Background(), "t1", "s1"); err != nil {
		t.Fatalf("Cancel on idle session should be a no-op, got: %v", err)
	}
	rt, err := o.runtimeFor("t1", "s1")
	if err != nil {
		t.Fatalf("runtimeFor: %v", err)
	}
	if rt.state != StateIdle {
		t.Fatalf("expected Idle after no-op cancel, got %s", rt.state)
	}
}

func TestOrchestrator_RecoveringAbortsWithoutReviewerConfigured(t *testing.T) {
	cat := &config.Catalog{
		Agents: map[string]core.AgentSpec{
			"task_planner": {Name: "task_planner", ModelRef: "planner"},
			"failer":       {Name: "failer", ModelRef: "failer"},
		},
	}
	models := agentrunner.StaticModelResolver{
		"planner": &scriptedModel{responses: []string{`{"kind":"finish_step","output":[{"title":"Do it","agent_name":"failer"}]}`}},
		"failer":  &scriptedModel{responses: []string{`{"kind":"fail_step","reason":"could not complete"}`}},
	}
	o, bus := newTestOrchestrator(t, cat, models)

	ch, unsub := bus.Subscribe("t1", "s1", "watcher")
	defer unsub()

	if err := o.HandleUserMessage(context.Background(), "t1", "s1", "do the thing"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}

	rt, _ := o.runtimeFor("t1", "s1")
	if rt.state != StateIdle {
		t.Fatalf("expected Idle after unconfigured recovery abort, got %s", rt.state)
	}

	var sawAbortMarkdown bool
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == core.MessageAgentMarkdown {
				sawAbortMarkdown = true
			}
		default:
			break drain
		}
	}
	if !sawAbortMarkdown {
		t.Fatal("expected an abort markdown event")
	}
}
