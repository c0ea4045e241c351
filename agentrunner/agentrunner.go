// Package agentrunner implements the AgentRunner contract: run one agent
// for one turn given an AgentSpec and a ContextBundle, producing exactly one
// of the eight structured actions. It is grounded on the teacher's
// flow.Flow/flow.FunctionExecutor pipeline (flow/base.go, flow/flow.go,
// flow/function_executor.go) generalized from "drive a chat turn to a final
// assistant message" to "drive one turn to a single schema-constrained
// Action."
package agentrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/n0iac/agentcore/contextassembler"
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/logging"
	"github.com/n0iac/agentcore/model"
	"github.com/n0iac/agentcore/toolregistry"
)

// ModelResolver looks up the model.Model backend bound to an AgentSpec's
// ModelRef. Resolution happens per invocation, not once at startup, so a
// session can move to a different model_ref mid-flight without restarting
// the orchestrator.
type ModelResolver interface {
	Resolve(modelRef string) (model.Model, error)
}

// StaticModelResolver resolves from a fixed, pre-registered map. It is the
// ModelResolver used by cmd/orchestratord and by tests.
type StaticModelResolver map[string]model.Model

// Resolve implements ModelResolver.
func (m StaticModelResolver) Resolve(modelRef string) (model.Model, error) {
	backend, ok := m[modelRef]
	if !ok {
		return nil, fmt.Errorf("%w: no model registered for model_ref %q", core.ErrInternal, modelRef)
	}
	return backend, nil
}

// Runner drives one AgentSpec through one model turn, parsing the model's
// response into a core.Action. Malformed output gets exactly one retry
// under a stricter prompt before surfacing a permanent error.
type Runner struct {
	models ModelResolver
	logger logging.Logger
}

// New constructs a Runner resolving model backends through models.
func New(models ModelResolver, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Runner{models: models, logger: logger}
}

// RunTurn runs agentSpec for one turn over bundle, returning the single
// structured Action the model produced. ctx governs cancellation; it is the
// step-scoped cancel token per the hierarchical session → plan → step → tool
// cancellation model.
func (r *Runner) RunTurn(ctx context.Context, agentSpec core.AgentSpec, bundle contextassembler.ContextBundle) (core.Action, error) {
	backend, err := r.models.Resolve(agentSpec.ModelRef)
	if err != nil {
		return core.Action{}, err
	}

	req := buildRequest(agentSpec, bundle, false)
	action, err := r.attempt(ctx, backend, req)
	if err == nil {
		return action, nil
	}
	if core.ClassifyErr(err) == core.ErrCancelled {
		return core.Action{}, err
	}

	r.logger.Warn("agentrunner.malformed_action.retrying", "agent", agentSpec.Name, "error", err.Error())

	strictReq := buildRequest(agentSpec, bundle, true)
	action, err = r.attempt(ctx, backend, strictReq)
	if err != nil {
		if core.ClassifyErr(err) == core.ErrCancelled {
			return core.Action{}, err
		}
		return core.Action{}, fmt.Errorf("%w: agent %q produced no valid action after retry: %v", core.ErrModel, agentSpec.Name, err)
	}

	return action, nil
}

func (r *Runner) attempt(ctx context.Context, backend model.Model, req model.Request) (core.Action, error) {
	respCh, errCh := backend.Generate(ctx, req)

	var final model.Response
loop:
	for {
		select {
		case <-ctx.Done():
			return core.Action{}, fmt.Errorf("%w: %v", core.ErrCancelled, ctx.Err())
		case resp, ok := <-respCh:
			if !ok {
				break loop
			}
			if !resp.Partial {
				final = resp
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				if core.ClassifyErr(err) == core.ErrCancelled {
					return core.Action{}, err
				}
				return core.Action{}, fmt.Errorf("%w: %v", core.ErrModel, err)
			}
			break loop
		}
	}

	return decodeAction(final)
}

// decodeAction turns one model turn into an Action. A provider that honored
// the native function-calling tools on the request (buildRequest sets
// Request.Tools from the step's permitted tool catalog) takes priority: a
// tool_use/function-call part decodes directly into ActionCallTool without
// round-tripping through JSON text. Otherwise the model is expected to have
// followed the schema instructions in the system prompt and answered with a
// single JSON Action object as plain text.
func decodeAction(resp model.Response) (core.Action, error) {
	if fc, ok := functionCallOf(resp.Content); ok {
		return actionFromFunctionCall(fc)
	}

	text := textOf(resp.Content)
	text = strings.TrimSpace(stripCodeFence(text))
	if text == "" {
		return core.Action{}, fmt.Errorf("%w: empty model response", core.ErrValidation)
	}

	var action core.Action
	if err := json.Unmarshal([]byte(text), &action); err != nil {
		return core.Action{}, fmt.Errorf("%w: malformed action json: %v", core.ErrValidation, err)
	}

	if err := action.Validate(); err != nil {
		return core.Action{}, err
	}

	return action, nil
}

func functionCallOf(c core.Content) (core.FunctionCall, bool) {
	for _, p := range c.Parts {
		if fc, ok := p.(core.FunctionCallPart); ok {
			return fc.FunctionCall, true
		}
	}
	return core.FunctionCall{}, false
}

func actionFromFunctionCall(fc core.FunctionCall) (core.Action, error) {
	var inputs map[string]any
	if len(fc.Arguments) > 0 {
		if err := json.Unmarshal([]byte(fc.Arguments), &inputs); err != nil {
			return core.Action{}, fmt.Errorf("%w: malformed tool call arguments: %v", core.ErrValidation, err)
		}
	}

	action := core.Action{Kind: core.ActionCallTool, ToolName: fc.Name, ToolInputs: inputs}
	if err := action.Validate(); err != nil {
		return core.Action{}, err
	}

	return action, nil
}

func textOf(c core.Content) string {
	var buf strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(core.TextPart); ok {
			buf.WriteString(tp.Text)
		}
	}
	return buf.String()
}

// stripCodeFence removes a single ```...``` or ```json...``` wrapper some
// model backends add around structured JSON output despite instructions not
// to.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return trimmed
}

func buildRequest(agentSpec core.AgentSpec, bundle contextassembler.ContextBundle, strict bool) model.Request {
	instructions := agentSpec.SystemPrompt + "\n\n" + actionInstructions(bundle, strict)

	contents := make([]core.Content, 0, len(bundle.PinnedTurns)+len(bundle.History)+len(bundle.ToolResultsThisStep)+1)
	contents = append(contents, core.Content{
		Role:  "system",
		Parts: []core.Part{core.TextPart{Text: instructions}},
	})
	contents = append(contents, eventsToContents(bundle.PinnedTurns)...)
	contents = append(contents, eventsToContents(bundle.History)...)
	contents = append(contents, eventsToContents(bundle.ToolResultsThisStep)...)

	return model.Request{
		Instructions: instructions,
		Contents:     contents,
		Tools:        toolDefinitions(bundle.Tools),
	}
}

// toolDefinitions exposes the step's permitted tool catalog to providers
// that support native function-calling (both the Anthropic and OpenAI
// adapters do), letting the model return a tool_use/function-call part
// instead of hand-rolling the same information as JSON text.
func toolDefinitions(tools []toolregistry.ToolDescriptor) []model.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return defs
}

func eventsToContents(events []core.Event) []core.Content {
	out := make([]core.Content, 0, len(events))
	for _, ev := range events {
		if ev.Content != nil {
			out = append(out, *ev.Content)
		}
	}
	return out
}

func actionInstructions(bundle contextassembler.ContextBundle, strict bool) string {
	var b strings.Builder
	b.WriteString("Respond with exactly one JSON object matching this schema and nothing else: ")
	schema, _ := json.Marshal(core.ActionSchema())
	b.Write(schema)
	b.WriteString("\nIf you need to call a tool, you may invoke it directly instead of emitting a call_tool JSON object.")

	if len(bundle.Tools) > 0 {
		b.WriteString("\nAvailable tools: ")
		names := make([]string, 0, len(bundle.Tools))
		for _, t := range bundle.Tools {
			names = append(names, t.Name)
		}
		b.WriteString(strings.Join(names, ", "))
	}
	if len(bundle.Peers) > 0 {
		b.WriteString("\nDelegation targets: ")
		names := make([]string, 0, len(bundle.Peers))
		for _, p := range bundle.Peers {
			names = append(names, p.Name)
		}
		b.WriteString(strings.Join(names, ", "))
	}
	if len(bundle.MemoryItems) > 0 {
		b.WriteString("\nRelevant memory:")
		for _, m := range bundle.MemoryItems {
			b.WriteString("\n- ")
			b.WriteString(m.Content)
		}
	}
	if strict {
		b.WriteString("\nYour previous response was not valid JSON matching the schema. Output ONLY the JSON object, no prose, no markdown fences.")
	}
	return b.String()
}
