package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/internal/util"
)

// HandleUserMessage is the entry point for an inbound user_message envelope.
// It loads or attaches the session's runtime, appends the message, and
// drives the state machine until it next suspends (Idle, AwaitingHuman, or
// Terminal). It does not hold rt.mu across this call: the precondition
// check and the initial transition each take it only for their own
// instant, and run (below) takes it again only around each transition, so a
// concurrent Cancel is never blocked behind an in-flight model or tool call.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, tenantID, sessionID, text string) error {
	rt, err := o.runtimeFor(tenantID, sessionID)
	if err != nil {
		return err
	}

	if state := rt.currentState(); state != StateIdle && state != StateTerminal {
		return fmt.Errorf("%w: session %s/%s is mid-request (state=%s)", core.ErrValidation, tenantID, sessionID, state)
	}
	if err := o.transition(ctx, rt, triggerUserMessage, text); err != nil {
		return err
	}
	return o.run(ctx, rt)
}

// HandleFormReply resumes a session suspended in AwaitingHuman with the
// human's filled-in form, rejecting a reply whose form_id does not match
// the outstanding request or that arrives twice (the idempotence contract).
func (o *Orchestrator) HandleFormReply(ctx context.Context, tenantID, sessionID string, reply core.FormReply) error {
	rt, err := o.runtimeFor(tenantID, sessionID)
	if err != nil {
		return err
	}

	if state := rt.currentState(); state != StateAwaitingHuman {
		return fmt.Errorf("%w: session %s/%s is not awaiting a form reply (state=%s)", core.ErrValidation, tenantID, sessionID, state)
	}
	pending := rt.session.PendingInterrupt
	if pending == nil || pending.FormID != reply.FormID {
		return fmt.Errorf("%w: form reply %q does not match outstanding request", core.ErrValidation, reply.FormID)
	}

	if err := o.transition(ctx, rt, triggerFormReply, reply); err != nil {
		return err
	}
	return o.run(ctx, rt)
}

// Reenter resumes driving a session after a process restart. Sessions whose
// persisted state is Idle/AwaitingHuman/Terminal just re-attach (AwaitingHuman
// re-emits its outstanding form_request so a reconnecting client observes it
// again, satisfying the idempotent-replay contract); any other state is
// re-entered so its in-flight agents and tools run again from the recorded
// plan and step index.
func (o *Orchestrator) Reenter(ctx context.Context, tenantID, sessionID string) error {
	rt, err := o.runtimeFor(tenantID, sessionID)
	if err != nil {
		return err
	}

	switch rt.currentState() {
	case StateAwaitingHuman:
		if pending := rt.session.PendingInterrupt; pending != nil {
			return o.publishLocked(rt, formRequestEvent(pending))
		}
		return nil
	case StateIdle, StateTerminal:
		return nil
	}

	return o.run(ctx, rt)
}

// Cancel handles an inbound control:cancel. It is idempotent: cancelling an
// already-Idle or Terminal session is a no-op. Because no goroutine holds
// rt.mu while blocked inside an AgentRunner/ToolRegistry call (see
// driveExecuting), this can always acquire it to cancel the step's
// in-flight context and drive the cancel transition, even mid-tool-call.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, sessionID string) error {
	rt, err := o.runtimeFor(tenantID, sessionID)
	if err != nil {
		return err
	}

	if state := rt.currentState(); state == StateIdle || state == StateTerminal {
		return nil
	}

	rt.cancelCurrent()
	return o.transition(ctx, rt, triggerCancel, nil)
}

// run drives the state machine forward, one automatic state at a time,
// until it reaches a state with no automatic successor: Idle, AwaitingHuman,
// or Terminal. Each per-state driver performs one or more AgentRunner turns
// internally (Executing may consume many turns per PlanStep) but always
// ends by calling o.transition exactly once per externally-visible event.
func (o *Orchestrator) run(ctx context.Context, rt *sessionRuntime) error {
	for {
		switch rt.currentState() {
		case StateValidating:
			if err := o.driveValidating(ctx, rt); err != nil {
				return err
			}
		case StatePlanning:
			if err := o.drivePlanning(ctx, rt); err != nil {
				return err
			}
		case StateExecuting:
			if err := o.driveExecuting(ctx, rt); err != nil {
				return err
			}
		case StateRecovering:
			if err := o.driveRecovering(ctx, rt); err != nil {
				return err
			}
		case StateSynthesizing:
			if err := o.driveSynthesizing(ctx, rt); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// driveValidating runs the input_validator agent once. A missing
// input_validator entry in the catalog is treated as an always-pass
// validator, since validation is an optional safety net a catalog may
// choose not to configure.
func (o *Orchestrator) driveValidating(ctx context.Context, rt *sessionRuntime) error {
	spec, ok := o.catalog.Agents["input_validator"]
	if !ok {
		return o.transition(ctx, rt, triggerValidated, nil)
	}

	bundle, err := o.assembleFor(rt, spec, core.PlanStep{Title: "Validate input"}, nil)
	if err != nil {
		return err
	}
	action, err := o.runner.RunTurn(ctx, spec, bundle)
	if err != nil {
		return o.transition(ctx, rt, triggerRejected, err.Error())
	}

	switch action.Kind {
	case core.ActionFailStep:
		return o.transition(ctx, rt, triggerRejected, action.Reason)
	case core.ActionFinishStep:
		return o.transition(ctx, rt, triggerValidated, nil)
	default:
		return o.transition(ctx, rt, triggerRejected, fmt.Sprintf("unexpected action %q from input_validator", action.Kind))
	}
}

// drivePlanning runs the task_planner agent once, expecting a finish_step
// action whose Output names either a declared workflow template or an
// inline list of step descriptions.
func (o *Orchestrator) drivePlanning(ctx context.Context, rt *sessionRuntime) error {
	spec, ok := o.catalog.Agents["task_planner"]
	if !ok {
		return fmt.Errorf("%w: no task_planner agent configured", core.ErrInternal)
	}

	bundle, err := o.assembleFor(rt, spec, core.PlanStep{Title: "Plan"}, nil)
	if err != nil {
		return err
	}
	action, err := o.runner.RunTurn(ctx, spec, bundle)
	if err != nil {
		return err
	}

	plan, err := decodePlan(o.catalog, action)
	if err != nil {
		return err
	}
	return o.transition(ctx, rt, triggerPlanReady, plan)
}

// decodePlan interprets a task_planner's finish_step action. Output is
// either the name of a declared workflow template, or a []any of
// map[string]any step descriptions shaped like {"title":..., "agent_name":...}.
func decodePlan(cat *config.Catalog, action core.Action) ([]core.PlanStep, error) {
	if action.Kind != core.ActionFinishStep {
		return nil, fmt.Errorf("%w: task_planner must finish_step with a plan, got %q", core.ErrValidation, action.Kind)
	}

	switch v := action.Output.(type) {
	case string:
		tmpl, ok := cat.Workflows[v]
		if !ok {
			return nil, fmt.Errorf("%w: task_planner named unknown workflow %q", core.ErrValidation, v)
		}
		steps := make([]core.PlanStep, len(tmpl.Steps))
		for i, s := range tmpl.Steps {
			steps[i] = core.NewPlanStep(i, s.TitleTemplate, s.AgentName, nil)
		}
		return steps, nil
	case []any:
		steps := make([]core.PlanStep, 0, len(v))
		for i, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: plan step %d is not an object", core.ErrValidation, i)
			}
			title, _ := m["title"].(string)
			agentName, _ := m["agent_name"].(string)
			if agentName == "" {
				return nil, fmt.Errorf("%w: plan step %d missing agent_name", core.ErrValidation, i)
			}
			if _, ok := cat.Agents[agentName]; !ok {
				return nil, fmt.Errorf("%w: plan step %d names undeclared agent %q", core.ErrValidation, i, agentName)
			}
			steps = append(steps, core.NewPlanStep(i, title, agentName, nil))
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("%w: task_planner produced an empty plan", core.ErrValidation)
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("%w: task_planner finish_step output must be a workflow name or step list", core.ErrValidation)
	}
}

// driveExecuting runs the current PlanStep's agent, consuming AgentRunner
// turns until one produces a step-terminating action (finish_step,
// fail_step, request_form) or the plan is exhausted. delegate rebinds the
// step's agent and the inner loop continues without leaving Executing.
//
// Each iteration opens one cancel scope (stepCtx/cancel, registered on rt
// via setCancel) that stays live across both the model turn and any tool
// call it requests, and is only cleared once the iteration has an action it
// can act on — so Cancel can interrupt either a blocking RunTurn or a
// blocking tool Invoke, not just the former. rt.mu itself is never held
// here: transition/publishLocked each take it only for their own instant.
func (o *Orchestrator) driveExecuting(ctx context.Context, rt *sessionRuntime) error {
	step, ok := rt.session.CurrentStep()
	if !ok {
		return o.transition(ctx, rt, triggerPlanReady, nil) // table row: Executing+plan_ready -> Synthesizing
	}

	spec, err := o.agentSpecFor(step.AgentName)
	if err != nil {
		return o.transition(ctx, rt, triggerStepFail, err.Error())
	}

	step.Status = core.PlanStepRunning
	rt.session.UpdateStep(step.Index, step)

	limiter := core.NewModelLimiter(spec.MaxModelCalls)
	var toolResults []core.Event
	for {
		if err := limiter.Increment(); err != nil {
			return o.transition(ctx, rt, triggerStepFail, err.Error())
		}

		bundle, err := o.assembleFor(rt, spec, step, toolResults)
		if err != nil {
			return err
		}

		stepCtx, cancel := context.WithCancel(ctx)
		rt.setCancel(cancel)
		action, runErr := o.runner.RunTurn(stepCtx, spec, bundle)
		if runErr != nil {
			cancel()
			rt.setCancel(nil)
			if errors.Is(runErr, core.ErrCancelled) {
				return nil // Cancel() already drove the cancel transition.
			}
			return o.transition(ctx, rt, triggerStepFail, runErr.Error())
		}

		switch action.Kind {
		case core.ActionEmitMarkdown:
			cancel()
			rt.setCancel(nil)
			if err := o.publishLocked(rt, markdownEvent(spec.Name, action.Markdown)); err != nil {
				return err
			}
		case core.ActionEmitProgress:
			cancel()
			rt.setCancel(nil)
			if err := o.publishLocked(rt, progressEvent(action.Status, step.Index)); err != nil {
				return err
			}
		case core.ActionCallTool:
			resultEvent, toolErr := o.invokeTool(stepCtx, rt, step, action)
			cancel()
			rt.setCancel(nil)
			if errors.Is(toolErr, core.ErrCancelled) {
				return nil // Cancel() already drove the cancel transition.
			}
			if err := o.publishLocked(rt, resultEvent); err != nil {
				return err
			}
			toolResults = append(toolResults, resultEvent)
		case core.ActionRequestForm:
			cancel()
			rt.setCancel(nil)
			return o.transition(ctx, rt, triggerRequestForm, action.Form)
		case core.ActionDelegate:
			cancel()
			rt.setCancel(nil)
			newSpec, err := o.agentSpecFor(action.DelegateAgent)
			if err != nil {
				return o.transition(ctx, rt, triggerStepFail, err.Error())
			}
			if err := o.transition(ctx, rt, triggerDelegate, action.DelegateAgent); err != nil {
				return err
			}
			step, _ = rt.session.CurrentStep()
			spec = newSpec
			limiter = core.NewModelLimiter(spec.MaxModelCalls)
		case core.ActionFinishStep:
			cancel()
			rt.setCancel(nil)
			if err := o.transition(ctx, rt, triggerStepFinish, action.Output); err != nil {
				return err
			}
			o.distill(rt, step, action.Output)
			return nil
		case core.ActionFailStep:
			cancel()
			rt.setCancel(nil)
			return o.transition(ctx, rt, triggerStepFail, action.Reason)
		default:
			cancel()
			rt.setCancel(nil)
			return o.transition(ctx, rt, triggerStepFail, fmt.Sprintf("unhandled action kind %q", action.Kind))
		}
	}
}

// invokeTool runs one tool call through the ToolRegistry, scoping its
// idempotency key to the PlanStep so a replayed step after a crash never
// re-executes a non-idempotent tool twice. It returns the raw error alongside
// the tool_result event (which only ever carries err.Error() as a string) so
// driveExecuting can tell a genuine cancellation apart from an ordinary tool
// failure with errors.Is rather than re-parsing a stringified message.
func (o *Orchestrator) invokeTool(ctx context.Context, rt *sessionRuntime, step core.PlanStep, action core.Action) (core.Event, error) {
	runCtx := core.NewRunContext(ctx, rt.sessionID, core.NewID(), core.AgentInfo{Name: step.AgentName, Type: "tool-caller"},
		core.Content{}, 0, nil, nil, rt.session, nil, nil, o.memory, o.logger, step.Index)
	toolCtx := core.NewToolContext(runCtx, core.NewID())

	idempotencyKey := fmt.Sprintf("step-%d", step.Index)
	result, err := o.tools.Invoke(ctx, toolCtx, rt.sessionID, action.ToolName, idempotencyKey, action.ToolInputs)

	ev := core.Event{ID: core.NewID(), Author: step.AgentName, Kind: core.MessageToolResult,
		CustomMetadata: map[string]string{"tool_name": action.ToolName}}
	if err != nil {
		ev.ErrorMessage = strPtr(err.Error())
		return ev, err
	}
	ev.Content = &core.Content{Role: "tool", Parts: []core.Part{core.TextPart{Text: fmt.Sprint(result)}}}
	return ev, nil
}

// embeddingMemoryStore is implemented by MemoryStore backends that also
// index an embedding-based Vector tier (memorystore.InMemoryStore does).
// distill prefers it over the plain core.MemoryStore.Store whenever the
// concrete store supports it, so later steps' contextassembler.Assemble
// calls can retrieve this summary by similarity via SearchByVector rather
// than only by exact word overlap.
type embeddingMemoryStore interface {
	StoreEmbedding(sessionID, content string, embedding []float32, metadata map[string]any) (string, error)
}

// distill writes a short post-step summary into the MemoryStore so later
// steps (in this session or, via cross-session retrieval policy, future
// ones) can find it without re-reading the full event history.
func (o *Orchestrator) distill(rt *sessionRuntime, step core.PlanStep, output any) {
	if o.memory == nil {
		return
	}
	content := fmt.Sprintf("%s: %v", step.Title, output)
	metadata := map[string]any{"step_index": step.Index}
	if es, ok := o.memory.(embeddingMemoryStore); ok {
		embedding := util.HashEmbedding(content, util.EmbeddingDims)
		_, _ = es.StoreEmbedding(rt.sessionID, content, embedding, metadata)
		return
	}
	_ = o.memory.Store(rt.sessionID, content, metadata)
}

// maxStepRetries bounds how many times Recovering may send a failed step
// back to Executing, regardless of what the human_reviewer agent decides —
// a reviewer that always answers finish_step must not be able to cycle
// Executing/Recovering forever.
const maxStepRetries = 2

// driveRecovering runs the human_reviewer agent (if the catalog declares
// one) to decide retry/skip/abort for the failed step; absent a configured
// reviewer, it aborts the plan, since silently retrying forever without a
// policy would violate the bounded-retry invariant.
func (o *Orchestrator) driveRecovering(ctx context.Context, rt *sessionRuntime) error {
	spec, ok := o.catalog.Agents["human_reviewer"]
	if !ok {
		return o.transition(ctx, rt, triggerAborted, "no recovery policy configured")
	}

	step, _ := rt.session.CurrentStep()
	bundle, err := o.assembleFor(rt, spec, step, nil)
	if err != nil {
		return err
	}
	action, err := o.runner.RunTurn(ctx, spec, bundle)
	if err != nil {
		return o.transition(ctx, rt, triggerAborted, err.Error())
	}

	switch action.Kind {
	case core.ActionSkipStep:
		reason := action.Reason
		if reason == "" {
			reason = "human_reviewer chose to skip the step"
		}
		return o.transition(ctx, rt, triggerSkipped, reason)
	case core.ActionFinishStep:
		if step.RetryCount >= maxStepRetries {
			return o.transition(ctx, rt, triggerAborted, fmt.Sprintf("step %q exceeded %d retries", step.Title, maxStepRetries))
		}
		return o.transition(ctx, rt, triggerRecovered, nil)
	default:
		reason := action.Reason
		if reason == "" {
			reason = "human_reviewer declined to recover the step"
		}
		return o.transition(ctx, rt, triggerAborted, reason)
	}
}

// driveSynthesizing runs the result_synthesizer agent once to produce the
// final markdown reply that closes out the plan.
func (o *Orchestrator) driveSynthesizing(ctx context.Context, rt *sessionRuntime) error {
	spec, ok := o.catalog.Agents["result_synthesizer"]
	if !ok {
		return o.transition(ctx, rt, triggerSynthesized, "Done.")
	}

	bundle, err := o.assembleFor(rt, spec, core.PlanStep{Title: "Synthesize"}, nil)
	if err != nil {
		return err
	}
	action, err := o.runner.RunTurn(ctx, spec, bundle)
	if err != nil {
		return err
	}

	markdown := action.Markdown
	if markdown == "" {
		markdown = fmt.Sprint(action.Output)
	}
	return o.transition(ctx, rt, triggerSynthesized, markdown)
}

func progressEvent(status string, stepIndex int) core.Event {
	idx := stepIndex
	return core.Event{ID: core.NewID(), Author: "orchestrator", Kind: core.MessageAgentProgress,
		StepIndex:      &idx,
		CustomMetadata: map[string]string{"status": status}}
}

func strPtr(s string) *string { return &s }
