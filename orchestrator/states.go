package orchestrator

import (
	"fmt"

	"github.com/n0iac/agentcore/config"
	"github.com/n0iac/agentcore/contextassembler"
	"github.com/n0iac/agentcore/core"
)

// buildTransitionTable constructs the (state, trigger) -> (next_state,
// action) rows once at construction. Each action performs exactly the
// side effects its transition implies; the shared checkpoint write lives in
// Orchestrator.transition, not here.
func buildTransitionTable() map[transitionKey]transitionEntry {
	t := map[transitionKey]transitionEntry{}

	t[transitionKey{StateIdle, triggerUserMessage}] = transitionEntry{
		next:   StateValidating,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			text := payload.(string)
			return o.publish(rt, core.Event{ID: core.NewID(), Author: "user", Kind: core.MessageUserText,
				Content: &core.Content{Role: "user", Parts: []core.Part{core.TextPart{Text: text}}}})
		},
	}

	t[transitionKey{StateValidating, triggerValidated}] = transitionEntry{
		next:   StatePlanning,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error { return nil },
	}

	t[transitionKey{StateValidating, triggerRejected}] = transitionEntry{
		next: StateIdle,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			reason := payload.(string)
			return o.publish(rt, markdownEvent("input_validator", reason))
		},
	}

	t[transitionKey{StatePlanning, triggerPlanReady}] = transitionEntry{
		next: StateExecuting,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			plan := payload.([]core.PlanStep)
			rt.session.SetPlan(plan)
			for i, step := range plan {
				if err := o.publish(rt, stepEvent(step, i+1, len(plan))); err != nil {
					return err
				}
			}
			return nil
		},
	}

	t[transitionKey{StateExecuting, triggerStepFinish}] = transitionEntry{
		next: StateExecuting, // table row is re-evaluated; driveExecuting decides Synthesizing vs Executing next loop
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			output := payload
			step, ok := rt.session.CurrentStep()
			if ok {
				step.Status = core.PlanStepDone
				step.OutputRef = fmt.Sprint(output)
				rt.session.UpdateStep(step.Index, step)
			}
			rt.session.AdvanceStep()
			return nil
		},
	}

	t[transitionKey{StateExecuting, triggerStepFail}] = transitionEntry{
		next: StateRecovering,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			reason := payload.(string)
			step, ok := rt.session.CurrentStep()
			if ok {
				step.Status = core.PlanStepFailed
				rt.session.UpdateStep(step.Index, step)
			}
			return o.publish(rt, markdownEvent("orchestrator", "Step failed: "+reason))
		},
	}

	t[transitionKey{StateExecuting, triggerRequestForm}] = transitionEntry{
		next: StateAwaitingHuman,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			form := payload.(*core.FormRequest)
			rt.session.SetPendingInterrupt(form)
			return o.publish(rt, formRequestEvent(form))
		},
	}

	t[transitionKey{StateExecuting, triggerDelegate}] = transitionEntry{
		next: StateExecuting,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			agentName := payload.(string)
			step, ok := rt.session.CurrentStep()
			if ok {
				step.AgentName = agentName
				rt.session.UpdateStep(step.Index, step)
			}
			return nil
		},
	}

	t[transitionKey{StateExecuting, triggerPlanReady}] = transitionEntry{
		// all steps already done when entering Executing with an empty plan
		next:   StateSynthesizing,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error { return nil },
	}

	t[transitionKey{StateAwaitingHuman, triggerFormReply}] = transitionEntry{
		next: StateExecuting,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			reply := payload.(core.FormReply)
			rt.session.SetPendingInterrupt(nil)
			return o.publish(rt, core.Event{ID: core.NewID(), Author: "user", Kind: core.MessageUserFormReply,
				CustomMetadata: map[string]string{"form_id": reply.FormID}})
		},
	}

	t[transitionKey{StateAwaitingHuman, triggerCancel}] = transitionEntry{
		next: StateIdle,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			rt.session.SetPendingInterrupt(nil)
			return o.publish(rt, markdownEvent("orchestrator", "Cancelled."))
		},
	}

	t[transitionKey{StateRecovering, triggerRecovered}] = transitionEntry{
		next: StateExecuting,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			step, ok := rt.session.CurrentStep()
			if ok {
				step.Status = core.PlanStepPending
				step.RetryCount++
				rt.session.UpdateStep(step.Index, step)
			}
			return nil
		},
	}

	t[transitionKey{StateRecovering, triggerSkipped}] = transitionEntry{
		next: StateExecuting, // table row is re-evaluated; driveExecuting decides Synthesizing vs Executing next loop
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			reason := payload.(string)
			step, ok := rt.session.CurrentStep()
			if ok {
				step.Status = core.PlanStepSkipped
				rt.session.UpdateStep(step.Index, step)
			}
			rt.session.AdvanceStep()
			return o.publish(rt, markdownEvent("orchestrator", "Step skipped: "+reason))
		},
	}

	t[transitionKey{StateRecovering, triggerAborted}] = transitionEntry{
		next: StateIdle,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			reason := payload.(string)
			return o.publish(rt, markdownEvent("orchestrator", "Plan aborted: "+reason))
		},
	}

	t[transitionKey{StateSynthesizing, triggerSynthesized}] = transitionEntry{
		next: StateTerminal,
		action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
			markdown := payload.(string)
			if err := o.publish(rt, markdownEvent("result_synthesizer", markdown)); err != nil {
				return err
			}
			return o.publish(rt, core.Event{ID: core.NewID(), Author: "orchestrator", Kind: core.MessageAgentWorkflowFinish,
				CustomMetadata: map[string]string{"status": "_workflow_finish"}})
		},
	}

	t[transitionKey{StateTerminal, triggerUserMessage}] = transitionEntry{
		// Terminal returns to Idle for the next user message per the spec;
		// modeled as a pass-through row so a fresh message need not first
		// observe an intermediate Idle tick.
		next: StateValidating,
		action: t[transitionKey{StateIdle, triggerUserMessage}].action,
	}

	// Cancel is valid from every active (non-terminal, non-idle) state and
	// always returns to Idle after checkpointing a cancelled note; idempotent
	// in Idle per the invariant, handled by Cancel short-circuiting instead
	// of consulting this table.
	for _, s := range []State{StateValidating, StatePlanning, StateExecuting, StateSynthesizing, StateRecovering} {
		t[transitionKey{s, triggerCancel}] = transitionEntry{
			next: StateIdle,
			action: func(o *Orchestrator, rt *sessionRuntime, payload any) error {
				return o.publish(rt, markdownEvent("orchestrator", "Cancelled."))
			},
		}
	}

	return t
}

func markdownEvent(author, text string) core.Event {
	return core.Event{ID: core.NewID(), Author: author, Kind: core.MessageAgentMarkdown,
		Content: &core.Content{Role: "assistant", Parts: []core.Part{core.TextPart{Text: text}}}}
}

// formRequestEvent carries the full form, not just its id, so a subscriber
// reconstructing its UI from history alone (reconnect, replay) never needs a
// side lookup back into the session's PendingInterrupt.
func formRequestEvent(form *core.FormRequest) core.Event {
	return core.Event{ID: core.NewID(), Author: "orchestrator", Kind: core.MessageAgentFormRequest,
		CustomMetadata: map[string]string{"form_id": form.FormID},
		Content:        &core.Content{Role: "assistant", Parts: []core.Part{core.DataPart{Data: map[string]any{"form": form}}}}}
}

func stepEvent(step core.PlanStep, index, total int) core.Event {
	return core.Event{ID: core.NewID(), Author: "task_planner", Kind: core.MessageAgentStep,
		StepIndex: &step.Index,
		CustomMetadata: map[string]string{
			"title":       step.Title,
			"step_index":  fmt.Sprint(index),
			"total_steps": fmt.Sprint(total),
		}}
}

// agentSpecFor resolves the agent bound to a plan step, permitted peers and
// permitted tools expanded from the catalog.
func (o *Orchestrator) agentSpecFor(name string) (core.AgentSpec, error) {
	spec, ok := o.catalog.Agents[name]
	if !ok {
		return core.AgentSpec{}, fmt.Errorf("%w: no agent spec named %q", core.ErrInternal, name)
	}
	return spec, nil
}

// assembleFor builds the ContextBundle for one turn of the given step.
func (o *Orchestrator) assembleFor(rt *sessionRuntime, spec core.AgentSpec, step core.PlanStep, toolResults []core.Event) (contextassembler.ContextBundle, error) {
	return o.assembler.Assemble(contextassembler.Input{
		Session:             rt.session,
		Step:                step,
		Instructions:        spec.SystemPrompt,
		PermittedTools:      spec.PermittedTools,
		Peers:               peerDescriptors(o.catalog.Peers(spec.PermittedPeers)),
		ToolResultsThisStep: toolResults,
		HistoryWindow:       20,
		MemoryTopM:          5,
		TokenBudget:         8000,
	})
}

// peerDescriptors adapts config.PeerDescriptor to contextassembler's own
// type of the same shape, avoiding a contextassembler -> config import that
// would otherwise cycle back through config -> contextassembler.
func peerDescriptors(peers []config.PeerDescriptor) []contextassembler.PeerDescriptor {
	out := make([]contextassembler.PeerDescriptor, 0, len(peers))
	for _, p := range peers {
		out = append(out, contextassembler.PeerDescriptor{Name: p.Name, Description: p.Description})
	}
	return out
}
