// Package toolregistry catalogs tools, validates calls against their
// schemas, enforces per-call timeouts, retries transient failures with
// backoff, and gates non-idempotent tools so a retried or replayed call
// never executes twice for the same session.
package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/internal/util"
	"github.com/n0iac/agentcore/tool"
)

// ToolDescriptor is the catalog entry exposed to a ContextAssembler when it
// filters which tools an agent may see, and to the AgentRunner when it
// builds a model.Request's tool list.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Idempotent  bool                   `json:"idempotent"`
	TimeoutMS   int                    `json:"timeout_ms"`
}

// RetryPolicy configures the exponential-backoff-with-jitter retry applied
// to tool_transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries transient failures up to 3 times total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// entry pairs a registered tool with its catalog metadata.
type entry struct {
	tool        tool.Tool
	idempotent  bool
	timeoutMS   int
}

// Registry is the process-global catalog of tools available to AgentRunner
// invocations. It is safe for concurrent use; idempotency gating is scoped
// per (sessionID, toolName, idempotencyKey).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	retry   RetryPolicy

	gateMu sync.Mutex
	gate   map[string]any // "sessionID/toolName/key" -> cached result
}

// New constructs an empty Registry with the default retry policy.
func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		retry:   DefaultRetryPolicy(),
		gate:    make(map[string]any),
	}
}

// WithRetryPolicy overrides the registry's retry policy, returning the
// registry for chaining at construction time.
func (r *Registry) WithRetryPolicy(p RetryPolicy) *Registry {
	r.retry = p
	return r
}

// Register adds a tool to the catalog. idempotent controls whether repeated
// invocations with the same idempotency key are safe to execute more than
// once; timeoutMS of 0 means no explicit timeout beyond the caller's
// context.
func (r *Registry) Register(t tool.Tool, idempotent bool, timeoutMS int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = entry{tool: t, idempotent: idempotent, timeoutMS: timeoutMS}
}

// Describe returns the catalog entry for a tool by name.
func (r *Registry) Describe(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return ToolDescriptor{
		Name:        e.tool.Name(),
		Description: e.tool.Description(),
		Parameters:  e.tool.Parameters(),
		Idempotent:  e.idempotent,
		TimeoutMS:   e.timeoutMS,
	}, true
}

// ListForPolicy returns the catalog entries for the names in permitted,
// filtering out names not registered (rather than erroring), matching the
// ContextAssembler's "filter by policy" step.
func (r *Registry) ListForPolicy(permitted []string) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(permitted))
	for _, name := range permitted {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		out = append(out, ToolDescriptor{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
			Idempotent:  e.idempotent,
			TimeoutMS:   e.timeoutMS,
		})
	}
	return out
}

// Invoke validates args against the tool's schema, enforces its timeout,
// retries tool_transient failures with backoff+jitter, and gates
// non-idempotent tools per (sessionID, toolName, idempotencyKey) so a
// replayed call after a crash never executes twice. idempotencyKey should
// be stable across a retried call for the same logical operation (e.g. the
// PlanStep index); pass "" for tools where replay safety does not matter.
func (r *Registry) Invoke(ctx context.Context, toolCtx *core.ToolContext, sessionID, name, idempotencyKey string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q is not registered", core.ErrPermission, name)
	}

	if err := util.ValidateParameters(args, e.tool.Parameters()); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}

	if !e.idempotent && idempotencyKey != "" {
		gateKey := sessionID + "/" + name + "/" + idempotencyKey
		if cached, done := r.checkGate(gateKey); done {
			return cached, nil
		}
		result, err := r.invokeWithRetry(ctx, toolCtx, e, name, args)
		if err == nil {
			r.setGate(gateKey, result)
		}
		return result, err
	}

	return r.invokeWithRetry(ctx, toolCtx, e, name, args)
}

func (r *Registry) checkGate(gateKey string) (interface{}, bool) {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	result, ok := r.gate[gateKey]
	return result, ok
}

func (r *Registry) setGate(gateKey string, result interface{}) {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	r.gate[gateKey] = result
}

func (r *Registry) invokeWithRetry(ctx context.Context, toolCtx *core.ToolContext, e entry, name string, args map[string]interface{}) (interface{}, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if e.timeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(e.timeoutMS)*time.Millisecond)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", classifyCtxErr(callCtx.Err()), callCtx.Err())
		}

		done := make(chan struct{})
		var result interface{}
		var err error
		go func() {
			defer close(done)
			result, err = e.tool.Call(toolCtx, args)
		}()
		select {
		case <-callCtx.Done():
			return nil, fmt.Errorf("%w: %v", classifyCtxErr(callCtx.Err()), callCtx.Err())
		case <-done:
		}
		if err == nil {
			return result, nil
		}

		classified := classifyToolError(err)
		lastErr = classified
		if classified != core.ErrToolTransient || attempt == r.retry.MaxAttempts {
			return nil, fmt.Errorf("tool %q failed: %w", name, classified)
		}

		delay := backoffWithJitter(r.retry.BaseDelay, r.retry.MaxDelay, attempt)
		select {
		case <-callCtx.Done():
			return nil, fmt.Errorf("%w: %v", classifyCtxErr(callCtx.Err()), callCtx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// classifyCtxErr distinguishes an external cancellation (context.Canceled,
// e.g. the orchestrator's Cancel call) from this call's own timeout
// (context.DeadlineExceeded) so a caller can tell "cancelled" and "timed
// out" apart with errors.Is instead of losing that distinction to a single
// ErrTimeout wrap.
func classifyCtxErr(err error) core.ErrKind {
	if errors.Is(err, context.Canceled) {
		return core.ErrCancelled
	}
	return core.ErrTimeout
}

// classifyToolError maps a tool.ToolError's Code (or a bare error) to an
// ErrKind the Orchestrator's Recovering state can route on. A cancelled or
// timed-out context takes priority over the Code-based mapping below: a
// tool that observes ctx.Done() and returns ctx.Err() (wrapped into
// EXECUTION_ERROR by tool.FunctionTool.Call) must still classify as
// ErrCancelled/ErrTimeout, not ErrToolTransient, so driveExecuting's
// errors.Is(toolErr, core.ErrCancelled) check at the end of a retry budget
// can tell a clean cancel apart from a genuine tool failure.
func classifyToolError(err error) core.ErrKind {
	if errors.Is(err, context.Canceled) {
		return core.ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrTimeout
	}

	var toolErr *tool.ToolError
	if te, ok := err.(*tool.ToolError); ok {
		toolErr = te
	}
	if toolErr == nil {
		return core.ErrToolTransient
	}
	switch toolErr.Code {
	case "VALIDATION_ERROR":
		return core.ErrValidation
	case "EXECUTION_ERROR", "transient":
		return core.ErrToolTransient
	case "permanent":
		return core.ErrToolPermanent
	case "permission":
		return core.ErrPermission
	case "timeout":
		return core.ErrTimeout
	default:
		return core.ErrToolPermanent
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d/2 + jitter/2
}
