package core

import "errors"

// ErrKind classifies an error for routing by the orchestrator's Recovering
// state and for surfacing a consistent error code to clients. Every error
// returned across a Checkpointer/ToolRegistry/AgentRunner boundary should be
// wrapped with one of these via fmt.Errorf("%w: ...") so callers can
// recover it with errors.Is/errors.As rather than string matching.
type ErrKind struct {
	code string
}

func (k ErrKind) Error() string { return k.code }

// Code returns the kind's bare string code ("timeout", "cancelled", ...),
// letting logging.AgentMeshLogger tag log entries with error_kind via a
// structural interface check rather than importing this package (which
// would cycle back through core's own loggerAdapter).
func (k ErrKind) Code() string { return k.code }

var (
	ErrValidation     ErrKind = ErrKind{"validation"}
	ErrPermission     ErrKind = ErrKind{"permission"}
	ErrToolTransient  ErrKind = ErrKind{"tool_transient"}
	ErrToolPermanent  ErrKind = ErrKind{"tool_permanent"}
	ErrTimeout        ErrKind = ErrKind{"timeout"}
	ErrCancelled      ErrKind = ErrKind{"cancelled"}
	ErrModel          ErrKind = ErrKind{"model"}
	ErrInternal       ErrKind = ErrKind{"internal"}
)

// ClassifyErr returns the ErrKind wrapped into err via errors.Is, or
// ErrInternal if none of the known kinds match.
func ClassifyErr(err error) ErrKind {
	for _, k := range []ErrKind{ErrValidation, ErrPermission, ErrToolTransient, ErrToolPermanent, ErrTimeout, ErrCancelled, ErrModel, ErrInternal} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
