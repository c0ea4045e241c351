// Package transport adapts the Orchestrator's session API to the
// websocket wire envelope: markdown/component/user_message/control/error
// frames exchanged with a browser client at /ws/agent/{tenant_id}/{session_id}.
// It is grounded on nstogner-operative's chat websocket handler (upgrade,
// a writer goroutine draining an update channel, a reader loop decoding
// inbound JSON), generalized from that handler's single free-text field to
// the closed set of envelope types the orchestrator's event stream and
// control surface require.
package transport

import "github.com/n0iac/agentcore/core"

// Envelope is the top-level shape of every frame in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// UserMessagePayload is the payload of an inbound {type: "user_message"}.
type UserMessagePayload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment references a file the user attached to a message.
type Attachment struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// ControlPayload is the payload of an inbound {type: "control"}.
type ControlPayload struct {
	Action string `json:"action"` // "cancel" | "close"
}

// ComponentPayload is the payload of a {type: "component"} frame, outbound
// or inbound.
type ComponentPayload struct {
	Component string `json:"component"` // "progress" | "ui_interaction"
	Data      any    `json:"data"`
}

// ProgressData is the Data of a component:"progress" frame.
type ProgressData struct {
	Status      string `json:"status"`
	StepIndex   *int   `json:"stepIndex,omitempty"`
	TotalSteps  *int   `json:"totalSteps,omitempty"`
	Title       string `json:"title,omitempty"`
}

// FormData is the Data of an outbound component:"ui_interaction" form
// request, or the nested shape an inbound form reply carries.
type FormData struct {
	Form *WireForm `json:"form,omitempty"`
}

// WireForm is the wire rendering of a core.FormRequest, or (when only ID
// and Values are set) a core.FormReply.
type WireForm struct {
	ID     string            `json:"id"`
	Title  string            `json:"title,omitempty"`
	Fields []WireField       `json:"fields,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

// WireField is the wire rendering of a core.FormField.
type WireField struct {
	Key     string   `json:"key"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Options []string `json:"options,omitempty"`
}

// ErrorPayload is the payload of an outbound {type: "error"}, used only for
// transport-level failures (malformed envelope, unknown session) that never
// reach session history.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// formFromEvent recovers the *core.FormRequest a formRequestEvent carried in
// its DataPart. The event travels the EventBus in-process (never serialized
// between publish and this read), so the map value is still the original Go
// struct, not a json.Unmarshal-produced map[string]any.
func formFromEvent(ev core.Event) *WireForm {
	if ev.Content == nil {
		return nil
	}
	for _, p := range ev.Content.Parts {
		dp, ok := p.(core.DataPart)
		if !ok {
			continue
		}
		if fr, ok := dp.Data["form"].(*core.FormRequest); ok {
			return wireForm(fr)
		}
	}
	return nil
}

func wireForm(fr *core.FormRequest) *WireForm {
	if fr == nil {
		return nil
	}
	fields := make([]WireField, len(fr.Fields))
	for i, f := range fr.Fields {
		fields[i] = WireField{Key: f.Name, Label: f.Label, Type: f.Type, Options: f.Options}
	}
	return &WireForm{ID: fr.FormID, Title: fr.Title, Fields: fields}
}

// eventText extracts the flattened text of an event's content, if any.
func eventText(ev core.Event) string {
	if ev.Content == nil {
		return ""
	}
	var out string
	for _, p := range ev.Content.Parts {
		if tp, ok := p.(core.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// toEnvelope translates a session history Event into its wire Envelope, or
// returns ok=false for kinds that are not forwarded to clients (user-authored
// events the client already rendered locally, and tool-internal bookkeeping
// the wire format has no frame for).
func toEnvelope(ev core.Event) (Envelope, bool) {
	switch ev.Kind {
	case core.MessageAgentMarkdown:
		return Envelope{Type: "markdown", Payload: eventText(ev)}, true

	case core.MessageAgentProgress:
		return Envelope{Type: "component", Payload: ComponentPayload{
			Component: "progress",
			Data:      ProgressData{Status: ev.CustomMetadata["status"], StepIndex: ev.StepIndex},
		}}, true

	case core.MessageAgentStep:
		total := atoiPtr(ev.CustomMetadata["total_steps"])
		return Envelope{Type: "component", Payload: ComponentPayload{
			Component: "progress",
			Data: ProgressData{
				Status:     "step",
				StepIndex:  ev.StepIndex,
				TotalSteps: total,
				Title:      ev.CustomMetadata["title"],
			},
		}}, true

	case core.MessageAgentWorkflowFinish:
		return Envelope{Type: "component", Payload: ComponentPayload{
			Component: "progress",
			Data:      ProgressData{Status: "_workflow_finish"},
		}}, true

	case core.MessageAgentFormRequest:
		form := formFromEvent(ev)
		return Envelope{Type: "component", Payload: ComponentPayload{
			Component: "ui_interaction",
			Data:      FormData{Form: form},
		}}, true

	default:
		return Envelope{}, false
	}
}

func atoiPtr(s string) *int {
	if s == "" {
		return nil
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil
		}
		n = n*10 + int(c-'0')
	}
	return &n
}
