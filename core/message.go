package core

// MessageKind tags the eleven shapes a history entry can take. The Session's
// Events slice is the single source of truth; every UI-facing event is
// derived from some Event whose Kind is one of these.
type MessageKind string

const (
	MessageUserText           MessageKind = "user_text"
	MessageUserFormReply      MessageKind = "user_form_reply"
	MessageUserAttachmentRef  MessageKind = "user_attachment_ref"
	MessageAgentMarkdown      MessageKind = "agent_markdown"
	MessageAgentProgress      MessageKind = "agent_progress"
	MessageAgentStep          MessageKind = "agent_step"
	MessageAgentFormRequest   MessageKind = "agent_form_request"
	MessageAgentWorkflowFinish MessageKind = "agent_workflow_finish"
	MessageToolCall           MessageKind = "tool_call"
	MessageToolResult         MessageKind = "tool_result"
	MessageSystemNote         MessageKind = "system_note"
)

// FormField describes one input in a FormRequest/FormReply pair.
type FormField struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Type    string   `json:"type"` // text, select, number, ...
	Options []string `json:"options,omitempty"`
	Value   string   `json:"value,omitempty"` // prefilled default
}

// FormRequest is the payload of an agent_form_request message: a set of
// fields the orchestrator needs a human to fill in before Executing(i) can
// resume.
type FormRequest struct {
	FormID string      `json:"form_id"`
	Title  string      `json:"title"`
	Fields []FormField `json:"fields"`
}

// FormReply is the payload of a user_form_reply message, correlated back to
// its FormRequest by FormID.
type FormReply struct {
	FormID string            `json:"form_id"`
	Values map[string]string `json:"values"`
}
