package core

// AgentSpec is the immutable, data-driven description of one agent kind.
// Agents differ from one another only in these fields, not in code shape:
// a single AgentRunner interprets whichever AgentSpec a PlanStep binds to,
// rather than a class hierarchy of agent types.
type AgentSpec struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	SystemPrompt   string   `json:"system_prompt"`
	ModelRef       string   `json:"model_ref"`
	PermittedTools []string `json:"permitted_tools,omitempty"`
	PermittedPeers []string `json:"permitted_peers,omitempty"`
	OutputSchema   any      `json:"output_schema,omitempty"`
	MaxModelCalls  int      `json:"max_model_calls,omitempty"`
}

// WorkflowStepTemplate is one entry of a WorkflowTemplate's step list. The
// task_planner agent selects or synthesizes a plan against a catalog of
// these; a produced plan need not match a template exactly since the
// planner may interpolate step-specific titles and inputs.
type WorkflowStepTemplate struct {
	TitleTemplate string            `json:"title_template"`
	AgentName     string            `json:"agent_name"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
}

// WorkflowTemplate is a named, reusable shape for a session's plan.
type WorkflowTemplate struct {
	Name  string                  `json:"name"`
	Steps []WorkflowStepTemplate  `json:"steps"`
}
