package core

// AgentInfo carries identifying details about an agent used in run contexts
// and events. Name is the external identifier; Type categorizes the
// implementation (e.g. "orchestrator", "worker").
type AgentInfo struct{ Name, Type string }
