package api

import "context"

// Agent is an opaque, potentially slow reasoning service. The engine never
// inspects prompts; activities translate between agent responses and typed
// stage results.
type Agent interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

// AgentRequest is one call to an agent role.
type AgentRequest struct {
	Role     string         `json:"role"`
	ThreadID string         `json:"threadId,omitempty"`
	CaseID   string         `json:"caseId,omitempty"`
	Prompt   string         `json:"prompt"`
	Context  map[string]any `json:"context,omitempty"`
}

// AgentResponse is an agent's answer.
type AgentResponse struct {
	Text    string         `json:"text"`
	Success bool           `json:"success"`
	Metrics map[string]any `json:"metrics,omitempty"`
}
