package models

// SelectedTool is one catalog tool chosen by Stage B, with the reasoning
// and ordering constraints the planner must respect.
type SelectedTool struct {
	Name           string   `json:"name"`
	Version        string   `json:"version,omitempty"`
	Justification  string   `json:"justification"`
	InputsNeeded   []string `json:"inputs_needed,omitempty"`
	ExecutionOrder int      `json:"execution_order"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Score          float64  `json:"score"`
}

// ToolSelection is Stage B's output: the minimal tool set that can satisfy
// the intent, or an explanation of why none can.
type ToolSelection struct {
	SelectedTools     []SelectedTool `json:"selected_tools"`
	UnmetCapabilities []string       `json:"unmet_capabilities,omitempty"`
	// ClarificationNeeded is set when no tool scored high enough to select
	// outright but some were close; Candidates holds up to three of them.
	ClarificationNeeded bool     `json:"clarification_needed,omitempty"`
	Candidates          []string `json:"candidates,omitempty"`
	ApprovalRequired    bool     `json:"approval_required"`
}

// ToolNames returns the selected tool names in execution order.
func (s *ToolSelection) ToolNames() []string {
	names := make([]string, 0, len(s.SelectedTools))
	for _, t := range s.SelectedTools {
		names = append(names, t.Name)
	}
	return names
}

// Has reports whether a tool name is part of the selection.
func (s *ToolSelection) Has(name string) bool {
	for _, t := range s.SelectedTools {
		if t.Name == name {
			return true
		}
	}
	return false
}
