package models

import "time"

// ToolResult is a concrete observation from executing or pre-checking a
// single plan step.
type ToolResult struct {
	Tool       string    `json:"tool"`
	StepID     string    `json:"step_id"`
	InputsHash string    `json:"inputs_hash"`
	Output     string    `json:"output"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// ExecutionStatus is the terminal status of a plan execution.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPartial   ExecutionStatus = "partial"
)

// IsValid checks if the execution status is valid.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionPartial:
		return true
	default:
		return false
	}
}

// ExecutionOutcome is what Stage E hands back to the pipeline: the terminal
// status plus every observation collected before that point.
type ExecutionOutcome struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Results     []ToolResult    `json:"results"`
	Error       string          `json:"error,omitempty"`
}

// ResultFor returns the observation for a step id, or nil when the step
// never ran.
func (o *ExecutionOutcome) ResultFor(stepID string) *ToolResult {
	for i := range o.Results {
		if o.Results[i].StepID == stepID {
			return &o.Results[i]
		}
	}
	return nil
}
