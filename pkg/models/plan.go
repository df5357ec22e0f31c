package models

// FailureHandling tells the executor what to do when a step fails.
type FailureHandling string

const (
	FailureAbort    FailureHandling = "abort"
	FailureWarn     FailureHandling = "warn"
	FailureContinue FailureHandling = "continue"
)

// IsValid checks if the failure handling mode is valid.
func (f FailureHandling) IsValid() bool {
	return f == FailureAbort || f == FailureWarn || f == FailureContinue
}

// SafetyCheckStage places a safety check relative to plan execution.
type SafetyCheckStage string

const (
	SafetyBefore SafetyCheckStage = "before"
	SafetyDuring SafetyCheckStage = "during"
	SafetyAfter  SafetyCheckStage = "after"
)

// IsValid checks if the safety check stage is valid.
func (s SafetyCheckStage) IsValid() bool {
	return s == SafetyBefore || s == SafetyDuring || s == SafetyAfter
}

// PlanStep is one node of the execution DAG.
type PlanStep struct {
	ID                 string            `json:"id"`
	Description        string            `json:"description"`
	Tool               string            `json:"tool"`
	Inputs             map[string]string `json:"inputs,omitempty"`
	Preconditions      []string          `json:"preconditions,omitempty"`
	SuccessCriteria    []string          `json:"success_criteria,omitempty"`
	FailureHandling    FailureHandling   `json:"failure_handling"`
	EstimatedDuration  float64           `json:"estimated_duration_s"`
	DependsOn          []string          `json:"depends_on,omitempty"`
	TargetsProduction  bool              `json:"targets_production,omitempty"`
	// StepInstanceID is a client-generated id used by the Automation service
	// to deduplicate replays of the same plan.
	StepInstanceID string `json:"step_instance_id,omitempty"`
}

// SafetyCheck is a declared guard the executor evaluates around the plan.
type SafetyCheck struct {
	Check         string           `json:"check"`
	Stage         SafetyCheckStage `json:"stage"`
	FailureAction string           `json:"failure_action"`
}

// RollbackEntry maps a step to the action that undoes it.
type RollbackEntry struct {
	StepID         string `json:"step_id"`
	RollbackAction string `json:"rollback_action"`
}

// ApprovalGate blocks execution until an external approval token is supplied.
type ApprovalGate struct {
	Stage  SafetyCheckStage `json:"stage"`
	Reason string           `json:"reason"`
	// StepIDs lists the steps the gate covers; empty means the whole plan.
	StepIDs []string `json:"step_ids,omitempty"`
}

// Plan is Stage C's output: an ordered, validated step DAG with safety
// checks, rollback coverage, and approval gates.
type Plan struct {
	Steps         []PlanStep      `json:"steps"`
	SafetyChecks  []SafetyCheck   `json:"safety_checks,omitempty"`
	RollbackPlan  []RollbackEntry `json:"rollback_plan,omitempty"`
	ApprovalGates []ApprovalGate  `json:"approval_gates,omitempty"`
}

// Clone returns a deep copy. The executor stamps step instance ids on the
// copy so the plan recorded at approval time stays byte-stable.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Steps:         make([]PlanStep, len(p.Steps)),
		SafetyChecks:  append([]SafetyCheck(nil), p.SafetyChecks...),
		RollbackPlan:  append([]RollbackEntry(nil), p.RollbackPlan...),
		ApprovalGates: make([]ApprovalGate, len(p.ApprovalGates)),
	}
	for i, s := range p.Steps {
		cp := s
		if s.Inputs != nil {
			cp.Inputs = make(map[string]string, len(s.Inputs))
			for k, v := range s.Inputs {
				cp.Inputs[k] = v
			}
		}
		cp.Preconditions = append([]string(nil), s.Preconditions...)
		cp.SuccessCriteria = append([]string(nil), s.SuccessCriteria...)
		cp.DependsOn = append([]string(nil), s.DependsOn...)
		out.Steps[i] = cp
	}
	for i, g := range p.ApprovalGates {
		cp := g
		cp.StepIDs = append([]string(nil), g.StepIDs...)
		out.ApprovalGates[i] = cp
	}
	return out
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// HasRollback reports whether a rollback entry exists for the step id.
func (p *Plan) HasRollback(stepID string) bool {
	for _, r := range p.RollbackPlan {
		if r.StepID == stepID {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether the plan carries any approval gate.
func (p *Plan) RequiresApproval() bool {
	return len(p.ApprovalGates) > 0
}
