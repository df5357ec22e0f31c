package pipeline

import (
	"sort"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// planViolation names the first validation rule a plan broke and the steps
// involved.
type planViolation struct {
	rule  string
	steps []string
}

// validatePlan enforces the deterministic safety contract on a generated
// plan. Rules run in a fixed order and the first hit is reported:
// non-empty, unique step ids, known dependencies, acyclic DAG, resolvable
// tools, rollback for every destructive step, and an approval gate ahead
// of high-risk production mutations.
func validatePlan(plan *models.Plan, decision *models.Decision, selection *models.ToolSelection, catalog *tools.Catalog) *planViolation {
	if plan == nil || len(plan.Steps) == 0 {
		return &planViolation{rule: "plan has no steps"}
	}

	seen := make(map[string]bool, len(plan.Steps))
	var dups []string
	for _, s := range plan.Steps {
		if seen[s.ID] {
			dups = append(dups, s.ID)
		}
		seen[s.ID] = true
	}
	if len(dups) > 0 {
		return &planViolation{rule: "duplicate step id", steps: dedupe(dups)}
	}

	var unknown []string
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				unknown = append(unknown, s.ID)
			}
		}
	}
	if len(unknown) > 0 {
		return &planViolation{rule: "depends_on references unknown step", steps: dedupe(unknown)}
	}

	if cycle := findCycle(plan); len(cycle) > 0 {
		return &planViolation{rule: "dependency cycle", steps: cycle}
	}

	var unresolved []string
	for _, s := range plan.Steps {
		if !toolResolves(s.Tool, selection, catalog) {
			unresolved = append(unresolved, s.ID)
		}
	}
	if len(unresolved) > 0 {
		return &planViolation{rule: "step tool is neither selected nor a built-in", steps: dedupe(unresolved)}
	}

	var uncovered []string
	for _, s := range plan.Steps {
		if isDestructiveStep(s, catalog) && !plan.HasRollback(s.ID) {
			uncovered = append(uncovered, s.ID)
		}
	}
	if len(uncovered) > 0 {
		return &planViolation{rule: "destructive step has no rollback entry", steps: dedupe(uncovered)}
	}

	if decision.Risk.AtLeast(models.RiskHigh) {
		var ungated []string
		for _, s := range plan.Steps {
			if s.TargetsProduction && !gatedBefore(plan, s.ID) {
				ungated = append(ungated, s.ID)
			}
		}
		if len(ungated) > 0 {
			return &planViolation{rule: "high-risk production step lacks a before-stage approval gate", steps: dedupe(ungated)}
		}
	}

	return nil
}

func toolResolves(name string, selection *models.ToolSelection, catalog *tools.Catalog) bool {
	if selection.Has(name) {
		return true
	}
	t, ok := catalog.Get(name)
	return ok && t.Builtin
}

// isDestructiveStep consults the catalog flag; a tool name that does not
// resolve was already rejected by the resolution rule.
func isDestructiveStep(step models.PlanStep, catalog *tools.Catalog) bool {
	t, ok := catalog.Get(step.Tool)
	return ok && t.Destructive
}

// gatedBefore reports whether a before-stage approval gate covers the
// step. A gate with no step ids covers the whole plan.
func gatedBefore(plan *models.Plan, stepID string) bool {
	for _, g := range plan.ApprovalGates {
		if g.Stage != models.SafetyBefore {
			continue
		}
		if len(g.StepIDs) == 0 {
			return true
		}
		for _, id := range g.StepIDs {
			if id == stepID {
				return true
			}
		}
	}
	return false
}

// findCycle runs a depth-first search over depends_on edges and returns
// the step ids on the first back edge's cycle, or nil.
func findCycle(plan *models.Plan) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Steps))
	deps := make(map[string][]string, len(plan.Steps))
	ids := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		deps[s.ID] = s.DependsOn
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				// Back edge: the cycle is the stack suffix from dep.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						break
					}
				}
				sort.Strings(cycle)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
