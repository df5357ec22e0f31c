package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// FormatRequestSection wraps the raw operator text. Delimiters keep
// adversarial request text from being read as instructions.
func FormatRequestSection(text string) string {
	var sb strings.Builder
	sb.WriteString("## Operator Request\n")
	sb.WriteString("<!-- REQUEST_START -->\n")
	sb.WriteString(text)
	sb.WriteString("\n<!-- REQUEST_END -->\n")
	return sb.String()
}

// FormatDecisionSection summarizes the Stage A outcome for later stages.
func FormatDecisionSection(decision *models.Decision) string {
	var sb strings.Builder
	sb.WriteString("## Classification\n")
	fmt.Fprintf(&sb, "- Intent: %s / %s\n", decision.Intent.Category, decision.Intent.Action)
	fmt.Fprintf(&sb, "- Risk: %s\n", decision.Risk)
	fmt.Fprintf(&sb, "- Confidence: %.2f\n", decision.OverallConfidence)
	if decision.RiskRationale != "" {
		fmt.Fprintf(&sb, "- Risk rationale: %s\n", decision.RiskRationale)
	}
	sb.WriteString(FormatEntitySection(decision.Entities))
	return sb.String()
}

// FormatEntitySection renders extracted entities as a compact list.
func FormatEntitySection(entities []models.Entity) string {
	if len(entities) == 0 {
		return "- Entities: none extracted\n"
	}
	var sb strings.Builder
	sb.WriteString("- Entities:\n")
	for _, e := range entities {
		value := e.Value
		if e.NormalizedValue != "" && e.NormalizedValue != e.Value {
			value = fmt.Sprintf("%s (normalized: %s)", e.Value, e.NormalizedValue)
		}
		fmt.Fprintf(&sb, "  - %s: %s\n", e.Type, value)
	}
	return sb.String()
}

// FormatAssetSection renders asset context fetched for referenced
// entities. Empty input states the absence explicitly so the model does
// not invent inventory.
func FormatAssetSection(assets []models.AssetContext) string {
	if len(assets) == 0 {
		return "## Asset Context\nNo asset context available.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Asset Context\n")
	for _, a := range assets {
		fmt.Fprintf(&sb, "- %s (%s, environment: %s)\n", a.AssetID, a.Type, a.Environment)
		for _, k := range sortedKeys(a.Attributes) {
			fmt.Fprintf(&sb, "  - %s: %s\n", k, a.Attributes[k])
		}
	}
	return sb.String()
}

// FormatToolSection renders the selected tools with full catalog detail so
// the planner knows inputs, flags, and costs. Unresolvable names are
// listed bare; plan validation rejects their use later.
func FormatToolSection(selection *models.ToolSelection, catalog *tools.Catalog) string {
	if selection == nil || len(selection.SelectedTools) == 0 {
		return "## Available Tools\nNo tools selected.\n"
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n")
	for _, st := range selection.SelectedTools {
		tool, ok := catalog.Get(st.Name)
		if !ok {
			fmt.Fprintf(&sb, "### %s\n(no catalog entry)\n", st.Name)
			continue
		}
		fmt.Fprintf(&sb, "### %s (v%s)\n", tool.Name, tool.Version)
		fmt.Fprintf(&sb, "%s\n", tool.Description)
		fmt.Fprintf(&sb, "- Flags: %s\n", toolFlags(tool))
		if len(tool.Inputs) > 0 {
			sb.WriteString("- Inputs:\n")
			for _, in := range tool.Inputs {
				req := "optional"
				if in.Required {
					req = "required"
				}
				fmt.Fprintf(&sb, "  - %s (%s, from entity type %q)\n", in.Name, req, in.EntityType)
			}
		}
		if st.Justification != "" {
			fmt.Fprintf(&sb, "- Selected because: %s\n", st.Justification)
		}
	}
	return sb.String()
}

func toolFlags(t *tools.Tool) string {
	var flags []string
	if t.ReadOnly {
		flags = append(flags, "read_only")
	}
	if t.Destructive {
		flags = append(flags, "destructive")
	}
	if t.HighRisk {
		flags = append(flags, "high_risk")
	}
	if t.ProductionSafe {
		flags = append(flags, "production_safe")
	}
	if len(flags) == 0 {
		return "none"
	}
	return strings.Join(flags, ", ")
}

// FormatSelectionSection summarizes the Stage B outcome for the answer
// stage. When selection short-circuited the pipeline, the candidates or
// unmet capabilities listed here are what the answer must relay.
func FormatSelectionSection(selection *models.ToolSelection) string {
	if selection == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Tool Selection\n")
	if len(selection.SelectedTools) > 0 {
		sb.WriteString("- Selected tools:\n")
		for _, st := range selection.SelectedTools {
			fmt.Fprintf(&sb, "  - %s: %s\n", st.Name, st.Justification)
		}
	}
	if selection.ClarificationNeeded {
		sb.WriteString("- No tool was a confident match. Ask the operator to choose between:\n")
		for _, c := range selection.Candidates {
			fmt.Fprintf(&sb, "  - %s\n", c)
		}
	}
	if len(selection.UnmetCapabilities) > 0 {
		sb.WriteString("- No available tool covers:\n")
		for _, u := range selection.UnmetCapabilities {
			fmt.Fprintf(&sb, "  - %s\n", u)
		}
	}
	return sb.String()
}

// FormatPlanSection renders the validated plan as JSON for Stage D.
func FormatPlanSection(plan *models.Plan) string {
	if plan == nil || len(plan.Steps) == 0 {
		return "## Execution Plan\nNo plan was produced.\n"
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "## Execution Plan\nPlan could not be rendered.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Execution Plan\n")
	sb.WriteString("```json\n")
	sb.Write(data)
	sb.WriteString("\n```\n")
	return sb.String()
}

// FormatObservationSection renders per-step execution results. Steps
// absent here have not run; the system prompt forbids claiming outcomes
// for them.
func FormatObservationSection(results []models.ToolResult) string {
	if len(results) == 0 {
		return "## Execution Observations\nNo steps have been executed.\n"
	}
	var sb strings.Builder
	sb.WriteString("## Execution Observations\n")
	for _, r := range results {
		status := "succeeded"
		if !r.Success {
			status = "FAILED"
		}
		fmt.Fprintf(&sb, "### Step %s (%s, %s, %dms)\n", r.StepID, r.Tool, status, r.DurationMS)
		if r.Error != "" {
			fmt.Fprintf(&sb, "Error: %s\n", r.Error)
		}
		if r.Output != "" {
			sb.WriteString(r.Output)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// FormatDataGapsSection lists enrichment lookups that failed.
func FormatDataGapsSection(gaps []string) string {
	if len(gaps) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Data Gaps\n")
	sb.WriteString("The following lookups failed; state this in the answer:\n")
	for _, g := range gaps {
		fmt.Fprintf(&sb, "- %s\n", g)
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
