package prompt

import (
	"strings"

	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// Builder assembles the conversations for every stage call. Stateless and
// thread-safe; all state comes from parameters.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// IntentMessages builds the Stage A intent classification conversation.
func (b *Builder) IntentMessages(text string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(FormatRequestSection(text))
	sb.WriteString("\n")
	sb.WriteString(classifyTask)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: intentSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// EntityMessages builds the Stage A entity extraction conversation.
func (b *Builder) EntityMessages(text string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(FormatRequestSection(text))
	sb.WriteString("\n")
	sb.WriteString(extractTask)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: entitySystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// RiskMessages builds the conditional confidence/risk conversation. The
// provisional rule assessment is withheld so the model judges
// independently; blending happens in the classifier.
func (b *Builder) RiskMessages(text string, intent models.Intent, entities []models.Entity) []llm.Message {
	var sb strings.Builder
	sb.WriteString(FormatRequestSection(text))
	sb.WriteString("\n## Classification\n")
	sb.WriteString("- Intent: " + intent.Category + " / " + intent.Action + "\n")
	sb.WriteString(FormatEntitySection(entities))
	sb.WriteString("\n")
	sb.WriteString(assessTask)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: riskSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// PlanMessages builds the Stage C conversation.
func (b *Builder) PlanMessages(
	req *models.Request,
	decision *models.Decision,
	selection *models.ToolSelection,
	assets []models.AssetContext,
	catalog *tools.Catalog,
) []llm.Message {
	var sb strings.Builder
	sb.WriteString(FormatRequestSection(req.Text))
	sb.WriteString("\n")
	sb.WriteString(FormatDecisionSection(decision))
	sb.WriteString("\n")
	sb.WriteString(FormatAssetSection(assets))
	sb.WriteString("\n")
	sb.WriteString(FormatToolSection(selection, catalog))
	sb.WriteString("\n")
	sb.WriteString(planTask)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: planSystemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

// AnswerMessages builds the Stage D conversation. strict selects the
// JSON-mode format the grounding scanner relies on.
func (b *Builder) AnswerMessages(
	req *models.Request,
	decision *models.Decision,
	selection *models.ToolSelection,
	plan *models.Plan,
	results []models.ToolResult,
	strict bool,
) []llm.Message {
	system := answerSystemPrompt + "\n\n"
	if strict {
		system += strictAnswerFormat
	} else {
		system += plainAnswerFormat
	}

	var sb strings.Builder
	sb.WriteString(FormatRequestSection(req.Text))
	sb.WriteString("\n")
	sb.WriteString(FormatDecisionSection(decision))
	if sel := FormatSelectionSection(selection); sel != "" {
		sb.WriteString("\n")
		sb.WriteString(sel)
	}
	sb.WriteString("\n")
	sb.WriteString(FormatPlanSection(plan))
	sb.WriteString("\n")
	sb.WriteString(FormatObservationSection(results))
	if gaps := FormatDataGapsSection(decision.DataGaps); gaps != "" {
		sb.WriteString("\n")
		sb.WriteString(gaps)
	}
	sb.WriteString("\n")
	sb.WriteString(answerTask)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}
