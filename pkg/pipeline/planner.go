package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/prompt"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// Planner is Stage C: one model call produces the step DAG, then the
// deterministic validator enforces the safety contract. A semantic
// violation earns one corrective model turn; a second violation is
// PlanInvalid.
type Planner struct {
	llm     LLMClient
	prompts *prompt.Builder
	cache   *cache.Manager
	stages  *config.StagesConfig
	logger  *slog.Logger
}

// NewPlanner creates Stage C.
func NewPlanner(llmc LLMClient, prompts *prompt.Builder, mgr *cache.Manager, cfg *config.Config) *Planner {
	return &Planner{
		llm:     llmc,
		prompts: prompts,
		cache:   mgr,
		stages:  cfg.Stages,
		logger:  slog.Default().With("component", "planner"),
	}
}

// Plan produces a validated Plan. The boolean reports a Stage C cache hit.
// Cached plans were validated when written; the key covers tool and asset
// versions, so a catalog or inventory change misses naturally.
func (p *Planner) Plan(
	ctx context.Context,
	req *models.Request,
	decision *models.Decision,
	selection *models.ToolSelection,
	assets []models.AssetContext,
	catalog *tools.Catalog,
	usage *models.TokenUsage,
) (*models.Plan, bool, error) {
	key := planCacheKey(decision, selection, assets)

	var cached models.Plan
	if p.cache.Get(ctx, cache.NamespaceStageC, key, &cached) {
		return &cached, true, nil
	}

	messages := p.prompts.PlanMessages(req, decision, selection, assets, catalog)
	budget := clampCompletion(p.stages.MaxTokensPlan, messages, p.llm.ContextWindow(), p.stages.ContextSafetyMargin)
	if budget <= 0 {
		return nil, false, NewContextOverflow(llm.EstimateMessages(messages), p.stages.MaxTokensPlan, p.llm.ContextWindow()).WithStage(models.StagePlan)
	}

	plan, raw, err := p.generate(ctx, req, messages, budget, usage)
	if err != nil {
		return nil, false, err
	}

	violation := validatePlan(plan, decision, selection, catalog)
	if violation != nil {
		p.logger.Warn("Plan failed validation, issuing corrective turn",
			"request_id", req.RequestID,
			"rule", violation.rule,
			"steps", violation.steps)

		corrective := append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: raw},
			llm.Message{Role: llm.RoleUser, Content: correctivePrompt(violation)},
		)
		budget = clampCompletion(p.stages.MaxTokensPlan, corrective, p.llm.ContextWindow(), p.stages.ContextSafetyMargin)
		if budget <= 0 {
			return nil, false, NewContextOverflow(llm.EstimateMessages(corrective), p.stages.MaxTokensPlan, p.llm.ContextWindow()).WithStage(models.StagePlan)
		}
		plan, _, err = p.generate(ctx, req, corrective, budget, usage)
		if err != nil {
			return nil, false, err
		}
		if violation = validatePlan(plan, decision, selection, catalog); violation != nil {
			return nil, false, NewPlanInvalid(violation.rule, violation.steps).WithRequest(req.RequestID)
		}
	}

	if ctx.Err() == nil {
		p.cache.Set(ctx, cache.NamespaceStageC, key, plan)
	}
	return plan, false, nil
}

// generate runs one plan model call and decodes the schema-validated JSON.
func (p *Planner) generate(ctx context.Context, req *models.Request, messages []llm.Message, budget int, usage *models.TokenUsage) (*models.Plan, string, error) {
	res, err := p.llm.Chat(ctx, llm.ChatRequest{
		Messages:  messages,
		MaxTokens: budget,
		Schema:    prompt.PlanSchema,
		Stage:     string(models.StagePlan),
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, "", mapLLMError(err, models.StagePlan)
	}
	usage.Add(res.Usage.PromptTokens, res.Usage.CompletionTokens)

	var plan models.Plan
	if err := res.Decode(&plan); err != nil {
		return nil, "", NewLLMProtocolError(err).WithStage(models.StagePlan)
	}
	return &plan, res.Text, nil
}

func correctivePrompt(v *planViolation) string {
	msg := "The plan violated a validation rule: " + v.rule
	if len(v.steps) > 0 {
		msg += fmt.Sprintf(" (steps %v)", v.steps)
	}
	return msg + ". Return a corrected plan as JSON against the same schema. Change only what the rule requires."
}

// planCacheKey covers everything the plan depends on: the action, the
// resolved entities, the selected tool versions, and the asset versions
// that were in the prompt.
func planCacheKey(decision *models.Decision, selection *models.ToolSelection, assets []models.AssetContext) string {
	toolVersions := make([]string, 0, len(selection.SelectedTools))
	for _, st := range selection.SelectedTools {
		toolVersions = append(toolVersions, st.Name+"@"+st.Version)
	}
	assetVersions := make([]string, 0, len(assets))
	for _, a := range assets {
		assetVersions = append(assetVersions, a.AssetID+"@"+a.Version)
	}
	return cache.StageCKey(decision.Intent.Action, decision.Entities, toolVersions, assetVersions)
}

// clampCompletion bounds a completion budget to the room the context
// window leaves after the prompt and the safety margin.
func clampCompletion(budget int, messages []llm.Message, window, margin int) int {
	room := window - llm.EstimateMessages(messages) - margin
	if budget > room {
		return room
	}
	return budget
}
