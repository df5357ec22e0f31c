package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/prompt"
)

// citationPattern matches the inline grounding tokens the answer prompt
// demands: [step:s1], [asset:web-prod-01], [tool:service_restart].
var citationPattern = regexp.MustCompile(`\[(step|asset|tool):([^\]\s]+)\]`)

// Answerer is Stage D: it narrates the run into user-facing text and scans
// the result for grounding. Under strict grounding the model answers in
// JSON mode and every factual paragraph must carry a citation.
type Answerer struct {
	llm     LLMClient
	prompts *prompt.Builder
	stages  *config.StagesConfig
	pipe    *config.PipelineConfig
	logger  *slog.Logger
}

// NewAnswerer creates Stage D.
func NewAnswerer(llmc LLMClient, prompts *prompt.Builder, cfg *config.Config) *Answerer {
	return &Answerer{
		llm:     llmc,
		prompts: prompts,
		stages:  cfg.Stages,
		pipe:    cfg.Pipeline,
		logger:  slog.Default().With("component", "answerer"),
	}
}

// Answer produces the response narrative plus its citation scan. The
// completion budget is clamped to the context window; a prompt that leaves
// no room at all is ContextOverflow.
func (a *Answerer) Answer(
	ctx context.Context,
	req *models.Request,
	decision *models.Decision,
	selection *models.ToolSelection,
	plan *models.Plan,
	results []models.ToolResult,
	usage *models.TokenUsage,
) (string, []models.Citation, []int, error) {
	strict := a.pipe.IsStrictGrounding()
	messages := a.prompts.AnswerMessages(req, decision, selection, plan, results, strict)

	budget := clampCompletion(a.stages.MaxTokensAnswer, messages, a.llm.ContextWindow(), a.stages.ContextSafetyMargin)
	if budget <= 0 {
		return "", nil, nil, NewContextOverflow(llm.EstimateMessages(messages), a.stages.MaxTokensAnswer, a.llm.ContextWindow()).WithStage(models.StageAnswer)
	}

	creq := llm.ChatRequest{
		Messages:  messages,
		MaxTokens: budget,
		Stage:     string(models.StageAnswer),
		RequestID: req.RequestID,
	}
	if strict {
		creq.Schema = prompt.AnswerSchema
	}

	res, err := a.llm.Chat(ctx, creq)
	if err != nil {
		return "", nil, nil, mapLLMError(err, models.StageAnswer)
	}
	usage.Add(res.Usage.PromptTokens, res.Usage.CompletionTokens)

	text := res.Text
	if strict {
		var out prompt.AnswerResult
		if err := res.Decode(&out); err != nil {
			return "", nil, nil, NewLLMProtocolError(err).WithStage(models.StageAnswer)
		}
		text = out.Answer
	}

	citations := scanCitations(text)
	var unverified []int
	if strict {
		unverified = unverifiedParagraphs(text)
		if len(unverified) > 0 {
			a.logger.Warn("Answer carries uncited paragraphs",
				"request_id", req.RequestID,
				"paragraphs", unverified)
		}
	}
	return text, citations, unverified, nil
}

// scanCitations extracts grounding tokens in order of first appearance.
func scanCitations(text string) []models.Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[models.Citation]bool, len(matches))
	citations := make([]models.Citation, 0, len(matches))
	for _, m := range matches {
		c := models.Citation{Kind: models.CitationKind(m[1]), Ref: m[2]}
		if !seen[c] {
			seen[c] = true
			citations = append(citations, c)
		}
	}
	return citations
}

// unverifiedParagraphs returns the indexes of non-empty paragraphs that
// carry no citation token. Indexes count non-empty paragraphs from zero so
// they stay stable under whitespace reflow.
func unverifiedParagraphs(text string) []int {
	var unverified []int
	idx := 0
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		if !citationPattern.MatchString(para) {
			unverified = append(unverified, idx)
		}
		idx++
	}
	return unverified
}
