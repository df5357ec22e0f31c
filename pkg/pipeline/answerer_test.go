package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/prompt"
)

const groundedAnswerJSON = `{
	"answer": "Restarted nginx on web-prod-01 via [tool:service_restart] in [step:s2].\n\nThe service reports healthy after the restart [step:s2]."
}`

const partiallyCitedAnswerJSON = `{
	"answer": "Checked the current state first [step:s1].\n\nEverything looks fine now.\n\nNo further action is needed."
}`

func newTestAnswerer(t *testing.T) (*Answerer, *scriptedLLM) {
	t.Helper()
	s := newScriptedLLM()
	return NewAnswerer(s, prompt.NewBuilder(), testPipelineConfig("")), s
}

func answerRequest() *models.Request {
	return &models.Request{RequestID: "req-answer", Text: "restart nginx on web-prod-01"}
}

func TestAnswererStrictModeScansGrounding(t *testing.T) {
	a, s := newTestAnswerer(t)
	s.script("answer", groundedAnswerJSON)

	var usage models.TokenUsage
	text, citations, unverified, err := a.Answer(context.Background(), answerRequest(), mediumDecision(), nil, twoStepPlan(), nil, &usage)

	require.NoError(t, err)
	assert.Contains(t, text, "Restarted nginx")
	assert.Empty(t, unverified)
	require.Len(t, citations, 2)
	assert.Equal(t, models.Citation{Kind: models.CitationTool, Ref: "service_restart"}, citations[0])
	assert.Equal(t, models.Citation{Kind: models.CitationStep, Ref: "s2"}, citations[1])
	assert.Equal(t, 10, usage.Prompt)
	assert.Equal(t, 5, usage.Completion)

	last, ok := s.lastCall("answer")
	require.True(t, ok)
	assert.Equal(t, string(models.StageAnswer), last.Stage)
}

func TestAnswererFlagsUncitedParagraphs(t *testing.T) {
	a, s := newTestAnswerer(t)
	s.script("answer", partiallyCitedAnswerJSON)

	var usage models.TokenUsage
	_, citations, unverified, err := a.Answer(context.Background(), answerRequest(), mediumDecision(), nil, twoStepPlan(), nil, &usage)

	require.NoError(t, err)
	require.Len(t, citations, 1)
	// Paragraphs two and three carry no citation token.
	assert.Equal(t, []int{1, 2}, unverified)
}

func TestAnswererPlainModeSkipsGroundingScan(t *testing.T) {
	cfg := testPipelineConfig("")
	cfg.Pipeline.StrictGrounding = boolPtr(false)
	s := newScriptedLLM()
	a := NewAnswerer(s, prompt.NewBuilder(), cfg)
	s.script("plain", "The restart went through.\n\nNothing else to report.")

	var usage models.TokenUsage
	text, citations, unverified, err := a.Answer(context.Background(), answerRequest(), mediumDecision(), nil, twoStepPlan(), nil, &usage)

	require.NoError(t, err)
	assert.Equal(t, "The restart went through.\n\nNothing else to report.", text)
	assert.Empty(t, citations)
	assert.Nil(t, unverified)

	last, ok := s.lastCall("plain")
	require.True(t, ok)
	assert.Nil(t, last.Schema)
	assert.Equal(t, 0, s.callCount("answer"))
}

func TestAnswererContextOverflowBeforeCall(t *testing.T) {
	a, s := newTestAnswerer(t)
	s.window = 64

	var usage models.TokenUsage
	_, _, _, err := a.Answer(context.Background(), answerRequest(), mediumDecision(), nil, twoStepPlan(), nil, &usage)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindContextOverflow, pe.Kind)
	assert.Equal(t, models.StageAnswer, pe.Stage)
	assert.Equal(t, 0, s.callCount("answer"), "no LLM call once the prompt cannot fit")
}

func TestAnswererClampsBudgetToWindow(t *testing.T) {
	a, s := newTestAnswerer(t)
	s.window = 2048
	s.script("answer", groundedAnswerJSON)

	var usage models.TokenUsage
	_, _, _, err := a.Answer(context.Background(), answerRequest(), mediumDecision(), nil, twoStepPlan(), nil, &usage)

	require.NoError(t, err)
	last, ok := s.lastCall("answer")
	require.True(t, ok)
	assert.Positive(t, last.MaxTokens)
	assert.Less(t, last.MaxTokens, testPipelineConfig("").Stages.MaxTokensAnswer)
}

func TestAnswererMapsLLMFailures(t *testing.T) {
	a, s := newTestAnswerer(t)
	s.fail("answer", llm.NewTransientError(errors.New("bad gateway")))

	var usage models.TokenUsage
	_, _, _, err := a.Answer(context.Background(), answerRequest(), mediumDecision(), nil, twoStepPlan(), nil, &usage)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindLLMUnavailable, pe.Kind)
	assert.Equal(t, models.StageAnswer, pe.Stage)
	assert.True(t, pe.Retriable)
}

func TestScanCitationsDedupesInOrder(t *testing.T) {
	text := "First [step:s1] then [asset:web-prod-01], again [step:s1], and [tool:service_restart]."
	citations := scanCitations(text)

	require.Len(t, citations, 3)
	assert.Equal(t, models.Citation{Kind: models.CitationStep, Ref: "s1"}, citations[0])
	assert.Equal(t, models.Citation{Kind: models.CitationAsset, Ref: "web-prod-01"}, citations[1])
	assert.Equal(t, models.Citation{Kind: models.CitationTool, Ref: "service_restart"}, citations[2])
}

func TestScanCitationsIgnoresMalformedTokens(t *testing.T) {
	assert.Nil(t, scanCitations("no tokens here"))
	assert.Nil(t, scanCitations("[step:]"), "empty ref does not match")
	assert.Nil(t, scanCitations("[run:s1]"), "unknown kind does not match")
	assert.Nil(t, scanCitations("[step:has space]"), "refs never span whitespace")
}

func TestUnverifiedParagraphsIndexesNonEmptyOnly(t *testing.T) {
	text := "Cited [step:s1].\n\n\n\nUncited middle.\n\nCited again [asset:db-01]."
	// The blank paragraph between the first two does not consume an index.
	assert.Equal(t, []int{1}, unverifiedParagraphs(text))
}

func TestUnverifiedParagraphsAllCited(t *testing.T) {
	assert.Nil(t, unverifiedParagraphs("One [step:s1].\n\nTwo [tool:disk_usage]."))
}
