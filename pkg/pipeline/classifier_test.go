package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/prompt"
)

const (
	readIntentJSON    = `{"category":"monitoring","action":"disk_usage","confidence":0.9}`
	restartIntentJSON = `{"category":"service_management","action":"service_restart","confidence":0.85}`
	restartEntityJSON = `{"entities":[` +
		`{"type":"service","value":"nginx","confidence":0.9,"span_start":8,"span_end":13},` +
		`{"type":"host","value":"web-prod-01","confidence":0.85,"span_start":17,"span_end":28}]}`
	hostEntityJSON = `{"entities":[{"type":"host","value":"web-prod-01","confidence":0.9,"span_start":19,"span_end":30}]}`
	emptyEntities  = `{"entities":[]}`
)

func newTestClassifier(t *testing.T) (*Classifier, *scriptedLLM) {
	t.Helper()
	mgr, _ := newTestCache(t)
	s := newScriptedLLM()
	return NewClassifier(s, prompt.NewBuilder(), mgr, testPipelineConfig("")), s
}

func TestClassifierRuleOnlyReadPath(t *testing.T) {
	c, s := newTestClassifier(t)
	s.script("intent", readIntentJSON)
	s.script("entities", hostEntityJSON)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-1", Text: "show disk usage for web-prod-01"}
	decision, hit, err := c.Classify(context.Background(), req, &usage)

	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, models.DecisionSourceRule, decision.Source)
	assert.Equal(t, models.RiskLow, decision.Risk)
	// 0.5*0.9 + 0.3*0.9 + 0.2*1.0
	assert.InDelta(t, 0.92, decision.OverallConfidence, 0.001)
	assert.False(t, decision.RequiresApproval)
	assert.Equal(t, "monitoring", decision.Intent.Category)
	assert.Equal(t, 0, s.callCount("risk"))
	assert.Equal(t, 20, usage.Prompt)
	assert.Equal(t, 10, usage.Completion)
}

func TestClassifierMediumRiskGoesHybrid(t *testing.T) {
	c, s := newTestClassifier(t)
	s.script("intent", restartIntentJSON)
	s.script("entities", restartEntityJSON)
	s.script("risk", `{"confidence":0.9,"risk":"medium","rationale":"restart is routine but interrupts traffic"}`)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-2", Text: "restart nginx on web-prod-01"}
	decision, hit, err := c.Classify(context.Background(), req, &usage)

	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, models.DecisionSourceHybrid, decision.Source)
	assert.Equal(t, models.RiskMedium, decision.Risk)
	assert.Equal(t, "restart is routine but interrupts traffic", decision.RiskRationale)
	// rule: 0.5*0.85 + 0.3*0.875 + 0.2 = 0.8875; blended 0.4*0.8875 + 0.6*0.9
	assert.InDelta(t, 0.895, decision.OverallConfidence, 0.001)
	assert.Equal(t, 1, s.callCount("risk"))
	assert.Equal(t, 30, usage.Prompt)
}

func TestClassifierLowConfidenceGoesHybrid(t *testing.T) {
	c, s := newTestClassifier(t)
	s.script("intent", `{"category":"unknown","action":"unknown","confidence":0.3}`)
	s.script("entities", emptyEntities)
	s.script("risk", `{"confidence":0.5,"risk":"low","rationale":"vague but read-only phrasing"}`)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-3", Text: "check things"}
	decision, _, err := c.Classify(context.Background(), req, &usage)

	require.NoError(t, err)
	assert.Equal(t, 1, s.callCount("risk"))
	assert.Equal(t, models.DecisionSourceHybrid, decision.Source)
	assert.Equal(t, models.RiskLow, decision.Risk)
	// rule: 0.5*0.3 = 0.15; blended 0.4*0.15 + 0.6*0.5
	assert.InDelta(t, 0.36, decision.OverallConfidence, 0.001)
}

func TestClassifierCriticalRequiresApproval(t *testing.T) {
	c, s := newTestClassifier(t)
	s.script("intent", `{"category":"data_management","action":"backup_delete","confidence":0.9}`)
	s.script("entities", hostEntityJSON)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-4", Text: "delete old backups on web-prod-01"}
	decision, _, err := c.Classify(context.Background(), req, &usage)

	require.NoError(t, err)
	assert.Equal(t, models.RiskCritical, decision.Risk)
	assert.True(t, decision.RequiresApproval)
	assert.Equal(t, models.DecisionSourceRule, decision.Source)
	assert.Equal(t, 0, s.callCount("risk"))
}

func TestClassifierCacheHit(t *testing.T) {
	c, s := newTestClassifier(t)
	s.script("intent", readIntentJSON)
	s.script("entities", hostEntityJSON)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-5", Text: "show disk usage for web-prod-01"}
	first, hit, err := c.Classify(context.Background(), req, &usage)
	require.NoError(t, err)
	require.False(t, hit)

	// Same request with different casing and spacing canonicalizes to the
	// same key; no further model calls are made.
	req2 := &models.Request{RequestID: "req-6", Text: "  Show disk usage   for WEB-PROD-01!  "}
	second, hit, err := c.Classify(context.Background(), req2, &usage)

	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, models.DecisionSourceCache, second.Source)
	assert.Equal(t, first.Risk, second.Risk)
	assert.Equal(t, first.Intent, second.Intent)
	assert.Equal(t, 1, s.callCount("intent"))
	assert.Equal(t, 1, s.callCount("entities"))
}

func TestClassifierWritesThroughToCache(t *testing.T) {
	mgr, mr := newTestCache(t)
	s := newScriptedLLM()
	c := NewClassifier(s, prompt.NewBuilder(), mgr, testPipelineConfig(""))
	s.script("intent", readIntentJSON)
	s.script("entities", hostEntityJSON)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-7", Text: "show disk usage for web-prod-01"}
	_, _, err := c.Classify(context.Background(), req, &usage)
	require.NoError(t, err)

	var found bool
	for _, key := range mr.Keys() {
		if strings.Contains(key, ":stage_a:") {
			found = true
		}
	}
	assert.True(t, found, "expected a stage_a entry after classification")
}

func TestClassifierIntentFailureSurfaces(t *testing.T) {
	c, s := newTestClassifier(t)
	s.fail("intent", llm.NewTransientError(errors.New("502 bad gateway")))
	s.script("entities", emptyEntities)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-8", Text: "show disk usage"}
	_, _, err := c.Classify(context.Background(), req, &usage)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindLLMUnavailable, pe.Kind)
	assert.Equal(t, models.StageClassify, pe.Stage)
	assert.True(t, pe.Retriable)
}

func TestClassifierRiskOutageStaysFatal(t *testing.T) {
	// Even with the rule-only escape hatch enabled, a medium rule risk
	// disqualifies the substitution, so the outage surfaces.
	cfg := testPipelineConfig("")
	cfg.Pipeline.AllowRuleOnlyRiskOnLLMOutage = true
	mgr, _ := newTestCache(t)
	s := newScriptedLLM()
	c := NewClassifier(s, prompt.NewBuilder(), mgr, cfg)

	s.script("intent", restartIntentJSON)
	s.script("entities", restartEntityJSON)
	s.fail("risk", llm.NewTransientError(errors.New("connection refused")))

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-9", Text: "restart nginx on web-prod-01"}
	_, _, err := c.Classify(context.Background(), req, &usage)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindLLMUnavailable))
}

func TestClassifierAdmissionTimeoutMapsToOverloaded(t *testing.T) {
	c, s := newTestClassifier(t)
	s.fail("intent", llm.ErrAdmissionTimeout)
	s.script("entities", emptyEntities)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-10", Text: "show disk usage"}
	_, _, err := c.Classify(context.Background(), req, &usage)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindOverloaded))
}

func TestClassifierSchemaViolationMapsToProtocol(t *testing.T) {
	c, s := newTestClassifier(t)
	s.script("intent", `{"category":"monitoring"}`)
	s.script("entities", emptyEntities)

	var usage models.TokenUsage
	req := &models.Request{RequestID: "req-11", Text: "show disk usage"}
	_, _, err := c.Classify(context.Background(), req, &usage)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindLLMProtocol))
}

func TestResolveEntitySpans(t *testing.T) {
	entities := []models.Entity{
		{Type: "host", Value: "web-prod-01", Confidence: 0.9, SpanStart: 17, SpanEnd: 28},
		{Type: "environment", Value: "prod", Confidence: 0.6, SpanStart: 21, SpanEnd: 25},
		{Type: "service", Value: "nginx", Confidence: 0.8, SpanStart: 8, SpanEnd: 13},
	}

	resolved := resolveEntitySpans(entities)

	require.Len(t, resolved, 2)
	assert.Equal(t, "service", resolved[0].Type)
	assert.Equal(t, "host", resolved[1].Type)
}

func TestResolveEntitySpansKeepsDisjoint(t *testing.T) {
	entities := []models.Entity{
		{Type: "service", Value: "nginx", Confidence: 0.5, SpanStart: 0, SpanEnd: 5},
		{Type: "host", Value: "db-01", Confidence: 0.5, SpanStart: 6, SpanEnd: 11},
	}

	resolved := resolveEntitySpans(entities)

	assert.Len(t, resolved, 2)
}

func TestMapLLMErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		in        error
		want      ErrorKind
		retriable bool
	}{
		{"admission", llm.ErrAdmissionTimeout, KindOverloaded, true},
		{"overflow", &llm.ContextOverflowError{EstimatedPrompt: 9000, MaxTokens: 500, ContextWindow: 8192}, KindContextOverflow, false},
		{"protocol", &llm.ProtocolError{Schema: "plan", Err: errors.New("bad")}, KindLLMProtocol, false},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"cancel", context.Canceled, KindCancelled, false},
		{"transient", llm.NewTransientError(errors.New("503")), KindLLMUnavailable, true},
		{"fatal", llm.NewFatalError(errors.New("401")), KindLLMUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapLLMError(tt.in, models.StagePlan)
			assert.True(t, IsKind(mapped, tt.want))
			pe, ok := AsError(mapped)
			require.True(t, ok)
			assert.Equal(t, tt.retriable, pe.Retriable)
		})
	}
}
