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

const validPlanJSON = `{
	"steps": [
		{"id":"s1","description":"check service state","tool":"service_status","failure_handling":"abort"},
		{"id":"s2","description":"restart the service","tool":"service_restart","failure_handling":"abort","depends_on":["s1"]}
	],
	"safety_checks": [
		{"check":"service responds on the health endpoint","stage":"after","failure_action":"alert"}
	]
}`

const cyclicPlanJSON = `{
	"steps": [
		{"id":"s1","description":"a","tool":"service_status","failure_handling":"abort","depends_on":["s2"]},
		{"id":"s2","description":"b","tool":"service_status","failure_handling":"abort","depends_on":["s1"]}
	]
}`

func newTestPlanner(t *testing.T) (*Planner, *scriptedLLM) {
	t.Helper()
	mgr, _ := newTestCache(t)
	s := newScriptedLLM()
	return NewPlanner(s, prompt.NewBuilder(), mgr, testPipelineConfig("")), s
}

func planRequest() *models.Request {
	return &models.Request{RequestID: "req-plan", Text: "restart nginx on web-prod-01"}
}

func TestPlannerProducesAndCachesPlan(t *testing.T) {
	p, s := newTestPlanner(t)
	s.script("plan", validPlanJSON)
	catalog := validationCatalog(t)

	var usage models.TokenUsage
	plan, hit, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, catalog, &usage)

	require.NoError(t, err)
	assert.False(t, hit)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "s1", plan.Steps[0].ID)
	assert.Equal(t, 1, s.callCount("plan"))
	assert.NotZero(t, usage.Prompt)

	// Identical inputs hit the Stage C cache; no further model calls.
	again, hit, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, catalog, &usage)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, plan.Steps, again.Steps)
	assert.Equal(t, 1, s.callCount("plan"))
}

func TestPlannerCacheMissesOnToolVersionChange(t *testing.T) {
	p, s := newTestPlanner(t)
	s.script("plan", validPlanJSON, validPlanJSON)
	catalog := validationCatalog(t)

	var usage models.TokenUsage
	_, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, catalog, &usage)
	require.NoError(t, err)

	bumped := validationSelection()
	bumped.SelectedTools[1].Version = "2.0.2"
	_, hit, err := p.Plan(context.Background(), planRequest(), mediumDecision(), bumped, nil, catalog, &usage)

	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, s.callCount("plan"))
}

func TestPlannerCorrectiveTurnFixesCycle(t *testing.T) {
	p, s := newTestPlanner(t)
	s.script("plan", cyclicPlanJSON, validPlanJSON)

	var usage models.TokenUsage
	plan, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, validationCatalog(t), &usage)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 2, s.callCount("plan"))

	last, ok := s.lastCall("plan")
	require.True(t, ok)
	corrective := last.Messages[len(last.Messages)-1]
	assert.Equal(t, llm.RoleUser, corrective.Role)
	assert.Contains(t, corrective.Content, "dependency cycle")
	// The failed attempt rides along as an assistant turn.
	assert.Equal(t, llm.RoleAssistant, last.Messages[len(last.Messages)-2].Role)
}

func TestPlannerSecondViolationIsPlanInvalid(t *testing.T) {
	p, s := newTestPlanner(t)
	s.script("plan", cyclicPlanJSON, cyclicPlanJSON)

	var usage models.TokenUsage
	_, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, validationCatalog(t), &usage)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindPlanInvalid, pe.Kind)
	assert.Contains(t, pe.Message, "dependency cycle")
	assert.Contains(t, pe.Message, "s1")
	assert.Equal(t, 2, s.callCount("plan"), "exactly one corrective turn, never a third call")
}

func TestPlannerEnforcesDestructiveRollback(t *testing.T) {
	p, s := newTestPlanner(t)
	bare := `{"steps":[{"id":"s1","description":"delete expired backups","tool":"backup_delete","failure_handling":"continue"}]}`
	covered := `{
		"steps":[{"id":"s1","description":"delete expired backups","tool":"backup_delete","failure_handling":"continue"}],
		"rollback_plan":[{"step_id":"s1","rollback_action":"restore from the retained snapshot"}]
	}`
	s.script("plan", bare, covered)

	var usage models.TokenUsage
	plan, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, validationCatalog(t), &usage)

	require.NoError(t, err)
	assert.True(t, plan.HasRollback("s1"))

	last, _ := s.lastCall("plan")
	assert.Contains(t, last.Messages[len(last.Messages)-1].Content, "rollback")
}

func TestPlannerContextOverflow(t *testing.T) {
	p, s := newTestPlanner(t)
	s.window = 64

	var usage models.TokenUsage
	_, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, validationCatalog(t), &usage)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindContextOverflow))
	assert.Equal(t, 0, s.callCount("plan"), "overflow is detected before any model call")
}

func TestPlannerClampsBudgetToWindow(t *testing.T) {
	p, s := newTestPlanner(t)
	s.script("plan", validPlanJSON)
	// Enough room to answer, but less than the configured 2000.
	s.window = 2048

	var usage models.TokenUsage
	_, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, validationCatalog(t), &usage)
	require.NoError(t, err)

	last, ok := s.lastCall("plan")
	require.True(t, ok)
	assert.Less(t, last.MaxTokens, 2000)
	assert.Positive(t, last.MaxTokens)
}

func TestPlannerMapsLLMFailures(t *testing.T) {
	p, s := newTestPlanner(t)
	s.fail("plan", llm.NewTransientError(errors.New("bad gateway")))

	var usage models.TokenUsage
	_, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), nil, validationCatalog(t), &usage)

	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindLLMUnavailable, pe.Kind)
	assert.Equal(t, models.StagePlan, pe.Stage)
}

func TestPlannerAssetVersionsKeyTheCache(t *testing.T) {
	p, s := newTestPlanner(t)
	s.script("plan", validPlanJSON, validPlanJSON)
	catalog := validationCatalog(t)

	assets := []models.AssetContext{{AssetID: "web-prod-01", Version: "v1", Type: "host", Environment: "production"}}

	var usage models.TokenUsage
	_, _, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), assets, catalog, &usage)
	require.NoError(t, err)

	assets[0].Version = "v2"
	_, hit, err := p.Plan(context.Background(), planRequest(), mediumDecision(), validationSelection(), assets, catalog, &usage)

	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, s.callCount("plan"))
}
