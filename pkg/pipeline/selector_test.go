package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

const selectorCatalogYAML = `
version: "2026-08-01"
tools:
  - name: service_status
    version: "1.2.0"
    description: Query the state of a managed service.
    category: service_management
    required_entity_types: [service]
    read_only: true
    production_safe: true
    expected_duration_s: 5
    inputs:
      - name: service
        entity_type: service
        required: true
  - name: service_restart
    version: "2.0.1"
    description: Restart a managed service.
    category: service_management
    required_entity_types: [service, host]
    production_safe: true
    expected_duration_s: 30
    inputs:
      - name: service
        entity_type: service
        required: true
      - name: host
        entity_type: host
        required: true
  - name: legacy_restart
    version: "0.9.0"
    description: Restart via the legacy agent.
    category: service_management
    required_entity_types: [service]
    production_safe: false
    expected_duration_s: 45
  - name: db_password_rotate
    version: "1.0.0"
    description: Rotate a database password.
    category: database_management
    required_entity_types: [database]
    high_risk: true
    production_safe: true
    expected_duration_s: 60
    inputs:
      - name: database
        entity_type: database
        required: true
      - name: admin_credential
        entity_type: credential
        required: true
  - name: disk_usage
    version: "1.1.0"
    description: Report filesystem usage.
    category: monitoring
    required_entity_types: [host]
    read_only: true
    production_safe: true
    expected_duration_s: 3
`

func selectorCatalog(t *testing.T) *tools.Catalog {
	t.Helper()
	c, err := tools.ParseCatalog([]byte(selectorCatalogYAML))
	require.NoError(t, err)
	return c
}

func restartDecision() *models.Decision {
	return &models.Decision{
		Intent: models.Intent{Category: "service_management", Action: "service_restart"},
		Entities: []models.Entity{
			{Type: "service", Value: "nginx", Confidence: 0.9},
			{Type: "host", Value: "web-prod-01", Confidence: 0.85},
		},
		OverallConfidence: 0.89,
		Risk:              models.RiskMedium,
		Source:            models.DecisionSourceHybrid,
	}
}

func TestSelectorPicksMatchingTools(t *testing.T) {
	sel := NewSelector().Select(restartDecision(), selectorCatalog(t))

	require.Len(t, sel.SelectedTools, 2)
	// Equal scores; the read-only tool ranks first.
	assert.Equal(t, "service_status", sel.SelectedTools[0].Name)
	assert.Equal(t, 1, sel.SelectedTools[0].ExecutionOrder)
	assert.Equal(t, "service_restart", sel.SelectedTools[1].Name)
	assert.Equal(t, 2, sel.SelectedTools[1].ExecutionOrder)
	assert.Equal(t, []string{"service", "host"}, sel.SelectedTools[1].InputsNeeded)
	assert.False(t, sel.ClarificationNeeded)
	assert.Empty(t, sel.UnmetCapabilities)
}

func TestSelectorProductionMutationRequiresApproval(t *testing.T) {
	sel := NewSelector().Select(restartDecision(), selectorCatalog(t))

	// web-prod-01 makes this a production mutation.
	assert.True(t, sel.ApprovalRequired)
}

func TestSelectorExcludesUnsafeToolsForProduction(t *testing.T) {
	sel := NewSelector().Select(restartDecision(), selectorCatalog(t))

	assert.False(t, sel.Has("legacy_restart"))
}

func TestSelectorReadOnlyIntentShedsMutatingTools(t *testing.T) {
	d := &models.Decision{
		Intent: models.Intent{Category: "service_management", Action: "service_status"},
		Entities: []models.Entity{
			{Type: "service", Value: "nginx", Confidence: 0.9},
			{Type: "host", Value: "web-stage-01", Confidence: 0.9},
		},
		Risk:   models.RiskLow,
		Source: models.DecisionSourceRule,
	}

	sel := NewSelector().Select(d, selectorCatalog(t))

	require.Len(t, sel.SelectedTools, 1)
	assert.Equal(t, "service_status", sel.SelectedTools[0].Name)
	assert.False(t, sel.ApprovalRequired)
}

func TestSelectorReadOnlyOnProductionNeedsNoApproval(t *testing.T) {
	d := &models.Decision{
		Intent:   models.Intent{Category: "monitoring", Action: "disk_usage"},
		Entities: []models.Entity{{Type: "host", Value: "web-prod-01", Confidence: 0.9}},
		Risk:     models.RiskLow,
		Source:   models.DecisionSourceRule,
	}

	sel := NewSelector().Select(d, selectorCatalog(t))

	require.Len(t, sel.SelectedTools, 1)
	assert.Equal(t, "disk_usage", sel.SelectedTools[0].Name)
	assert.False(t, sel.ApprovalRequired)
}

func TestSelectorHighRiskToolRequiresApproval(t *testing.T) {
	d := &models.Decision{
		Intent:   models.Intent{Category: "database_management", Action: "password_rotate"},
		Entities: []models.Entity{{Type: "database", Value: "orders-db", Confidence: 0.9}},
		Risk:     models.RiskHigh,
		Source:   models.DecisionSourceHybrid,
	}

	sel := NewSelector().Select(d, selectorCatalog(t))

	require.Len(t, sel.SelectedTools, 1)
	assert.Equal(t, "db_password_rotate", sel.SelectedTools[0].Name)
	assert.True(t, sel.ApprovalRequired)
	assert.Equal(t, []string{"database", "admin_credential (unresolved)"}, sel.SelectedTools[0].InputsNeeded)
}

func TestSelectorClarificationOnNearMisses(t *testing.T) {
	d := &models.Decision{
		Intent: models.Intent{Category: "service_management", Action: "service_fix"},
		Risk:   models.RiskMedium,
		Source: models.DecisionSourceHybrid,
	}

	sel := NewSelector().Select(d, selectorCatalog(t))

	assert.True(t, sel.ClarificationNeeded)
	assert.Empty(t, sel.SelectedTools)
	require.NotEmpty(t, sel.Candidates)
	assert.LessOrEqual(t, len(sel.Candidates), 3)
	assert.Equal(t, "service_status", sel.Candidates[0])
}

func TestSelectorUnmetCapabilities(t *testing.T) {
	d := &models.Decision{
		Intent: models.Intent{Category: "network_management", Action: "vlan_create"},
		Risk:   models.RiskMedium,
		Source: models.DecisionSourceHybrid,
	}

	sel := NewSelector().Select(d, selectorCatalog(t))

	assert.False(t, sel.ClarificationNeeded)
	assert.Empty(t, sel.SelectedTools)
	require.Len(t, sel.UnmetCapabilities, 1)
	assert.Contains(t, sel.UnmetCapabilities[0], "network_management/vlan_create")
}

func TestSelectorReportsProductionGateExhaustion(t *testing.T) {
	catalogYAML := `
version: "1"
tools:
  - name: legacy_restart
    version: "0.9.0"
    description: Restart via the legacy agent.
    category: service_management
    required_entity_types: [service]
    production_safe: false
    expected_duration_s: 45
`
	catalog, err := tools.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	d := &models.Decision{
		Intent: models.Intent{Category: "service_management", Action: "service_restart"},
		Entities: []models.Entity{
			{Type: "service", Value: "nginx", Confidence: 0.9},
			{Type: "environment", Value: "production", Confidence: 0.95},
		},
		Risk: models.RiskMedium,
	}

	sel := NewSelector().Select(d, catalog)

	require.Len(t, sel.UnmetCapabilities, 1)
	assert.Contains(t, sel.UnmetCapabilities[0], "production_safe")
}

func TestScoreToolPlatformMismatchDentsScore(t *testing.T) {
	tool := &tools.Tool{
		Name:      "win_service_restart",
		Category:  "service_management",
		Platforms: []string{"windows"},
	}
	d := &models.Decision{
		Intent: models.Intent{Category: "service_management"},
		Entities: []models.Entity{
			{Type: "platform", Value: "linux", Confidence: 0.9},
		},
	}

	// Category 0.5 + coverage 0.3 (vacuous) + compatibility 0.
	assert.InDelta(t, 0.8, scoreTool(tool, d), 0.001)

	d.Entities[0].Value = "windows"
	assert.InDelta(t, 1.0, scoreTool(tool, d), 0.001)
}

func TestToolRiskRankOrdering(t *testing.T) {
	readOnly := &tools.Tool{ReadOnly: true}
	mutating := &tools.Tool{}
	credential := &tools.Tool{Inputs: []tools.ToolInput{{Name: "admin_password"}}}
	highRisk := &tools.Tool{HighRisk: true}
	destructive := &tools.Tool{Destructive: true}

	assert.Less(t, toolRiskRank(readOnly), toolRiskRank(mutating))
	assert.Less(t, toolRiskRank(mutating), toolRiskRank(credential))
	assert.Less(t, toolRiskRank(credential), toolRiskRank(highRisk))
	assert.Less(t, toolRiskRank(highRisk), toolRiskRank(destructive))
}

func TestTargetsProduction(t *testing.T) {
	tests := []struct {
		name     string
		entities []models.Entity
		want     bool
	}{
		{"prod hostname", []models.Entity{{Type: "host", Value: "web-prod-01"}}, true},
		{"production environment", []models.Entity{{Type: "environment", Value: "Production"}}, true},
		{"normalized prod", []models.Entity{{Type: "environment", Value: "live", NormalizedValue: "prod"}}, true},
		{"staging", []models.Entity{{Type: "host", Value: "web-stage-01"}}, false},
		{"products is not prod", []models.Entity{{Type: "service", Value: "products-api"}}, false},
		{"no entities", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, targetsProduction(tt.entities))
		})
	}
}
