package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/models"
	"github.com/opsconductor/opsconductor/pkg/tools"
)

// Selection thresholds. Tools at or above selectThreshold are taken;
// a band of near misses turns into a clarification question instead of a
// silent wrong pick.
const (
	selectThreshold    = 0.6
	candidateThreshold = 0.4
	maxCandidates      = 3
)

// credentialMarkers flag tool inputs that read secret material; such tools
// rank behind metadata-query tools at equal score.
var credentialMarkers = []string{"credential", "secret", "password", "token", "keyfile"}

// Selector is Stage B: deterministic relevance scoring of the tool catalog
// against a Decision. No model call is involved and reruns are cheap, so
// selections are not cached.
type Selector struct {
	logger *slog.Logger
}

// NewSelector creates Stage B.
func NewSelector() *Selector {
	return &Selector{logger: slog.Default().With("component", "selector")}
}

type scoredTool struct {
	tool  *tools.Tool
	score float64
}

// Select scores every catalog tool and returns the selection, a
// clarification request, or the unmet capabilities. Production targets are
// hard-gated to production_safe tools before scoring outcomes apply.
func (s *Selector) Select(decision *models.Decision, catalog *tools.Catalog) *models.ToolSelection {
	production := targetsProduction(decision.Entities)

	var eligible, nearMiss []scoredTool
	var unsafeHits int
	for i := range catalog.Tools {
		tool := &catalog.Tools[i]
		score := scoreTool(tool, decision)
		if production && !tool.ProductionSafe {
			if score >= candidateThreshold {
				unsafeHits++
			}
			continue
		}
		switch {
		case score >= selectThreshold:
			eligible = append(eligible, scoredTool{tool, score})
		case score >= candidateThreshold:
			nearMiss = append(nearMiss, scoredTool{tool, score})
		}
	}

	if len(eligible) == 0 {
		return s.emptySelection(decision, nearMiss, production, unsafeHits)
	}

	// Least privilege: when the intent is read-only and a read-only tool
	// qualifies, mutating tools are dropped from the selection.
	if decision.Risk == models.RiskLow {
		var readOnly []scoredTool
		for _, st := range eligible {
			if st.tool.ReadOnly {
				readOnly = append(readOnly, st)
			}
		}
		if len(readOnly) > 0 {
			eligible = readOnly
		}
	}

	sortScored(eligible)

	selection := &models.ToolSelection{}
	for i, st := range eligible {
		selection.SelectedTools = append(selection.SelectedTools, models.SelectedTool{
			Name:           st.tool.Name,
			Version:        st.tool.Version,
			Justification:  justify(st.tool, decision, st.score),
			InputsNeeded:   inputsNeeded(st.tool, decision.Entities),
			ExecutionOrder: i + 1,
			Score:          st.score,
		})
		if st.tool.HighRisk {
			selection.ApprovalRequired = true
		}
		if production && !st.tool.ReadOnly {
			selection.ApprovalRequired = true
		}
	}

	s.logger.Debug("Tools selected",
		"count", len(selection.SelectedTools),
		"approval_required", selection.ApprovalRequired,
		"production", production)
	return selection
}

func (s *Selector) emptySelection(decision *models.Decision, nearMiss []scoredTool, production bool, unsafeHits int) *models.ToolSelection {
	if len(nearMiss) > 0 {
		sortScored(nearMiss)
		sel := &models.ToolSelection{ClarificationNeeded: true}
		for i, st := range nearMiss {
			if i == maxCandidates {
				break
			}
			sel.Candidates = append(sel.Candidates, st.tool.Name)
		}
		return sel
	}

	unmet := fmt.Sprintf("no tool in the catalog covers %s/%s",
		decision.Intent.Category, decision.Intent.Action)
	if production && unsafeHits > 0 {
		unmet = fmt.Sprintf("no production_safe tool covers %s/%s (%d unsafe match(es) excluded)",
			decision.Intent.Category, decision.Intent.Action, unsafeHits)
	}
	return &models.ToolSelection{UnmetCapabilities: []string{unmet}}
}

// scoreTool computes the relevance score: category match 0.5, required
// entity-type coverage 0.3, platform/environment compatibility 0.2.
func scoreTool(tool *tools.Tool, decision *models.Decision) float64 {
	var category float64
	if tool.Category == decision.Intent.Category {
		category = 1.0
	}

	coverage := 1.0
	if n := len(tool.RequiredEntityTypes); n > 0 {
		have := 0
		for _, rt := range tool.RequiredEntityTypes {
			if hasEntityType(decision.Entities, rt) {
				have++
			}
		}
		coverage = float64(have) / float64(n)
	}

	return 0.5*category + 0.3*coverage + 0.2*compatibility(tool, decision.Entities)
}

// compatibility is 1.0 unless an extracted platform entity falls outside
// the tool's declared platforms, or a production environment entity hits a
// tool not declared production_safe.
func compatibility(tool *tools.Tool, entities []models.Entity) float64 {
	for _, e := range entities {
		switch e.Type {
		case "platform", "os":
			if !tool.SupportsPlatform(entityValue(e)) {
				return 0.0
			}
		case "environment":
			if isProductionName(entityValue(e)) && !tool.ProductionSafe {
				return 0.0
			}
		}
	}
	return 1.0
}

// sortScored orders by score descending, then ascending tool risk rank,
// expected duration, and name.
func sortScored(scored []scoredTool) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ra, rb := toolRiskRank(a.tool), toolRiskRank(b.tool)
		if ra != rb {
			return ra < rb
		}
		if a.tool.ExpectedDurationS != b.tool.ExpectedDurationS {
			return a.tool.ExpectedDurationS < b.tool.ExpectedDurationS
		}
		return a.tool.Name < b.tool.Name
	})
}

// toolRiskRank orders tools for tie-breaking: read-only before mutating,
// credential-reading behind metadata queries, high-risk and destructive
// last.
func toolRiskRank(t *tools.Tool) int {
	rank := 1
	if t.ReadOnly {
		rank = 0
	}
	if touchesCredentials(t) {
		rank++
	}
	if t.HighRisk {
		rank += 2
	}
	if t.Destructive {
		rank += 3
	}
	return rank
}

func touchesCredentials(t *tools.Tool) bool {
	for _, in := range t.Inputs {
		name := strings.ToLower(in.Name + " " + in.EntityType)
		for _, marker := range credentialMarkers {
			if strings.Contains(name, marker) {
				return true
			}
		}
	}
	return false
}

// inputsNeeded lists the tool's required inputs; inputs with no matching
// extracted entity are marked unresolved so the planner elicits or
// discovers them first.
func inputsNeeded(tool *tools.Tool, entities []models.Entity) []string {
	var needed []string
	for _, in := range tool.Inputs {
		if !in.Required {
			continue
		}
		if in.EntityType != "" && !hasEntityType(entities, in.EntityType) {
			needed = append(needed, in.Name+" (unresolved)")
			continue
		}
		needed = append(needed, in.Name)
	}
	return needed
}

func justify(tool *tools.Tool, decision *models.Decision, score float64) string {
	parts := []string{fmt.Sprintf("score %.2f", score)}
	if tool.Category == decision.Intent.Category {
		parts = append(parts, "category match "+tool.Category)
	}
	if n := len(tool.RequiredEntityTypes); n > 0 {
		have := 0
		for _, rt := range tool.RequiredEntityTypes {
			if hasEntityType(decision.Entities, rt) {
				have++
			}
		}
		parts = append(parts, fmt.Sprintf("entities cover %d/%d required types", have, n))
	}
	if tool.ReadOnly {
		parts = append(parts, "read-only")
	}
	return strings.Join(parts, "; ")
}

func hasEntityType(entities []models.Entity, entityType string) bool {
	for _, e := range entities {
		if e.Type == entityType {
			return true
		}
	}
	return false
}

func entityValue(e models.Entity) string {
	if e.NormalizedValue != "" {
		return e.NormalizedValue
	}
	return e.Value
}

// targetsProduction reports whether any extracted entity names a
// production environment or a production-scoped identifier such as
// "web-prod-01".
func targetsProduction(entities []models.Entity) bool {
	for _, e := range entities {
		for _, tok := range tokenize(entityValue(e)) {
			if tok == "prod" || tok == "production" {
				return true
			}
		}
	}
	return false
}

func isProductionName(value string) bool {
	for _, tok := range tokenize(value) {
		if tok == "prod" || tok == "production" {
			return true
		}
	}
	return false
}
