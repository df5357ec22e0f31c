package models

// RiskLevel classifies the blast radius of acting on a request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid checks if the risk level is valid.
func (r RiskLevel) IsValid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh || r == RiskCritical
}

// Rank returns an ordering value for risk comparisons (low=0 .. critical=3).
// Unknown levels rank highest so malformed input is treated conservatively.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// DecisionSource records how a Decision was produced.
type DecisionSource string

const (
	DecisionSourceCache  DecisionSource = "cache"
	DecisionSourceRule   DecisionSource = "rule"
	DecisionSourceLLM    DecisionSource = "llm"
	DecisionSourceHybrid DecisionSource = "hybrid"
)

// Intent is the classified purpose of a request.
type Intent struct {
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Entity is a typed value extracted from the request text.
// SpanStart/SpanEnd are byte offsets into the original text; entities in a
// Decision never overlap by span.
type Entity struct {
	Type            string  `json:"type"`
	Value           string  `json:"value"`
	Confidence      float64 `json:"confidence"`
	NormalizedValue string  `json:"normalized_value,omitempty"`
	SpanStart       int     `json:"span_start"`
	SpanEnd         int     `json:"span_end"`
}

// Decision is Stage A's output: what the user wants, extracted entities,
// and how confident/risky acting on it would be.
type Decision struct {
	Intent            Intent         `json:"intent"`
	Entities          []Entity       `json:"entities"`
	OverallConfidence float64        `json:"overall_confidence"`
	Risk              RiskLevel      `json:"risk"`
	Source            DecisionSource `json:"source"`
	RequiresApproval  bool           `json:"requires_approval"`
	// DataGaps lists upstream lookups that failed during enrichment; a
	// non-empty list lowers confidence and must be surfaced in the Response.
	DataGaps []string `json:"data_gaps,omitempty"`
	// RiskRationale is the model's explanation when the hybrid path ran.
	RiskRationale string `json:"risk_rationale,omitempty"`
}
