package models

// CitationKind distinguishes what a citation points at.
type CitationKind string

const (
	CitationStep  CitationKind = "step"
	CitationAsset CitationKind = "asset"
	CitationTool  CitationKind = "tool"
)

// Citation ties a factual claim in the response text to the artifact that
// grounds it.
type Citation struct {
	Kind CitationKind `json:"kind"`
	Ref  string       `json:"ref"`
}

// StageTimings records per-stage and total wall-clock durations.
type StageTimings struct {
	StageAMS int64 `json:"stage_a_ms"`
	StageBMS int64 `json:"stage_b_ms"`
	StageCMS int64 `json:"stage_c_ms"`
	StageDMS int64 `json:"stage_d_ms"`
	StageEMS int64 `json:"stage_e_ms,omitempty"`
	TotalMS  int64 `json:"total_ms"`
}

// CacheHits records which stages were served from cache.
type CacheHits struct {
	StageA bool `json:"stage_a"`
	StageB bool `json:"stage_b"`
	StageC bool `json:"stage_c"`
}

// Any reports whether any stage hit its cache.
func (c CacheHits) Any() bool {
	return c.StageA || c.StageB || c.StageC
}

// TokenUsage accumulates LLM token consumption across a request.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(prompt, completion int) {
	u.Prompt += prompt
	u.Completion += completion
}

// Response is the final user-facing artifact: grounded text, its citations,
// and the run's accounting.
type Response struct {
	RequestID string     `json:"request_id"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	// Unverified lists paragraph indexes that carried factual claims with no
	// citation; populated only under strict grounding.
	Unverified []int        `json:"unverified,omitempty"`
	Confidence float64      `json:"confidence"`
	CacheHit   bool         `json:"cache_hit"`
	CacheHits  CacheHits    `json:"cache_hits"`
	Timings    StageTimings `json:"timings"`
	Usage      TokenUsage   `json:"token_usage"`
	// DataGaps surfaces upstream lookups that failed during the run.
	DataGaps []string     `json:"data_gaps,omitempty"`
	State    RequestState `json:"state"`
}
