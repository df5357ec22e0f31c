// Package config loads, merges, and validates OpsConductor configuration.
// Precedence: environment variables > YAML file > built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved application configuration.
type Config struct {
	HTTP       *HTTPConfig       `yaml:"http"`
	LLM        *LLMConfig        `yaml:"llm"`
	Cache      *CacheConfig      `yaml:"cache"`
	Stages     *StagesConfig     `yaml:"stages"`
	Pipeline   *PipelineConfig   `yaml:"pipeline"`
	Assets     *AssetsConfig     `yaml:"assets"`
	Automation *AutomationConfig `yaml:"automation"`
	Tools      *ToolsConfig      `yaml:"tools"`
	Storage    *StorageConfig    `yaml:"storage"`
	Slack      *SlackConfig      `yaml:"slack"`
	Masking    *MaskingConfig    `yaml:"masking"`
}

// HTTPConfig controls the ingress server.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// CacheAPIToken gates the cache management endpoints. Empty means the
	// cache API is open (dev mode).
	CacheAPIToken string `yaml:"cache_api_token"`

	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig describes the OpenAI-compatible backend and the client's
// admission limits.
type LLMConfig struct {
	// Provider selects the backend dialect. Only "openai-compatible" is
	// supported.
	Provider string `yaml:"provider"`

	// BaseURL is the backend root, e.g. "http://llm:8000". The client posts
	// to BaseURL + "/v1/chat/completions".
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// Model is the default model name for all stages.
	Model string `yaml:"model"`

	// TimeoutS is the per-call HTTP timeout in seconds.
	TimeoutS int `yaml:"timeout_s"`

	// MaxConcurrency bounds in-flight calls process-wide.
	MaxConcurrency int `yaml:"max_concurrency"`

	// ContextWindow is the model's total token window. Required; the client
	// rejects calls that cannot fit.
	ContextWindow int `yaml:"context_window"`

	// AdmissionWaitMS is how long a call may wait for a concurrency slot
	// before the pipeline reports Overloaded.
	AdmissionWaitMS int `yaml:"admission_wait_ms"`
}

// Timeout returns the per-call timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// AdmissionWait returns the semaphore wait budget as a duration.
func (c *LLMConfig) AdmissionWait() time.Duration {
	return time.Duration(c.AdmissionWaitMS) * time.Millisecond
}

// CacheConfig controls the namespaced result caches.
type CacheConfig struct {
	// Enabled turns caching off entirely when false; every lookup is a miss.
	Enabled *bool `yaml:"enabled"`

	// RedisURL is the backing store, e.g. "redis://localhost:6379/0".
	// Empty disables the Redis tier (in-process asset L1 still works).
	RedisURL string `yaml:"redis_url"`

	// Per-namespace TTLs in seconds.
	TTLStageA  int `yaml:"ttl_stage_a"`
	TTLStageB  int `yaml:"ttl_stage_b"`
	TTLStageC  int `yaml:"ttl_stage_c"`
	TTLAssetL1 int `yaml:"ttl_asset_l1"`
	TTLAssetL2 int `yaml:"ttl_asset_l2"`
	TTLTool    int `yaml:"ttl_tool"`

	// AssetL1MaxEntries is the soft size cap of the in-process asset tier.
	AssetL1MaxEntries int `yaml:"asset_l1_max_entries"`
}

// IsEnabled resolves the tri-state Enabled flag (default true).
func (c *CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TTL returns the TTL for a cache namespace as a duration.
func (c *CacheConfig) TTL(namespace string) time.Duration {
	switch namespace {
	case "stage_a":
		return time.Duration(c.TTLStageA) * time.Second
	case "stage_b":
		return time.Duration(c.TTLStageB) * time.Second
	case "stage_c":
		return time.Duration(c.TTLStageC) * time.Second
	case "asset":
		return time.Duration(c.TTLAssetL2) * time.Second
	case "tool":
		return time.Duration(c.TTLTool) * time.Second
	default:
		return time.Duration(c.TTLStageA) * time.Second
	}
}

// AssetL1TTL returns the in-process asset tier TTL as a duration.
func (c *CacheConfig) AssetL1TTL() time.Duration {
	return time.Duration(c.TTLAssetL1) * time.Second
}

// StagesConfig carries per-stage deadlines and token budgets.
type StagesConfig struct {
	// Deadlines in milliseconds. Stage E carries no deadline; executions
	// run as long as the Automation service allows.
	DeadlineAMS int `yaml:"deadline_a_ms"`
	DeadlineBMS int `yaml:"deadline_b_ms"`
	DeadlineCMS int `yaml:"deadline_c_ms"`
	DeadlineDMS int `yaml:"deadline_d_ms"`

	// Completion budgets per LLM call.
	MaxTokensIntent   int `yaml:"max_tokens_intent"`
	MaxTokensEntities int `yaml:"max_tokens_entities"`
	MaxTokensRisk     int `yaml:"max_tokens_risk"`
	MaxTokensPlan     int `yaml:"max_tokens_plan"`
	MaxTokensAnswer   int `yaml:"max_tokens_answer"`

	// ContextSafetyMargin is reserved headroom when clamping the answer
	// budget against the context window.
	ContextSafetyMargin int `yaml:"context_safety_margin"`
}

// Deadline returns the budget for a stage letter ("a".."d") as a duration.
func (c *StagesConfig) Deadline(stage string) time.Duration {
	switch stage {
	case "a":
		return time.Duration(c.DeadlineAMS) * time.Millisecond
	case "b":
		return time.Duration(c.DeadlineBMS) * time.Millisecond
	case "c":
		return time.Duration(c.DeadlineCMS) * time.Millisecond
	case "d":
		return time.Duration(c.DeadlineDMS) * time.Millisecond
	default:
		return 0
	}
}

// PipelineConfig carries orchestrator-level behavior switches.
type PipelineConfig struct {
	// RequestDefaultDeadlineMS applies when the caller omits deadline_ms.
	RequestDefaultDeadlineMS int `yaml:"request_default_deadline_ms"`

	// StrictGrounding makes the answerer flag uncited factual paragraphs as
	// unverified instead of passing them through silently.
	StrictGrounding *bool `yaml:"strict_grounding"`

	// AllowRuleOnlyRiskOnLLMOutage permits Stage A to finish with the
	// rule-based assessment when the confidence/risk LLM call fails, but
	// only when the rule confidence is high and the rule risk is not
	// medium. Off by default.
	AllowRuleOnlyRiskOnLLMOutage bool `yaml:"allow_rule_only_risk_on_llm_outage"`

	// ApprovalWindowS is how long awaiting_approval artifacts stay
	// resumable.
	ApprovalWindowS int `yaml:"approval_window_s"`
}

// RequestDefaultDeadline returns the caller-facing default deadline.
func (c *PipelineConfig) RequestDefaultDeadline() time.Duration {
	return time.Duration(c.RequestDefaultDeadlineMS) * time.Millisecond
}

// IsStrictGrounding resolves the tri-state flag (default true).
func (c *PipelineConfig) IsStrictGrounding() bool {
	return c.StrictGrounding == nil || *c.StrictGrounding
}

// ApprovalWindow returns the pending-approval TTL.
func (c *PipelineConfig) ApprovalWindow() time.Duration {
	return time.Duration(c.ApprovalWindowS) * time.Second
}

// AssetsConfig describes the read-only Asset service client.
type AssetsConfig struct {
	// BaseURL of the Asset service. Empty disables asset enrichment; stages
	// record the gap and continue.
	BaseURL string `yaml:"base_url"`

	// TimeoutS is the per-request timeout in seconds.
	TimeoutS int `yaml:"timeout_s"`
}

// Timeout returns the per-request timeout as a duration.
func (c *AssetsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// AutomationConfig describes the Automation execution service client.
type AutomationConfig struct {
	// BaseURL of the Automation service. Empty disables Stage E dispatch.
	BaseURL string `yaml:"base_url"`

	// TimeoutS is the per-request timeout in seconds (dispatch and polls).
	TimeoutS int `yaml:"timeout_s"`

	// PollInterval between execution status polls.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// Timeout returns the per-request timeout as a duration.
func (c *AutomationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// PollInterval returns the status poll cadence.
func (c *AutomationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ToolsConfig locates the tool catalog.
type ToolsConfig struct {
	// CatalogPath is the YAML file declaring the tool catalog.
	CatalogPath string `yaml:"catalog_path"`

	// HotReload watches CatalogPath and swaps the catalog atomically on
	// change.
	HotReload *bool `yaml:"hot_reload"`
}

// IsHotReload resolves the tri-state flag (default true).
func (c *ToolsConfig) IsHotReload() bool {
	return c.HotReload == nil || *c.HotReload
}

// StorageConfig controls trace persistence.
type StorageConfig struct {
	// DatabaseURL is the Postgres DSN. Empty disables persistence; the
	// pipeline runs fully in-memory.
	DatabaseURL string `yaml:"database_url"`

	// RetentionDays is how long terminal request traces are kept.
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SlackConfig controls optional approval/terminal notifications.
type SlackConfig struct {
	Token        string `yaml:"token"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// MaskingConfig controls secret masking of tool observations and asset
// attributes before they reach caches, storage, or prompts.
type MaskingConfig struct {
	// Enabled turns masking off entirely when false.
	Enabled *bool `yaml:"enabled"`

	// PatternGroups selects built-in pattern groups to apply.
	PatternGroups []string `yaml:"pattern_groups"`

	// CustomPatterns adds deployment-specific regex rules on top of the
	// selected groups.
	CustomPatterns []CustomMaskingPattern `yaml:"custom_patterns"`
}

// CustomMaskingPattern is a deployment-supplied masking rule.
type CustomMaskingPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// IsEnabled resolves the tri-state flag (default true).
func (c *MaskingConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Stats summarizes loaded configuration for startup logging.
type Stats struct {
	LLMModel      string
	CacheEnabled  bool
	StorageOn     bool
	SlackOn       bool
	ContextWindow int
}

// Stats returns a summary of the resolved configuration.
func (c *Config) Stats() Stats {
	return Stats{
		LLMModel:      c.LLM.Model,
		CacheEnabled:  c.Cache.IsEnabled(),
		StorageOn:     c.Storage.DatabaseURL != "",
		SlackOn:       c.Slack.Token != "" && c.Slack.Channel != "",
		ContextWindow: c.LLM.ContextWindow,
	}
}

// String renders a compact human-readable summary (no secrets).
func (s Stats) String() string {
	return fmt.Sprintf("model=%s window=%d cache=%t storage=%t slack=%t",
		s.LLMModel, s.ContextWindow, s.CacheEnabled, s.StorageOn, s.SlackOn)
}
