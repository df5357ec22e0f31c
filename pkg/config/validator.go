package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator performs fail-fast validation of a resolved configuration.
// The first error encountered is returned; startup aborts on any error.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every configuration section.
func (v *Validator) ValidateAll() error {
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateCache(); err != nil {
		return err
	}
	if err := v.validateStages(); err != nil {
		return err
	}
	if err := v.validatePipeline(); err != nil {
		return err
	}
	if err := v.validateHTTP(); err != nil {
		return err
	}
	if err := v.validateStorage(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateLLM() error {
	llm := v.cfg.LLM
	if llm.Provider != "openai-compatible" {
		return NewValidationError("llm", "provider",
			fmt.Errorf("%w: %q (only \"openai-compatible\" is supported)", ErrInvalidValue, llm.Provider))
	}
	if llm.BaseURL == "" {
		return NewValidationError("llm", "base_url", ErrMissingRequiredField)
	}
	if _, err := url.Parse(llm.BaseURL); err != nil {
		return NewValidationError("llm", "base_url", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	if llm.Model == "" {
		return NewValidationError("llm", "model", ErrMissingRequiredField)
	}
	if llm.ContextWindow <= 0 {
		return NewValidationError("llm", "context_window",
			fmt.Errorf("%w: must be a positive token count", ErrMissingRequiredField))
	}
	if llm.MaxConcurrency <= 0 {
		return NewValidationError("llm", "max_concurrency",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if llm.TimeoutS <= 0 {
		return NewValidationError("llm", "timeout_s",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateCache() error {
	c := v.cfg.Cache
	for field, ttl := range map[string]int{
		"ttl_stage_a":  c.TTLStageA,
		"ttl_stage_b":  c.TTLStageB,
		"ttl_stage_c":  c.TTLStageC,
		"ttl_asset_l1": c.TTLAssetL1,
		"ttl_asset_l2": c.TTLAssetL2,
		"ttl_tool":     c.TTLTool,
	} {
		if ttl <= 0 {
			return NewValidationError("cache", field,
				fmt.Errorf("%w: TTL must be positive seconds", ErrInvalidValue))
		}
	}
	if c.IsEnabled() && c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") &&
		!strings.HasPrefix(c.RedisURL, "rediss://") && !strings.HasPrefix(c.RedisURL, "unix://") {
		return NewValidationError("cache", "redis_url",
			fmt.Errorf("%w: expected redis://, rediss://, or unix:// URL", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateStages() error {
	s := v.cfg.Stages
	for field, ms := range map[string]int{
		"deadline_a_ms": s.DeadlineAMS,
		"deadline_b_ms": s.DeadlineBMS,
		"deadline_c_ms": s.DeadlineCMS,
		"deadline_d_ms": s.DeadlineDMS,
	} {
		if ms <= 0 {
			return NewValidationError("stages", field,
				fmt.Errorf("%w: deadline must be positive milliseconds", ErrInvalidValue))
		}
	}
	for field, tokens := range map[string]int{
		"max_tokens_intent":   s.MaxTokensIntent,
		"max_tokens_entities": s.MaxTokensEntities,
		"max_tokens_risk":     s.MaxTokensRisk,
		"max_tokens_plan":     s.MaxTokensPlan,
		"max_tokens_answer":   s.MaxTokensAnswer,
	} {
		if tokens <= 0 {
			return NewValidationError("stages", field,
				fmt.Errorf("%w: token budget must be positive", ErrInvalidValue))
		}
	}
	window := v.cfg.LLM.ContextWindow
	if s.MaxTokensPlan+s.ContextSafetyMargin >= window {
		return NewValidationError("stages", "max_tokens_plan",
			fmt.Errorf("%w: budget %d leaves no prompt room in context window %d",
				ErrInvalidValue, s.MaxTokensPlan, window))
	}
	return nil
}

func (v *Validator) validatePipeline() error {
	p := v.cfg.Pipeline
	if p.RequestDefaultDeadlineMS <= 0 {
		return NewValidationError("pipeline", "request_default_deadline_ms",
			fmt.Errorf("%w: must be positive milliseconds", ErrInvalidValue))
	}
	if p.ApprovalWindowS <= 0 {
		return NewValidationError("pipeline", "approval_window_s",
			fmt.Errorf("%w: must be positive seconds", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateHTTP() error {
	if v.cfg.HTTP.Addr == "" {
		return NewValidationError("http", "addr", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateStorage() error {
	s := v.cfg.Storage
	if s.DatabaseURL != "" && s.RetentionDays <= 0 {
		return NewValidationError("storage", "retention_days",
			fmt.Errorf("%w: must be positive days", ErrInvalidValue))
	}
	return nil
}
