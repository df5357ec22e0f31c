package config

import "time"

// DefaultConfig returns the complete built-in configuration. User YAML and
// environment variables are merged over it.
func DefaultConfig() *Config {
	return &Config{
		HTTP:       DefaultHTTPConfig(),
		LLM:        DefaultLLMConfig(),
		Cache:      DefaultCacheConfig(),
		Stages:     DefaultStagesConfig(),
		Pipeline:   DefaultPipelineConfig(),
		Assets:     DefaultAssetsConfig(),
		Automation: DefaultAutomationConfig(),
		Tools:      DefaultToolsConfig(),
		Storage:    DefaultStorageConfig(),
		Slack:      &SlackConfig{},
		Masking:    DefaultMaskingConfig(),
	}
}

// DefaultHTTPConfig returns the built-in HTTP defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultLLMConfig returns the built-in LLM client defaults.
// ContextWindow has no default: it is model-specific and required.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:        "openai-compatible",
		TimeoutS:        60,
		MaxConcurrency:  16,
		AdmissionWaitMS: 500,
	}
}

// DefaultCacheConfig returns the built-in cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		TTLStageA:         3600,
		TTLStageB:         7200,
		TTLStageC:         1800,
		TTLAssetL1:        60,
		TTLAssetL2:        300,
		TTLTool:           300,
		AssetL1MaxEntries: 1000,
	}
}

// DefaultStagesConfig returns the built-in stage budgets.
func DefaultStagesConfig() *StagesConfig {
	return &StagesConfig{
		DeadlineAMS:         3000,
		DeadlineBMS:         500,
		DeadlineCMS:         15000,
		DeadlineDMS:         5000,
		MaxTokensIntent:     100,
		MaxTokensEntities:   150,
		MaxTokensRisk:       150,
		MaxTokensPlan:       2000,
		MaxTokensAnswer:     2000,
		ContextSafetyMargin: 128,
	}
}

// DefaultPipelineConfig returns the built-in orchestrator defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		RequestDefaultDeadlineMS: 30000,
		ApprovalWindowS:          3600,
	}
}

// DefaultAssetsConfig returns the built-in Asset client defaults.
func DefaultAssetsConfig() *AssetsConfig {
	return &AssetsConfig{TimeoutS: 5}
}

// DefaultAutomationConfig returns the built-in Automation client defaults.
func DefaultAutomationConfig() *AutomationConfig {
	return &AutomationConfig{
		TimeoutS:       10,
		PollIntervalMS: 1000,
	}
}

// DefaultToolsConfig returns the built-in tool catalog defaults.
func DefaultToolsConfig() *ToolsConfig {
	return &ToolsConfig{CatalogPath: "config/tools.yaml"}
}

// DefaultStorageConfig returns the built-in trace storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		RetentionDays:   30,
		CleanupInterval: 12 * time.Hour,
	}
}

// DefaultMaskingConfig returns the built-in masking defaults. The standard
// group covers API keys, passwords, tokens, and connection strings.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{
		PatternGroups: []string{"standard"},
	}
}
