package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies the enumerated environment variables over the
// merged configuration. Environment always wins over YAML and defaults.
func applyEnvOverrides(cfg *Config) {
	// LLM backend
	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setInt(&cfg.LLM.TimeoutS, "LLM_TIMEOUT_S")
	setInt(&cfg.LLM.MaxConcurrency, "LLM_MAX_CONCURRENCY")
	setInt(&cfg.LLM.ContextWindow, "LLM_CONTEXT_WINDOW")
	setInt(&cfg.LLM.AdmissionWaitMS, "LLM_ADMISSION_WAIT_MS")

	// Cache
	setString(&cfg.Cache.RedisURL, "REDIS_URL")
	setBoolPtr(&cfg.Cache.Enabled, "CACHE_ENABLED")
	setInt(&cfg.Cache.TTLStageA, "CACHE_TTL_STAGE_A")
	setInt(&cfg.Cache.TTLStageB, "CACHE_TTL_STAGE_B")
	setInt(&cfg.Cache.TTLStageC, "CACHE_TTL_STAGE_C")
	setInt(&cfg.Cache.TTLAssetL1, "CACHE_TTL_ASSET_L1")
	setInt(&cfg.Cache.TTLAssetL2, "CACHE_TTL_ASSET_L2")
	setInt(&cfg.Cache.TTLTool, "CACHE_TTL_TOOL")

	// Stage deadlines: "stage_a=3000,stage_b=500,stage_c=15000,stage_d=5000"
	if v := os.Getenv("STAGE_DEADLINES_MS"); v != "" {
		applyStageDeadlines(cfg.Stages, v)
	}

	// Pipeline behavior
	setInt(&cfg.Pipeline.RequestDefaultDeadlineMS, "REQUEST_DEFAULT_DEADLINE_MS")
	setBoolPtr(&cfg.Pipeline.StrictGrounding, "STRICT_GROUNDING")
	setBool(&cfg.Pipeline.AllowRuleOnlyRiskOnLLMOutage, "ALLOW_RULE_ONLY_RISK_ON_LLM_OUTAGE")
	setInt(&cfg.Pipeline.ApprovalWindowS, "APPROVAL_WINDOW_S")

	// External services
	setString(&cfg.Assets.BaseURL, "ASSET_BASE_URL")
	setString(&cfg.Automation.BaseURL, "AUTOMATION_BASE_URL")

	// HTTP ingress
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.HTTP.CacheAPIToken, "CACHE_API_TOKEN")

	// Tooling, storage, notifications
	setString(&cfg.Tools.CatalogPath, "TOOL_CATALOG_PATH")
	setString(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	setInt(&cfg.Storage.RetentionDays, "TRACE_RETENTION_DAYS")
	setString(&cfg.Slack.Token, "SLACK_TOKEN")
	setString(&cfg.Slack.Channel, "SLACK_CHANNEL")
	setString(&cfg.Slack.DashboardURL, "DASHBOARD_URL")

	// Masking
	setBoolPtr(&cfg.Masking.Enabled, "MASKING_ENABLED")
	if v := os.Getenv("MASKING_PATTERN_GROUPS"); v != "" {
		groups := make([]string, 0, 4)
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}
		cfg.Masking.PatternGroups = groups
	}
}

// applyStageDeadlines parses the composite STAGE_DEADLINES_MS value.
// Keys accept both "stage_a" and "a" forms; unknown keys are logged and
// skipped.
func applyStageDeadlines(stages *StagesConfig, v string) {
	for _, pair := range strings.Split(v, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			slog.Warn("Ignoring malformed STAGE_DEADLINES_MS entry", "entry", pair)
			continue
		}
		ms, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || ms <= 0 {
			slog.Warn("Ignoring invalid stage deadline", "entry", pair)
			continue
		}
		switch strings.TrimPrefix(strings.TrimSpace(key), "stage_") {
		case "a":
			stages.DeadlineAMS = ms
		case "b":
			stages.DeadlineBMS = ms
		case "c":
			stages.DeadlineCMS = ms
		case "d":
			stages.DeadlineDMS = ms
		default:
			slog.Warn("Ignoring unknown stage in STAGE_DEADLINES_MS", "stage", key)
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "var", key, "value", v)
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment value", "var", key, "value", v)
		return
	}
	*dst = b
}

func setBoolPtr(dst **bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Ignoring non-boolean environment value", "var", key, "value", v)
		return
	}
	*dst = &b
}
