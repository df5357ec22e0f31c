package masking

import (
	"log/slog"

	"github.com/opsconductor/opsconductor/pkg/config"
)

// RedactedNotice replaces an observation that could not be masked safely.
const RedactedNotice = "[REDACTED: masking failure, tool output withheld]"

// Service applies secret masking. Created once at application startup;
// thread-safe and stateless aside from compiled patterns.
type Service struct {
	enabled     bool
	patterns    map[string]*CompiledPattern
	groups      map[string][]string
	codeMaskers map[string]Masker
	customNames []string
	resolved    *resolvedPatterns
}

// NewService compiles the configured pattern set eagerly. Invalid patterns
// are logged and skipped so one bad rule never disables the rest.
func NewService(cfg *config.MaskingConfig) *Service {
	s := &Service{
		enabled:     cfg.IsEnabled(),
		patterns:    make(map[string]*CompiledPattern),
		groups:      builtinGroups(),
		codeMaskers: make(map[string]Masker),
	}

	s.compileBuiltins()
	s.compileCustoms(cfg.CustomPatterns)
	s.registerMasker(&EnvFileMasker{})
	s.resolved = s.resolve(cfg.PatternGroups)

	slog.Info("Masking service initialized",
		"enabled", s.enabled,
		"groups", cfg.PatternGroups,
		"patterns", len(s.resolved.regexPatterns),
		"code_maskers", len(s.resolved.codeMaskerNames))

	return s
}

// MaskObservation masks tool output before it is cached, persisted, or
// placed in a prompt. Fail-closed: output that cannot be processed is
// replaced with a redaction notice.
func (s *Service) MaskObservation(output string) string {
	if !s.enabled || output == "" {
		return output
	}

	masked, err := s.apply(output)
	if err != nil {
		slog.Error("Masking failed, redacting observation (fail-closed)", "error", err)
		return RedactedNotice
	}
	return masked
}

// MaskAttributes masks asset attribute values and returns a new map.
// Fail-open per value: an attribute that cannot be processed passes
// through so asset context stays usable.
func (s *Service) MaskAttributes(attrs map[string]string) map[string]string {
	if !s.enabled || len(attrs) == 0 {
		return attrs
	}

	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		masked, err := s.apply(v)
		if err != nil {
			slog.Warn("Attribute masking failed, keeping original (fail-open)",
				"attribute", k, "error", err)
			out[k] = v
			continue
		}
		out[k] = masked
	}
	return out
}

// MaskText masks arbitrary outbound text (notification bodies, log
// payloads). Fail-open.
func (s *Service) MaskText(text string) string {
	if !s.enabled || text == "" {
		return text
	}

	masked, err := s.apply(text)
	if err != nil {
		slog.Warn("Text masking failed, keeping original (fail-open)", "error", err)
		return text
	}
	return masked
}

// apply runs code-based maskers first (structural awareness), then the
// regex patterns as a general sweep.
func (s *Service) apply(content string) (string, error) {
	masked := content

	for _, name := range s.resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[name]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	for _, pattern := range s.resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
