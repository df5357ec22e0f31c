package masking

import (
	"regexp"
	"strings"
)

// MaskedEnvValue replaces values of sensitive keys in env-style output.
const MaskedEnvValue = "__MASKED_ENV_VALUE__"

var (
	envAssignPattern = regexp.MustCompile(`(?m)^\s*(?:export\s+)?[A-Za-z_][A-Za-z0-9_]*=`)
	envLinePattern   = regexp.MustCompile(`^(\s*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)
	sensitiveKeyPart = regexp.MustCompile(`(?i)password|passwd|pwd|secret|token|api_?key|private_?key|access_?key|credential|auth`)
)

// EnvFileMasker masks values of sensitive-looking keys in env-style dumps
// (`env` output, .env files, systemd Environment= lines) while leaving
// other assignments readable. Structural awareness: only the value side of
// a recognized assignment is touched, keyed on the variable name.
type EnvFileMasker struct{}

// Name returns the identifier referenced in pattern groups.
func (m *EnvFileMasker) Name() string { return "env_file" }

// AppliesTo checks for env-style assignment lines.
func (m *EnvFileMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "=") {
		return false
	}
	return envAssignPattern.MatchString(data)
}

// Mask replaces values of sensitive keys line by line. Lines that are not
// assignments pass through untouched.
func (m *EnvFileMasker) Mask(data string) string {
	lines := strings.Split(data, "\n")
	changed := false

	for i, line := range lines {
		groups := envLinePattern.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		prefix, key, value := groups[1], groups[2], groups[3]
		if value == "" || !sensitiveKeyPart.MatchString(key) {
			continue
		}
		lines[i] = prefix + key + "=" + MaskedEnvValue
		changed = true
	}

	if !changed {
		return data
	}
	return strings.Join(lines, "\n")
}
