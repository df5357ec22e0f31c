package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/opsconductor/opsconductor/pkg/config"
)

// Pattern is a named masking rule prior to compilation.
type Pattern struct {
	Pattern     string
	Replacement string
	Description string
}

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// resolvedPatterns is the flattened, deduplicated set of maskers and
// patterns the service applies to every input.
type resolvedPatterns struct {
	codeMaskerNames []string
	regexPatterns   []*CompiledPattern
}

// codeMaskerIDs lists pattern-group members resolved to code maskers
// instead of regexes.
var codeMaskerIDs = []string{"env_file"}

// builtinPatterns returns the built-in masking rules.
func builtinPatterns() map[string]Pattern {
	return map[string]Pattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
			Replacement: `api_key=__MASKED_API_KEY__`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `password=__MASKED_PASSWORD__`,
			Description: "Passwords",
		},
		"token": {
			Pattern:     `(?i)(?:token|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `token=__MASKED_TOKEN__`,
			Description: "Access tokens",
		},
		"bearer_header": {
			Pattern:     `(?i)(authorization["']?\s*[:=]\s*["']?)bearer\s+[A-Za-z0-9_\-\.=+/]+`,
			Replacement: `${1}Bearer __MASKED_TOKEN__`,
			Description: "Authorization headers",
		},
		"connection_string": {
			Pattern:     `(?i)\b([a-z][a-z0-9+.\-]*)://([^:/?#\s]+):([^@/?#\s]+)@`,
			Replacement: `${1}://${2}:__MASKED_PASSWORD__@`,
			Description: "Credentials in connection URLs",
		},
		"private_key": {
			Pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `private_key=__MASKED_PRIVATE_KEY__`,
			Description: "Private keys",
		},
		"secret_key": {
			Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `secret_key=__MASKED_SECRET_KEY__`,
			Description: "Secret keys",
		},
		"certificate": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_CERTIFICATE__`,
			Description: "PEM blocks",
		},
		"ssh_key": {
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `__MASKED_SSH_KEY__`,
			Description: "SSH public keys",
		},
		"aws_access_key": {
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `__MASKED_AWS_KEY__`,
			Description: "AWS access key ids",
		},
		"aws_secret_key": {
			Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
			Replacement: `aws_secret_access_key=__MASKED_AWS_SECRET__`,
			Description: "AWS secret keys",
		},
		"github_token": {
			Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
			Replacement: `__MASKED_GITHUB_TOKEN__`,
			Description: "GitHub tokens",
		},
		"slack_token": {
			Pattern:     `\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`,
			Replacement: `__MASKED_SLACK_TOKEN__`,
			Description: "Slack tokens",
		},
		"email": {
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
			Replacement: `__MASKED_EMAIL__`,
			Description: "Email addresses",
		},
		"base64_secret": {
			Pattern:     `\b([A-Za-z0-9+/]{40,}={0,2})\b`,
			Replacement: `__MASKED_BASE64_VALUE__`,
			Description: "Long base64 values",
		},
	}
}

// builtinGroups maps group names to member pattern and masker names.
// Order within a group is application order; format-preserving patterns
// (connection_string, bearer_header) run before the generic rewrites.
func builtinGroups() map[string][]string {
	return map[string][]string{
		"standard": {
			"env_file", "connection_string", "bearer_header",
			"api_key", "password", "token",
		},
		"secrets": {
			"env_file", "connection_string", "bearer_header",
			"api_key", "password", "token", "private_key", "secret_key",
		},
		"infrastructure": {
			"env_file", "connection_string", "bearer_header",
			"api_key", "password", "token", "certificate", "ssh_key",
		},
		"cloud": {
			"aws_access_key", "aws_secret_key", "github_token", "slack_token",
			"api_key", "token",
		},
		"aggressive": {
			"env_file", "connection_string", "bearer_header",
			"api_key", "password", "token", "private_key", "secret_key",
			"certificate", "ssh_key", "aws_access_key", "aws_secret_key",
			"github_token", "slack_token", "email", "base64_secret",
		},
	}
}

// compileBuiltins compiles every built-in regex pattern. Invalid patterns
// are logged and skipped.
func (s *Service) compileBuiltins() {
	for name, p := range builtinPatterns() {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
		}
	}
}

// compileCustoms compiles deployment-supplied patterns. Custom patterns are
// keyed "custom:{name}" to avoid collisions with builtins.
func (s *Service) compileCustoms(customs []config.CustomMaskingPattern) {
	for i, p := range customs {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%d", i)
		}
		name = "custom:" + name

		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
		}
		s.customNames = append(s.customNames, name)
	}
}

// resolve expands the configured group names into a deduplicated
// resolvedPatterns set, with custom patterns appended last.
func (s *Service) resolve(groups []string) *resolvedPatterns {
	seen := make(map[string]bool)
	resolved := &resolvedPatterns{}

	for _, groupName := range groups {
		members, ok := s.groups[groupName]
		if !ok {
			slog.Warn("Unknown masking pattern group, skipping", "group", groupName)
			continue
		}
		for _, name := range members {
			if seen[name] {
				continue
			}
			seen[name] = true
			s.addToResolved(resolved, name)
		}
	}

	for _, name := range s.customNames {
		if seen[name] {
			continue
		}
		seen[name] = true
		if cp, ok := s.patterns[name]; ok {
			resolved.regexPatterns = append(resolved.regexPatterns, cp)
		}
	}

	return resolved
}

// addToResolved categorizes a member name as a code masker or a regex
// pattern.
func (s *Service) addToResolved(resolved *resolvedPatterns, name string) {
	if slices.Contains(codeMaskerIDs, name) {
		resolved.codeMaskerNames = append(resolved.codeMaskerNames, name)
		return
	}
	if cp, ok := s.patterns[name]; ok {
		resolved.regexPatterns = append(resolved.regexPatterns, cp)
	}
}
