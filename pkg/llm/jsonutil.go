package llm

import (
	"regexp"
	"strings"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// ExtractJSON pulls the first JSON object out of model output. Models in
// JSON mode usually return a bare object, but some wrap it in markdown
// fences or prose; both are tolerated.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return cleanJSON(m[1])
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return cleanJSON(text[start : end+1])
	}

	return cleanJSON(text)
}

// cleanJSON strips //-style comments and trailing commas that some models
// emit despite JSON mode. Comment stripping is string-aware so URLs inside
// values survive.
func cleanJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]

		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if inString {
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		// Comment outside a string: skip to end of line.
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(c)
	}

	return trailingCommaRe.ReplaceAllString(b.String(), "$1")
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
