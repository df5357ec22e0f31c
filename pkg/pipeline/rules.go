package pipeline

import (
	"strings"
	"unicode"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// Rubric vocabularies. Matching is whole-token after lowercasing; common
// inflections are generated at init so "deleting" ranks with "delete".
var (
	destructiveVerbs = []string{"delete", "drop", "destroy", "purge", "wipe", "erase", "truncate"}
	mutatingVerbs    = []string{"modify", "change", "update", "alter", "grant", "revoke"}
	operationalVerbs = []string{"restart", "reload", "config", "configure", "install", "upgrade", "deploy", "patch"}
	readOnlyVerbs    = []string{"show", "list", "get", "status", "check", "view", "display", "info"}
	sensitiveNouns   = []string{"production", "prod", "security", "database", "db", "credential", "secret", "firewall", "certificate"}

	destructiveSet = expand(destructiveVerbs)
	mutatingSet    = expand(mutatingVerbs)
	operationalSet = expand(operationalVerbs)
	readOnlySet    = expand(readOnlyVerbs)
	sensitiveSet   = expand(sensitiveNouns)
)

// identifierTypes are the entity types that count as a concrete target for
// the confidence rubric.
var identifierTypes = map[string]bool{
	"host":     true,
	"service":  true,
	"database": true,
	"instance": true,
}

// assessRules is the deterministic confidence-and-risk classifier over
// (text, intent, entities). Weights: intent confidence 0.5, entity coverage
// 0.3, identifier presence 0.2. Unmatched text defaults to medium risk,
// which routes the request through the LLM risk call.
func assessRules(text string, intentConfidence float64, entities []models.Entity) (float64, models.RiskLevel) {
	var coverage float64
	if len(entities) > 0 {
		for _, e := range entities {
			coverage += e.Confidence
		}
		coverage /= float64(len(entities))
	}

	var identifier float64
	for _, e := range entities {
		if identifierTypes[e.Type] && e.Value != "" {
			identifier = 1.0
			break
		}
	}

	confidence := 0.5*intentConfidence + 0.3*coverage + 0.2*identifier
	return confidence, ruleRisk(text)
}

// ruleRisk applies the verb rubric to the raw request text. Destructive
// verbs dominate; sensitive nouns only elevate mutating verbs.
func ruleRisk(text string) models.RiskLevel {
	var destructive, mutating, operational, readOnly, sensitive bool
	for _, tok := range tokenize(text) {
		switch {
		case destructiveSet[tok]:
			destructive = true
		case mutatingSet[tok]:
			mutating = true
		case operationalSet[tok]:
			operational = true
		case readOnlySet[tok]:
			readOnly = true
		}
		if sensitiveSet[tok] {
			sensitive = true
		}
	}

	switch {
	case destructive:
		return models.RiskCritical
	case mutating && sensitive:
		return models.RiskHigh
	case mutating, operational:
		return models.RiskMedium
	case readOnly:
		return models.RiskLow
	default:
		return models.RiskMedium
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func expand(words []string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range words {
		for _, form := range inflections(w) {
			set[form] = true
		}
	}
	return set
}

// inflections generates plural, past, and progressive forms with the usual
// spelling rules (final-e drop, consonant-y to -ies, -es after sibilants,
// CVC doubling). Over-generated forms never collide with real words in the
// other sets, so they are harmless.
func inflections(word string) []string {
	forms := []string{word}
	n := len(word)
	switch {
	case strings.HasSuffix(word, "e"):
		forms = append(forms, word+"s", word+"d", word[:n-1]+"ing")
	case strings.HasSuffix(word, "y") && n >= 2 && !isVowel(word[n-2]):
		forms = append(forms, word[:n-1]+"ies", word[:n-1]+"ied", word+"ing")
	case strings.HasSuffix(word, "ch"), strings.HasSuffix(word, "sh"),
		strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "x"), strings.HasSuffix(word, "z"):
		forms = append(forms, word+"es", word+"ed", word+"ing")
	default:
		forms = append(forms, word+"s", word+"ed", word+"ing")
		if n >= 3 {
			last := word[n-1]
			if !isVowel(last) && last != 'w' && last != 'x' && last != 'y' &&
				isVowel(word[n-2]) && !isVowel(word[n-3]) {
				forms = append(forms, word+string(last)+"ed", word+string(last)+"ing")
			}
		}
	}
	return forms
}

func isVowel(b byte) bool {
	return strings.IndexByte("aeiou", b) >= 0
}
