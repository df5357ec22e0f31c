// Package cache implements the namespaced result caches: Redis-backed
// stage and tool-result caches plus an in-process tier for asset context.
// Pipeline reads and writes never raise; every failure is logged and
// reported as a miss.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// Cache namespaces. Each carries its own TTL and hit/miss counters.
const (
	NamespaceStageA = "stage_a"
	NamespaceStageB = "stage_b"
	NamespaceStageC = "stage_c"
	NamespaceAsset  = "asset"
	NamespaceTool   = "tool"
)

// Namespaces lists every cache namespace in stable order.
var Namespaces = []string{NamespaceStageA, NamespaceStageB, NamespaceStageC, NamespaceAsset, NamespaceTool}

// KeyPrefix roots every key this process writes to Redis.
const KeyPrefix = "opsconductor"

// CanonicalizeText normalizes request text for cache keying: Unicode NFC,
// lowercase, whitespace collapsed to single spaces, and leading/trailing
// punctuation stripped per token so intra-word punctuation (hyphenated
// hostnames, dotted services) survives.
func CanonicalizeText(text string) string {
	text = strings.ToLower(norm.NFC.String(text))

	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// Key builds a namespaced cache key: SHA-256 over the namespace and the
// canonical input, truncated to 128 bits, hex-encoded.
func Key(namespace, canonical string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + canonical))
	return KeyPrefix + ":" + namespace + ":" + hex.EncodeToString(sum[:16])
}

// StageAKey keys a Decision by canonicalized request text.
func StageAKey(text string) string {
	return Key(NamespaceStageA, CanonicalizeText(text))
}

// StageCKey keys a Plan by intent action, sorted entity type=value pairs,
// sorted tool name@version pairs, and sorted asset version tokens.
func StageCKey(action string, entities []models.Entity, toolVersions, assetVersions []string) string {
	pairs := make([]string, 0, len(entities))
	for _, e := range entities {
		value := e.Value
		if e.NormalizedValue != "" {
			value = e.NormalizedValue
		}
		pairs = append(pairs, e.Type+"="+value)
	}
	sort.Strings(pairs)

	tv := slices.Clone(toolVersions)
	sort.Strings(tv)
	av := slices.Clone(assetVersions)
	sort.Strings(av)

	canonical := action +
		"|" + strings.Join(pairs, ",") +
		"|" + strings.Join(tv, ",") +
		"|" + strings.Join(av, ",")
	return Key(NamespaceStageC, canonical)
}

// AssetKey keys asset context by id plus the opaque version token the
// Asset service reports; a version change keys to a fresh entry.
func AssetKey(assetID, version string) string {
	return Key(NamespaceAsset, assetID+"@"+version)
}

// ToolKey keys a tool result by tool name and a hash of its inputs.
func ToolKey(tool, inputsHash string) string {
	return Key(NamespaceTool, tool+"|"+inputsHash)
}

// PendingKey addresses a persisted awaiting-approval request. Pending
// artifacts are not cached values; they live outside the cache namespaces
// and are removed explicitly on resume or expiry.
func PendingKey(requestID string) string {
	return KeyPrefix + ":pending:" + requestID
}
