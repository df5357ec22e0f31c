// Package masking removes secrets from tool observations and asset
// attributes before they reach caches, storage, or prompts.
package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex matching: parse the shape, mask only what is
// sensitive.
type Masker interface {
	// Name returns the identifier referenced in pattern groups.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the data. Must be fast (pattern probe, not a parse).
	AppliesTo(data string) bool

	// Mask applies the masking logic. Must be defensive: return the
	// original data on parse or processing errors.
	Mask(data string) string
}
