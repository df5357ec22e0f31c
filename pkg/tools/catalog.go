// Package tools loads the declarative tool catalog and serves it to the
// pipeline. The catalog is immutable once loaded; hot reload swaps the
// whole catalog atomically, never mutating in place.
package tools

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// ToolInput declares one input a tool needs, optionally elicited from an
// extracted entity.
type ToolInput struct {
	Name       string `yaml:"name" json:"name"`
	EntityType string `yaml:"entity_type" json:"entity_type"`
	Required   bool   `yaml:"required" json:"required"`
}

// Tool is one catalog entry. Flags drive selection scoring, approval
// gating, and plan validation.
type Tool struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`

	// Category aligns with intent categories (asset_management,
	// service_management, database_management, ...).
	Category string `yaml:"category" json:"category"`

	// Platforms the tool can target. Empty means any.
	Platforms []string `yaml:"platforms" json:"platforms"`

	// RequiredEntityTypes must be present in the Decision for the tool to
	// be fully satisfied.
	RequiredEntityTypes []string `yaml:"required_entity_types" json:"required_entity_types"`

	Inputs []ToolInput `yaml:"inputs" json:"inputs"`

	ReadOnly       bool `yaml:"read_only" json:"read_only"`
	Destructive    bool `yaml:"destructive" json:"destructive"`
	HighRisk       bool `yaml:"high_risk" json:"high_risk"`
	ProductionSafe bool `yaml:"production_safe" json:"production_safe"`

	// Builtin tools are always resolvable in plans even when not selected.
	Builtin bool `yaml:"builtin" json:"builtin"`

	ExpectedDurationS int `yaml:"expected_duration_s" json:"expected_duration_s"`
}

// SupportsPlatform reports whether the tool can target the platform.
func (t *Tool) SupportsPlatform(platform string) bool {
	if len(t.Platforms) == 0 {
		return true
	}
	return slices.Contains(t.Platforms, platform)
}

// Catalog is a read-only snapshot of the declared tools.
type Catalog struct {
	Version string
	Tools   []Tool

	byName map[string]*Tool
}

type catalogFile struct {
	Version string `yaml:"version"`
	Tools   []Tool `yaml:"tools"`
}

// LoadCatalog reads and validates a catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}

	c := &Catalog{
		Version: file.Version,
		Tools:   file.Tools,
		byName:  make(map[string]*Tool, len(file.Tools)),
	}
	for i := range c.Tools {
		t := &c.Tools[i]
		if err := validateTool(t); err != nil {
			return nil, err
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("tool catalog: duplicate tool name %q", t.Name)
		}
		c.byName[t.Name] = t
	}
	return c, nil
}

func validateTool(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool catalog: tool with empty name")
	}
	if t.Version == "" {
		return fmt.Errorf("tool catalog: tool %q has no version", t.Name)
	}
	if t.Category == "" {
		return fmt.Errorf("tool catalog: tool %q has no category", t.Name)
	}
	if t.Destructive && t.ReadOnly {
		return fmt.Errorf("tool catalog: tool %q is both destructive and read_only", t.Name)
	}
	if t.ExpectedDurationS < 0 {
		return fmt.Errorf("tool catalog: tool %q has negative expected_duration_s", t.Name)
	}
	for _, in := range t.Inputs {
		if in.Name == "" {
			return fmt.Errorf("tool catalog: tool %q has an input with empty name", t.Name)
		}
	}
	return nil
}

// Get looks up a tool by name. The returned pointer must be treated as
// read-only.
func (c *Catalog) Get(name string) (*Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Len returns the number of declared tools.
func (c *Catalog) Len() int {
	return len(c.Tools)
}

// Names returns all tool names sorted for deterministic iteration.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Tools))
	for _, t := range c.Tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// VersionToken identifies this catalog revision for cache keys: the
// catalog version plus every tool's name@version, sorted.
func (c *Catalog) VersionToken() string {
	parts := make([]string, 0, len(c.Tools)+1)
	parts = append(parts, c.Version)
	for _, t := range c.Tools {
		parts = append(parts, t.Name+"@"+t.Version)
	}
	sort.Strings(parts[1:])
	out := parts[0]
	for _, p := range parts[1:] {
		out += ";" + p
	}
	return out
}
