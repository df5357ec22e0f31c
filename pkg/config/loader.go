package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load the YAML file (optional; missing file is not an error)
//  3. Expand ${VAR} references against the environment
//  4. Merge user YAML over defaults
//  5. Apply enumerated environment variable overrides
//  6. Validate the resolved configuration
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully", "summary", cfg.Stats().String())
	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults + env only. Common in containerized deployments.
			slog.Info("No configuration file found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = expandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// User-provided values override defaults; unset fields keep defaults.
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merge failed: %w", err))
	}

	return cfg, nil
}

// expandEnv substitutes ${VAR} references in YAML content with environment
// values. Only the braced form is expanded; bare $VAR is left untouched so
// regexes, passwords, and shell snippets survive verbatim. Unset variables
// expand to the empty string; validation catches required fields left empty.
func expandEnv(data []byte) []byte {
	var out []byte
	for {
		start := bytes.Index(data, []byte("${"))
		if start < 0 {
			break
		}
		end := bytes.IndexByte(data[start:], '}')
		if end < 0 {
			break
		}
		name := string(data[start+2 : start+end])
		out = append(out, data[:start]...)
		out = append(out, os.Getenv(name)...)
		data = data[start+end+1:]
	}
	return append(out, data...)
}

// validate performs fail-fast validation on the resolved configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
