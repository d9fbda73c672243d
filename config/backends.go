package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendConfig describes how one completion backend takes part in routing.
// Prices are ledger minor units per million tokens; zero keeps the adapter's
// built-in price.
type BackendConfig struct {
	Name             string         `yaml:"name"`
	Disabled         bool           `yaml:"disabled"`
	Priority         int            `yaml:"priority"`
	Kinds            []string       `yaml:"kinds"`
	Suitability      map[string]int `yaml:"suitability"`
	InputPerMillion  int64          `yaml:"input_per_million"`
	OutputPerMillion int64          `yaml:"output_per_million"`
}

type backendsFile struct {
	Backends []BackendConfig `yaml:"backends"`
}

// DefaultBackends is used when BACKENDS_FILE is not set.
func DefaultBackends() []BackendConfig {
	return []BackendConfig{
		{
			Name:     "gemini",
			Priority: 1,
			Kinds:    []string{"chat", "summarize", "classify"},
			Suitability: map[string]int{
				"summarize": 90,
				"classify":  80,
				"chat":      70,
			},
		},
		{
			Name:     "openai",
			Priority: 2,
			Kinds:    []string{"chat", "code", "summarize", "classify"},
			Suitability: map[string]int{
				"chat":      90,
				"code":      85,
				"classify":  85,
				"summarize": 75,
			},
		},
		{
			Name:     "claude",
			Priority: 3,
			Kinds:    []string{"chat", "code", "summarize"},
			Suitability: map[string]int{
				"code":      95,
				"chat":      85,
				"summarize": 85,
			},
		},
	}
}

// LoadBackends reads the backend catalog from a YAML file, or returns the
// defaults when path is empty.
func LoadBackends(path string) ([]BackendConfig, error) {
	if path == "" {
		return DefaultBackends(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}
	return ParseBackends(raw)
}

// ParseBackends decodes a YAML backend catalog.
func ParseBackends(raw []byte) ([]BackendConfig, error) {
	var f backendsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse backends file: %w", err)
	}

	seen := make(map[string]bool, len(f.Backends))
	out := make([]BackendConfig, 0, len(f.Backends))
	for i, b := range f.Backends {
		if b.Name == "" {
			return nil, fmt.Errorf("backend #%d: name is required", i)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("backend %q declared twice", b.Name)
		}
		seen[b.Name] = true
		if len(b.Kinds) == 0 {
			return nil, fmt.Errorf("backend %q: at least one task kind is required", b.Name)
		}
		if b.InputPerMillion < 0 || b.OutputPerMillion < 0 {
			return nil, fmt.Errorf("backend %q: prices must not be negative", b.Name)
		}
		if b.Disabled {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
