// Package config loads engine configuration from .isg/config.yaml with
// ISG_* environment fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the configurable policies the engine leaves open.
const (
	DefaultBlastRadiusThreshold = 50
	DefaultMaxRounds            = 3
	DefaultContextDepth         = 2
	DefaultValidateTimeout      = 10 * time.Minute
)

// Config holds engine configuration.
type Config struct {
	// BlastRadiusThreshold is the maximum closure size a proposal may
	// touch before the planner declares the request infeasible.
	BlastRadiusThreshold int `yaml:"blastRadiusThreshold"`
	// MaxRounds bounds all PLAN/REVISE cycles of one session.
	MaxRounds int `yaml:"maxRounds"`
	// ContextDepth bounds minimal-context traversal.
	ContextDepth int `yaml:"contextDepth"`
	// Validate configures the build/test gate.
	Validate ValidateConfig `yaml:"validate"`
	// Reviewer configures the remote reviewer endpoint. Empty URL means
	// reviews must be supplied through the CLI.
	Reviewer ReviewerConfig `yaml:"reviewer"`
	// Ignore lists doublestar patterns excluded from ingestion.
	Ignore []string `yaml:"ignore"`
	// TestPatterns lists doublestar patterns classifying a source path
	// as test-interface territory.
	TestPatterns []string `yaml:"testPatterns"`
}

// ValidateConfig configures the validation gate.
type ValidateConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// ReviewerConfig configures the remote reviewer client.
type ReviewerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BlastRadiusThreshold: DefaultBlastRadiusThreshold,
		MaxRounds:            DefaultMaxRounds,
		ContextDepth:         DefaultContextDepth,
		Validate: ValidateConfig{
			Timeout: DefaultValidateTimeout,
		},
		Reviewer: ReviewerConfig{
			Timeout: 5 * time.Minute,
		},
		Ignore: []string{
			"**/node_modules/**",
			"**/.git/**",
			"**/.isg/**",
			"**/dist/**",
		},
		TestPatterns: []string{
			"**/*_test.*",
			"**/*.test.*",
			"**/*.spec.*",
			"**/test/**",
			"**/tests/**",
			"**/__tests__/**",
		},
	}
}

// Load reads the config file at the given path, falling back to
// defaults for missing fields and to ISG_* environment variables for
// the numeric policies. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg.BlastRadiusThreshold = envInt("ISG_BLAST_RADIUS", cfg.BlastRadiusThreshold)
	cfg.MaxRounds = envInt("ISG_MAX_ROUNDS", cfg.MaxRounds)
	cfg.ContextDepth = envInt("ISG_CONTEXT_DEPTH", cfg.ContextDepth)
	if url := os.Getenv("ISG_REVIEWER_URL"); url != "" {
		cfg.Reviewer.URL = url
	}

	if cfg.BlastRadiusThreshold <= 0 {
		cfg.BlastRadiusThreshold = DefaultBlastRadiusThreshold
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.ContextDepth <= 0 {
		cfg.ContextDepth = DefaultContextDepth
	}
	if cfg.Validate.Timeout <= 0 {
		cfg.Validate.Timeout = DefaultValidateTimeout
	}

	return cfg, nil
}

// Write serializes the config to the given path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func envInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
