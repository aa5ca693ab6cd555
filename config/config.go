// Package config provides configuration loading and management for stagekeeper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stagekeeper configuration.
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Guard      GuardConfig      `yaml:"guard"`
	Retry      RetryConfig      `yaml:"retry"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Complexity ComplexityConfig `yaml:"complexity"`
	Storage    StorageConfig    `yaml:"storage"`
}

// PipelineConfig defines the ordered stage graph a project moves through.
type PipelineConfig struct {
	// Stages is the ordered, acyclic stage sequence. Transitions only move
	// forward along this list (or sideways into blocked/dead_lettered).
	Stages []string `yaml:"stages"`
}

// GuardConfig configures the invocation guard.
type GuardConfig struct {
	// MaxInvocationsPerStage trips the guard once a stage has consumed this
	// many invocations without a forward transition.
	MaxInvocationsPerStage int `yaml:"max_invocations_per_stage"`
}

// RetryConfig holds retry settings for transient executor failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of executor attempts per invocation.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ExecutorConfig configures the agent executor boundary.
type ExecutorConfig struct {
	// Timeout is the maximum time to wait for a single executor call.
	// A timeout is treated as a transient failure.
	Timeout time.Duration `yaml:"timeout"`
	// Profiles maps processing profile names to their settings.
	Profiles map[string]Profile `yaml:"profiles"`
	// DefaultProfile is used when a task does not name a profile.
	DefaultProfile string `yaml:"default_profile"`
}

// Profile describes one processing profile an executor can run under.
type Profile struct {
	// Provider names the registered executor implementation.
	Provider string `yaml:"provider"`
	// Model is the model identifier passed through to the executor.
	Model string `yaml:"model"`
	// Description is a human-readable summary of what the profile is for.
	Description string `yaml:"description"`
}

// ComplexityConfig holds the tuning data for the complexity analyzer.
// Keyword sets and multipliers are configuration, not code, so routing
// behavior can be audited and changed without a code review.
type ComplexityConfig struct {
	Dimensions map[string]DimensionConfig `yaml:"dimensions"`

	// SimpleThreshold and ComplexThreshold partition the total score into
	// simple / moderate / complex levels.
	SimpleThreshold  float64 `yaml:"simple_threshold"`
	ComplexThreshold float64 `yaml:"complex_threshold"`

	// HighRiskThreshold is the veto line: a risk dimension score above it
	// forces level=complex and requires_human_review regardless of total.
	HighRiskThreshold float64 `yaml:"high_risk_threshold"`
}

// DimensionConfig tunes one scoring dimension.
type DimensionConfig struct {
	Base       float64  `yaml:"base"`
	Multiplier float64  `yaml:"multiplier"`
	Weight     float64  `yaml:"weight"`
	Keywords   []string `yaml:"keywords"`
}

// StorageConfig configures where durable state lives.
type StorageConfig struct {
	// Root is the directory holding per-project state. Relative paths are
	// resolved against the working directory.
	Root string `yaml:"root"`
	// AllowedRoot is the containment root for all file-path inputs. Paths
	// resolving outside it are rejected. Empty means the working directory.
	AllowedRoot string `yaml:"allowed_root"`
	// AnalyticsDir is where usage records are appended.
	AnalyticsDir string `yaml:"analytics_dir"`
}

// DefaultStages is the default ordered stage graph.
var DefaultStages = []string{
	"ideation",
	"specification",
	"simulation",
	"architecture",
	"implementation",
	"validation",
	"staging",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Stages: append([]string(nil), DefaultStages...),
		},
		Guard: GuardConfig{
			MaxInvocationsPerStage: 20,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       2 * time.Second,
			BackoffMultiplier: 2.0,
			MaxBackoff:        30 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout:        5 * time.Minute,
			DefaultProfile: "generalist",
			Profiles: map[string]Profile{
				"generalist": {
					Provider:    "local",
					Model:       "claude_sonnet_4_5",
					Description: "Default profile for routine stage work",
				},
				"architect": {
					Provider:    "local",
					Model:       "claude_opus_4_5",
					Description: "Design and architecture stages",
				},
				"fast": {
					Provider:    "local",
					Model:       "grok_code_fast_1",
					Description: "Low-complexity mechanical tasks",
				},
			},
		},
		Complexity: ComplexityConfig{
			Dimensions: map[string]DimensionConfig{
				"ambiguity": {
					Base:       1.0,
					Multiplier: 0.5,
					Weight:     0.2,
					Keywords:   []string{"maybe", "probably", "might", "could", "should", "etc", "and so on"},
				},
				"novelty": {
					Base:       2.0,
					Multiplier: 1.0,
					Weight:     0.2,
					Keywords:   []string{"new", "novel", "first time", "unprecedented", "experimental"},
				},
				"dependencies": {
					Base:       1.0,
					Multiplier: 0.8,
					Weight:     0.2,
					Keywords:   []string{"api", "service", "external", "integration", "third-party"},
				},
				"risk": {
					Base:       1.0,
					Multiplier: 0.7,
					Weight:     0.2,
					Keywords:   []string{"security", "authentication", "payment", "data loss", "critical"},
				},
				"technical_depth": {
					Base:       2.0,
					Multiplier: 0.6,
					Weight:     0.2,
					Keywords:   []string{"algorithm", "optimization", "cryptography", "ml", "ai", "distributed"},
				},
			},
			SimpleThreshold:   2.0,
			ComplexThreshold:  3.5,
			HighRiskThreshold: 3.5,
		},
		Storage: StorageConfig{
			Root:         ".stagekeeper/projects",
			AllowedRoot:  "",
			AnalyticsDir: ".stagekeeper/analytics/usage",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	// At least one work stage plus the terminal stage: a success transition
	// landing on the last stage is what marks a project complete, so a
	// single-stage pipeline could never finish.
	if len(c.Pipeline.Stages) < 2 {
		return fmt.Errorf("pipeline.stages needs at least two stages")
	}
	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		if s == "" {
			return fmt.Errorf("pipeline.stages must not contain empty names")
		}
		if seen[s] {
			return fmt.Errorf("pipeline.stages contains duplicate stage %q", s)
		}
		seen[s] = true
	}
	if c.Guard.MaxInvocationsPerStage <= 0 {
		return fmt.Errorf("guard.max_invocations_per_stage must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.Executor.DefaultProfile != "" {
		if _, ok := c.Executor.Profiles[c.Executor.DefaultProfile]; !ok {
			return fmt.Errorf("executor.default_profile %q is not defined in executor.profiles", c.Executor.DefaultProfile)
		}
	}
	if len(c.Complexity.Dimensions) == 0 {
		return fmt.Errorf("complexity.dimensions must not be empty")
	}
	for name, dim := range c.Complexity.Dimensions {
		if dim.Weight < 0 {
			return fmt.Errorf("complexity.dimensions.%s.weight must not be negative", name)
		}
		if dim.Multiplier < 0 {
			return fmt.Errorf("complexity.dimensions.%s.multiplier must not be negative", name)
		}
	}
	if c.Complexity.SimpleThreshold >= c.Complexity.ComplexThreshold {
		return fmt.Errorf("complexity.simple_threshold must be below complex_threshold")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if len(other.Pipeline.Stages) > 0 {
		c.Pipeline.Stages = other.Pipeline.Stages
	}

	if other.Guard.MaxInvocationsPerStage != 0 {
		c.Guard.MaxInvocationsPerStage = other.Guard.MaxInvocationsPerStage
	}

	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = other.Retry.MaxBackoff
	}

	if other.Executor.Timeout != 0 {
		c.Executor.Timeout = other.Executor.Timeout
	}
	if other.Executor.DefaultProfile != "" {
		c.Executor.DefaultProfile = other.Executor.DefaultProfile
	}
	for name, profile := range other.Executor.Profiles {
		if c.Executor.Profiles == nil {
			c.Executor.Profiles = make(map[string]Profile)
		}
		c.Executor.Profiles[name] = profile
	}

	for name, dim := range other.Complexity.Dimensions {
		if c.Complexity.Dimensions == nil {
			c.Complexity.Dimensions = make(map[string]DimensionConfig)
		}
		c.Complexity.Dimensions[name] = dim
	}
	if other.Complexity.SimpleThreshold != 0 {
		c.Complexity.SimpleThreshold = other.Complexity.SimpleThreshold
	}
	if other.Complexity.ComplexThreshold != 0 {
		c.Complexity.ComplexThreshold = other.Complexity.ComplexThreshold
	}
	if other.Complexity.HighRiskThreshold != 0 {
		c.Complexity.HighRiskThreshold = other.Complexity.HighRiskThreshold
	}

	if other.Storage.Root != "" {
		c.Storage.Root = other.Storage.Root
	}
	if other.Storage.AllowedRoot != "" {
		c.Storage.AllowedRoot = other.Storage.AllowedRoot
	}
	if other.Storage.AnalyticsDir != "" {
		c.Storage.AnalyticsDir = other.Storage.AnalyticsDir
	}
}
