// Package config loads and validates loom configuration from
// <workspace>/.loom/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all loom configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Reasoning service configuration
	Reasoning ReasoningConfig `yaml:"reasoning"`

	// History manager configuration
	History HistoryConfig `yaml:"history"`

	// Orchestrator configuration
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ReasoningConfig configures the reasoning service client.
type ReasoningConfig struct {
	Provider  string `yaml:"provider"` // anthropic, mock
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Timeout   string `yaml:"timeout"`
}

// HistoryConfig configures the tiered compaction policy. The thresholds and
// tail sizes are policy defaults, not load-tested optima; they are exposed
// here so deployments can tune them.
type HistoryConfig struct {
	// TokenBudget is the context window budget in tokens.
	TokenBudget int `yaml:"token_budget"`

	// Ascending usage thresholds gating the three compaction tiers.
	SummarizeThreshold  float64 `yaml:"summarize_threshold"`  // tier 1 (default 0.65)
	AggressiveThreshold float64 `yaml:"aggressive_threshold"` // tier 2 (default 0.80)
	TruncateThreshold   float64 `yaml:"truncate_threshold"`   // tier 3 (default 0.90)

	// Verbatim tail sizes per summarizing tier. The tier 2 tail must not
	// exceed the tier 1 tail.
	VerbatimTail           int `yaml:"verbatim_tail"`            // default 12
	AggressiveVerbatimTail int `yaml:"aggressive_verbatim_tail"` // default 6
}

// OrchestratorConfig configures the turn loop.
type OrchestratorConfig struct {
	// MaxIterations caps tool-use round trips within one task.
	MaxIterations int `yaml:"max_iterations"`

	// MaxRetries bounds retries against the reasoning service.
	MaxRetries int `yaml:"max_retries"`

	// RepairAfter is the number of identical consecutive failures after
	// which the loop switches from retry-as-is to repair-then-retry.
	RepairAfter int `yaml:"repair_after"`

	// RetryBackoff is the base backoff between retries.
	RetryBackoff string `yaml:"retry_backoff"`

	// CommandTimeout bounds a single backend command execution.
	CommandTimeout string `yaml:"command_timeout"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// DatabasePath is the SQLite database location, relative to the
	// workspace unless absolute.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "loom",
		Version: "0.3.0",
		Reasoning: ReasoningConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5-20250514",
			MaxTokens: 8192,
			Timeout:   "10m",
		},
		History: HistoryConfig{
			TokenBudget:            128000,
			SummarizeThreshold:     0.65,
			AggressiveThreshold:    0.80,
			TruncateThreshold:      0.90,
			VerbatimTail:           12,
			AggressiveVerbatimTail: 6,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:  40,
			MaxRetries:     5,
			RepairAfter:    2,
			RetryBackoff:   "1s",
			CommandTimeout: "2m",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(".loom", "loom.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path, falling back to defaults if
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadWorkspace loads config from <workspace>/.loom/config.yaml.
func LoadWorkspace(workspace string) (*Config, error) {
	return Load(filepath.Join(workspace, ".loom", "config.yaml"))
}

// Save writes the configuration to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides lets environment variables override file settings.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Reasoning.APIKey = key
		if c.Reasoning.Provider == "" {
			c.Reasoning.Provider = "anthropic"
		}
	}
	if model := os.Getenv("LOOM_MODEL"); model != "" {
		c.Reasoning.Model = model
	}
	if dbPath := os.Getenv("LOOM_DB_PATH"); dbPath != "" {
		c.Store.DatabasePath = dbPath
	}
	if os.Getenv("LOOM_DEBUG") == "1" || os.Getenv("LOOM_DEBUG") == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// GetReasoningTimeout parses the reasoning timeout with a safe default.
func (c *Config) GetReasoningTimeout() time.Duration {
	d, err := time.ParseDuration(c.Reasoning.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// GetRetryBackoff parses the orchestrator retry backoff with a safe default.
func (c *Config) GetRetryBackoff() time.Duration {
	d, err := time.ParseDuration(c.Orchestrator.RetryBackoff)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetCommandTimeout parses the backend command timeout with a safe default.
func (c *Config) GetCommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.Orchestrator.CommandTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	h := c.History
	if h.TokenBudget <= 0 {
		return fmt.Errorf("history.token_budget must be positive, got %d", h.TokenBudget)
	}
	if !(h.SummarizeThreshold < h.AggressiveThreshold && h.AggressiveThreshold < h.TruncateThreshold) {
		return fmt.Errorf("history thresholds must be strictly ascending: %.2f/%.2f/%.2f",
			h.SummarizeThreshold, h.AggressiveThreshold, h.TruncateThreshold)
	}
	if h.AggressiveVerbatimTail > h.VerbatimTail {
		return fmt.Errorf("aggressive_verbatim_tail (%d) must not exceed verbatim_tail (%d)",
			h.AggressiveVerbatimTail, h.VerbatimTail)
	}
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive")
	}
	if c.Orchestrator.RepairAfter <= 0 {
		return fmt.Errorf("orchestrator.repair_after must be positive")
	}
	return nil
}
