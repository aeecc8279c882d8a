// Package config loads .cadpilot/config.yaml and merges CLI overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DispatcherConfig controls per-operation retry and fallback
type DispatcherConfig struct {
	// MaxRetries is the number of extra attempts per surface
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the pause between failed attempts
	RetryDelay time.Duration `yaml:"retry_delay"`

	// EnableFallback lets failed precise operations retry on the vision surface
	EnableFallback bool `yaml:"enable_fallback"`
}

// ExecutorConfig controls plan-level failure handling
type ExecutorConfig struct {
	// StopOnFailure ends a run at the first failed step
	StopOnFailure bool `yaml:"stop_on_failure"`

	// StepMaxRetries is the step-level retry budget given to planned steps
	StepMaxRetries int `yaml:"step_max_retries"`
}

// PlannerConfig controls plan creation
type PlannerConfig struct {
	UseTemplates  bool   `yaml:"use_templates"`
	TemplatesFile string `yaml:"templates_file"`
	KnowledgeTopK int    `yaml:"knowledge_top_k"`
	ContextBudget int    `yaml:"context_budget"`
	FallbackTool  string `yaml:"fallback_tool"`

	// GeneratorCommand is an external planning command. It receives the
	// planning prompt on stdin and prints a JSON plan. Empty disables generation.
	GeneratorCommand string        `yaml:"generator_command"`
	GeneratorArgs    []string      `yaml:"generator_args"`
	GeneratorTimeout time.Duration `yaml:"generator_timeout"`
}

// ClassificationConfig replaces the default classification table when present
type ClassificationConfig struct {
	APIOnly    []string `yaml:"api_only"`
	VisionOnly []string `yaml:"vision_only"`
	Hybrid     []string `yaml:"hybrid"`
}

// KnowledgeConfig represents the SOP knowledge base configuration
type KnowledgeConfig struct {
	Enabled      bool    `yaml:"enabled"`
	DBPath       string  `yaml:"db_path"`
	DocsDir      string  `yaml:"docs_dir"`
	ChunkSize    int     `yaml:"chunk_size"`
	MinScore     float64 `yaml:"min_score"`
	CacheMaxCost int64   `yaml:"cache_max_cost"`
}

// LearningConfig represents execution history configuration
type LearningConfig struct {
	// Enabled records every step attempt
	Enabled bool `yaml:"enabled"`

	// DBPath is the path to the history database
	DBPath string `yaml:"db_path"`

	// KeepExecutionsDays is the number of days to keep execution history (0 = forever)
	KeepExecutionsDays int `yaml:"keep_executions_days"`
}

// Config represents cadpilot configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs will be written
	LogDir string `yaml:"log_dir"`

	Dispatcher     DispatcherConfig      `yaml:"dispatcher"`
	Executor       ExecutorConfig        `yaml:"executor"`
	Planner        PlannerConfig         `yaml:"planner"`
	Classification *ClassificationConfig `yaml:"classification"`
	Knowledge      KnowledgeConfig       `yaml:"knowledge"`
	Learning       LearningConfig        `yaml:"learning"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   ".cadpilot/logs",
		Dispatcher: DispatcherConfig{
			MaxRetries:     2,
			RetryDelay:     500 * time.Millisecond,
			EnableFallback: true,
		},
		Executor: ExecutorConfig{
			StopOnFailure:  true,
			StepMaxRetries: 2,
		},
		Planner: PlannerConfig{
			UseTemplates:  true,
			KnowledgeTopK: 2,
			ContextBudget: 2000,
			FallbackTool:  "execute_request",

			GeneratorTimeout: 90 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Enabled:      true,
			DBPath:       ".cadpilot/knowledge.db",
			ChunkSize:    500,
			CacheMaxCost: 1 << 20,
		},
		Learning: LearningConfig{
			Enabled:            true,
			DBPath:             ".cadpilot/history.db",
			KeepExecutionsDays: 90,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// Keys present in the file override defaults; absent keys keep them.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 decodes onto the existing struct, so defaults survive for
	// every key the file omits. Durations accept "500ms" style strings.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .cadpilot/config.yaml in the specified directory
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, HomeDirName, "config.yaml"))
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(logLevel *string, logDir *string, maxRetries *int, retryDelay *time.Duration, enableFallback *bool, stopOnFailure *bool) {
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if maxRetries != nil {
		c.Dispatcher.MaxRetries = *maxRetries
	}
	if retryDelay != nil {
		c.Dispatcher.RetryDelay = *retryDelay
	}
	if enableFallback != nil {
		c.Dispatcher.EnableFallback = *enableFallback
	}
	if stopOnFailure != nil {
		c.Executor.StopOnFailure = *stopOnFailure
	}
}

// ResolvePaths rebases the configured database, docs and log paths onto home.
func (c *Config) ResolvePaths(home string) {
	c.LogDir = ResolvePath(c.LogDir, home)
	c.Knowledge.DBPath = ResolvePath(c.Knowledge.DBPath, home)
	c.Knowledge.DocsDir = ResolvePath(c.Knowledge.DocsDir, home)
	c.Learning.DBPath = ResolvePath(c.Learning.DBPath, home)
	c.Planner.TemplatesFile = ResolvePath(c.Planner.TemplatesFile, home)
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must be >= 0, got %d", c.Dispatcher.MaxRetries)
	}
	if c.Dispatcher.RetryDelay < 0 {
		return fmt.Errorf("dispatcher.retry_delay must be >= 0, got %v", c.Dispatcher.RetryDelay)
	}
	if c.Executor.StepMaxRetries < 0 {
		return fmt.Errorf("executor.step_max_retries must be >= 0, got %d", c.Executor.StepMaxRetries)
	}

	if c.Planner.KnowledgeTopK <= 0 {
		return fmt.Errorf("planner.knowledge_top_k must be > 0, got %d", c.Planner.KnowledgeTopK)
	}
	if c.Planner.ContextBudget <= 0 {
		return fmt.Errorf("planner.context_budget must be > 0, got %d", c.Planner.ContextBudget)
	}
	if c.Planner.GeneratorTimeout < 0 {
		return fmt.Errorf("planner.generator_timeout must be >= 0, got %s", c.Planner.GeneratorTimeout)
	}
	if c.Planner.FallbackTool == "" {
		return fmt.Errorf("planner.fallback_tool cannot be empty")
	}

	if c.Knowledge.Enabled {
		if c.Knowledge.DBPath == "" {
			return fmt.Errorf("knowledge.db_path cannot be empty when knowledge is enabled")
		}
		if c.Knowledge.ChunkSize <= 0 {
			return fmt.Errorf("knowledge.chunk_size must be > 0, got %d", c.Knowledge.ChunkSize)
		}
		if c.Knowledge.MinScore < 0 || c.Knowledge.MinScore > 1 {
			return fmt.Errorf("knowledge.min_score must be within [0, 1], got %v", c.Knowledge.MinScore)
		}
		if c.Knowledge.CacheMaxCost < 0 {
			return fmt.Errorf("knowledge.cache_max_cost must be >= 0, got %d", c.Knowledge.CacheMaxCost)
		}
	}

	if c.Learning.Enabled {
		if c.Learning.DBPath == "" {
			return fmt.Errorf("learning.db_path cannot be empty when learning is enabled")
		}
		if c.Learning.KeepExecutionsDays < 0 {
			return fmt.Errorf("learning.keep_executions_days must be >= 0, got %d", c.Learning.KeepExecutionsDays)
		}
	}

	return nil
}
