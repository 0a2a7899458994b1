// Package config loads the task engine's configuration from ~/.taskengine/config.yaml,
// merged with TASKENGINE_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the task engine service.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Executor     ExecutorConfig     `mapstructure:"executor" yaml:"executor"`
	Registry     RegistryConfig     `mapstructure:"registry" yaml:"registry"`
	Memory       MemoryConfig       `mapstructure:"memory" yaml:"memory"`
	Data         DataConfig         `mapstructure:"data" yaml:"data"`
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch" yaml:"dispatch"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// OrchestratorConfig controls the task lifecycle and queue maintenance loop.
type OrchestratorConfig struct {
	// QueueIntervalSec is T_q: the queue-scan tick (default 5s).
	QueueIntervalSec int `mapstructure:"queue_interval_sec" yaml:"queue_interval_sec"`
	// CleanupIntervalSec is T_c: the expired-task cleanup tick (default 60s).
	CleanupIntervalSec int `mapstructure:"cleanup_interval_sec" yaml:"cleanup_interval_sec"`
	// DispatcherConcurrency bounds concurrently dispatched tasks (default 4).
	DispatcherConcurrency int `mapstructure:"dispatcher_concurrency" yaml:"dispatcher_concurrency"`
	// MaxRetryDepth bounds the number of `_retry_` markers a task id may carry (default 3).
	MaxRetryDepth int `mapstructure:"max_retry_depth" yaml:"max_retry_depth"`
	// DefaultPriority is the priority assigned when the caller omits one.
	DefaultPriority int `mapstructure:"default_priority" yaml:"default_priority"`
	// TaskTTLHours is the soft expiry window for terminal tasks (default 168h = 7 days).
	TaskTTLHours int `mapstructure:"task_ttl_hours" yaml:"task_ttl_hours"`
	// WorkerLivenessMinutes is the worker heartbeat staleness window (default 10).
	// No maintenance loop reads it; stale workers are not marked crashed.
	WorkerLivenessMinutes int `mapstructure:"worker_liveness_minutes" yaml:"worker_liveness_minutes"`
	// RepairMemoriesRetrieved is R in the repair loop (default 5).
	RepairMemoriesRetrieved int `mapstructure:"repair_memories_retrieved" yaml:"repair_memories_retrieved"`
}

// ExecutorConfig controls the sandboxed execution environment.
type ExecutorConfig struct {
	// MaxWallClockSec is the per-task wall-clock limit (default 720s = 12min).
	MaxWallClockSec int `mapstructure:"max_wall_clock_sec" yaml:"max_wall_clock_sec"`
	// MaxCapabilityCallSec is the per-capability-call wall-clock limit.
	MaxCapabilityCallSec int `mapstructure:"max_capability_call_sec" yaml:"max_capability_call_sec"`
	// DefaultMemoryTierMB is used when a template does not declare one.
	DefaultMemoryTierMB int `mapstructure:"default_memory_tier_mb" yaml:"default_memory_tier_mb"`
	// MaxListRows is the hard cap on rows a list-style capability call may request.
	MaxListRows int `mapstructure:"max_list_rows" yaml:"max_list_rows"`
	// MaxBatchSubcommands is the hard cap on sub-commands in one batched call.
	MaxBatchSubcommands int `mapstructure:"max_batch_subcommands" yaml:"max_batch_subcommands"`
	// MaxParamPayloadBytes is the hard cap on one capability call's parameter payload.
	MaxParamPayloadBytes int `mapstructure:"max_param_payload_bytes" yaml:"max_param_payload_bytes"`
}

// RegistryConfig controls the template registry's matching and caching behaviour.
type RegistryConfig struct {
	// CacheTTLMinutes is the advisory in-process template cache lifetime (default 5).
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
	// ThresholdHigh is the Phase-A name-embedding accept threshold (default 0.85).
	// Validate checks it against ThresholdLow; the registry applies its own
	// fixed 0.85 and does not read this value.
	ThresholdHigh float64 `mapstructure:"threshold_high" yaml:"threshold_high"`
	// ThresholdLow is the Phase-B embedding accept floor (default 0.50).
	ThresholdLow float64 `mapstructure:"threshold_low" yaml:"threshold_low"`
	// FuzzyFloor is the minimum fuzzy-resolution score to accept a match (default 0.5).
	// ResolveFuzzy applies its own fixed 0.5 floor and does not read this value.
	FuzzyFloor float64 `mapstructure:"fuzzy_floor" yaml:"fuzzy_floor"`
	// EmbeddingDimension is the fixed output width of the embedding provider (default 768).
	EmbeddingDimension int `mapstructure:"embedding_dimension" yaml:"embedding_dimension"`
}

// MemoryConfig controls reasoning-memory extraction, validation, and retrieval.
type MemoryConfig struct {
	// PerTemplateQuota is the max memory count per template_id (default 100).
	PerTemplateQuota int `mapstructure:"per_template_quota" yaml:"per_template_quota"`
	// MaxTaskSourceMemories is N for task_success/task_failure extraction (default 3).
	MaxTaskSourceMemories int `mapstructure:"max_task_source_memories" yaml:"max_task_source_memories"`
	// MaxRepairSourceMemories is N for repair/user-modification extraction (default 2).
	MaxRepairSourceMemories int `mapstructure:"max_repair_source_memories" yaml:"max_repair_source_memories"`
	// FeedbackCycleMinutes is the background stats/promotion-style cycle interval.
	FeedbackCycleMinutes int `mapstructure:"feedback_cycle_minutes" yaml:"feedback_cycle_minutes"`
}

// DataConfig controls the SQLite-backed structured data store.
type DataConfig struct {
	// Path is the on-disk directory holding the database file.
	Path string `mapstructure:"path" yaml:"path"`
}

// LLMConfig selects the model used for each distinct role the core calls into.
type LLMConfig struct {
	DefaultProvider string                    `mapstructure:"default_provider" yaml:"default_provider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	// ExtractionModel is used for parameter/utterance extraction.
	ExtractionModel string `mapstructure:"extraction_model" yaml:"extraction_model"`
	// RepairModel is used for script regeneration in the repair loop.
	RepairModel string `mapstructure:"repair_model" yaml:"repair_model"`
	// GradingModel is used to judge whether a proposed repair plausibly
	// fixes the error it was generated for.
	GradingModel string `mapstructure:"grading_model" yaml:"grading_model"`
	// DistillationModel is used for memory extraction from trajectories.
	DistillationModel string `mapstructure:"distillation_model" yaml:"distillation_model"`
	// EmbeddingModel is used for both template and memory embeddings.
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
}

// ProviderConfig contains per-provider endpoint/auth/timeout settings.
type ProviderConfig struct {
	Endpoint string         `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey   string         `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model    string         `mapstructure:"model" yaml:"model,omitempty"`
	Timeouts *TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts,omitempty"`
}

// TimeoutConfig contains provider call timeout settings.
type TimeoutConfig struct {
	ConnectionTimeoutSec int  `mapstructure:"connection_timeout_sec" yaml:"connection_timeout_sec,omitempty"`
	FirstTokenTimeoutSec int  `mapstructure:"first_token_timeout_sec" yaml:"first_token_timeout_sec,omitempty"`
	StreamIdleTimeoutSec int  `mapstructure:"stream_idle_timeout_sec" yaml:"stream_idle_timeout_sec,omitempty"`
	WarmupOnStart        bool `mapstructure:"warmup_on_start" yaml:"warmup_on_start,omitempty"`
}

// DispatchConfig controls the deferred-dispatch capability's own rate limits.
type DispatchConfig struct {
	// BurstSize is the dispatch-rate burst allowance (default 20).
	BurstSize int `mapstructure:"burst_size" yaml:"burst_size"`
	// RatePerSecond is the steady-state dispatch rate (default 10).
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	// DataSourceRatePerSecond is the leaky-bucket rate to the primary data source (default 2).
	DataSourceRatePerSecond float64 `mapstructure:"data_source_rate_per_second" yaml:"data_source_rate_per_second"`
}

// LoggingConfig contains logging behaviour.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Colored bool   `mapstructure:"colored" yaml:"colored"`
}

// Default returns the configuration used when no file is present yet.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			QueueIntervalSec:        5,
			CleanupIntervalSec:      60,
			DispatcherConcurrency:   4,
			MaxRetryDepth:           3,
			DefaultPriority:         50,
			TaskTTLHours:            168,
			WorkerLivenessMinutes:   10,
			RepairMemoriesRetrieved: 5,
		},
		Executor: ExecutorConfig{
			MaxWallClockSec:      720,
			MaxCapabilityCallSec: 720,
			DefaultMemoryTierMB:  512,
			MaxListRows:          500,
			MaxBatchSubcommands:  50,
			MaxParamPayloadBytes: 100 * 1024,
		},
		Registry: RegistryConfig{
			CacheTTLMinutes:    5,
			ThresholdHigh:      0.85,
			ThresholdLow:       0.50,
			FuzzyFloor:         0.5,
			EmbeddingDimension: 768,
		},
		Memory: MemoryConfig{
			PerTemplateQuota:        100,
			MaxTaskSourceMemories:   3,
			MaxRepairSourceMemories: 2,
			FeedbackCycleMinutes:    15,
		},
		Data: DataConfig{
			Path: "~/.taskengine",
		},
		LLM: LLMConfig{
			DefaultProvider:   "anthropic",
			Providers:         map[string]ProviderConfig{"anthropic": {Model: "claude-sonnet-4-20250514"}},
			ExtractionModel:   "claude-haiku-4-20250514",
			RepairModel:       "claude-sonnet-4-20250514",
			GradingModel:      "claude-haiku-4-20250514",
			DistillationModel: "claude-sonnet-4-20250514",
			EmbeddingModel:    "text-embedding-3-small",
		},
		Dispatch: DispatchConfig{
			BurstSize:               20,
			RatePerSecond:           10,
			DataSourceRatePerSecond: 2,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "~/.taskengine/logs/taskengine.log",
			Colored: true,
		},
	}
}

// Load reads configuration from ~/.taskengine/config.yaml.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".taskengine", "config.yaml"))
}

// LoadFromPath reads configuration from a specific path, merged with
// TASKENGINE_-prefixed environment overrides. If the file doesn't exist, it
// is created with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Data.Path = expandPath(cfg.Data.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// Save writes the configuration back to its default location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("get home directory: %w", err)
	}
	return c.SaveToPath(filepath.Join(homeDir, ".taskengine", "config.yaml"))
}

// SaveToPath writes the configuration to a specific path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider cannot be empty")
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("default provider %q not found in providers map", c.LLM.DefaultProvider)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Orchestrator.MaxRetryDepth <= 0 {
		return fmt.Errorf("orchestrator.max_retry_depth must be positive")
	}
	if c.Registry.ThresholdHigh <= c.Registry.ThresholdLow {
		return fmt.Errorf("registry.threshold_high must exceed registry.threshold_low")
	}
	if c.Memory.PerTemplateQuota <= 0 {
		return fmt.Errorf("memory.per_template_quota must be positive")
	}
	return nil
}

// QueueInterval returns T_q as a duration.
func (c OrchestratorConfig) QueueInterval() time.Duration {
	return time.Duration(c.QueueIntervalSec) * time.Second
}

// CleanupInterval returns T_c as a duration.
func (c OrchestratorConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// TaskTTL returns the soft expiry window as a duration.
func (c OrchestratorConfig) TaskTTL() time.Duration {
	return time.Duration(c.TaskTTLHours) * time.Hour
}

// WorkerLiveness returns the worker heartbeat staleness window as a duration.
func (c OrchestratorConfig) WorkerLiveness() time.Duration {
	return time.Duration(c.WorkerLivenessMinutes) * time.Minute
}

// MaxWallClock returns the per-task wall-clock limit as a duration.
func (c ExecutorConfig) MaxWallClock() time.Duration {
	return time.Duration(c.MaxWallClockSec) * time.Second
}

// MaxCapabilityCall returns the per-call wall-clock limit as a duration.
func (c ExecutorConfig) MaxCapabilityCall() time.Duration {
	return time.Duration(c.MaxCapabilityCallSec) * time.Second
}

// CacheTTL returns the template-cache TTL as a duration.
func (c RegistryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// writeConfigFile marshals cfg to YAML and writes it to path.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
