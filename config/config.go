// Package config provides configuration loading and management for the
// insight orchestrator. All knobs are startup-tunable; the validator
// threshold table can additionally be reloaded at runtime via Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vendora/insight/task"
	"github.com/vendora/insight/validate"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Models     ModelsConfig     `yaml:"models"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Validation ValidationConfig `yaml:"validation"`
	Events     EventsConfig     `yaml:"events"`
}

// EngineConfig configures the flow engine. Durations are milliseconds.
type EngineConfig struct {
	// MaxRevisions bounds the revision loop per task
	MaxRevisions int `yaml:"max_revisions"`
	// QueryTimeoutMS is the default end-to-end deadline per query
	QueryTimeoutMS int `yaml:"query_timeout_ms"`
	// MaxActiveTasks caps in-flight tasks; beyond it arrivals are rejected
	MaxActiveTasks int `yaml:"max_active_tasks"`
	// CacheCapacity is the result cache LRU size
	CacheCapacity int `yaml:"cache_capacity"`
	// CacheTTLMS is the result cache entry lifetime
	CacheTTLMS int `yaml:"cache_ttl_ms"`
	// RetentionMS is how long terminal task records are kept for observability
	RetentionMS int `yaml:"retention_ms"`
	// ContextKeys whitelists context keys that participate in the cache
	// fingerprint (empty = context never affects caching)
	ContextKeys []string `yaml:"context_keys"`
}

// QueryTimeout returns the query deadline as a duration.
func (e EngineConfig) QueryTimeout() time.Duration {
	return time.Duration(e.QueryTimeoutMS) * time.Millisecond
}

// CacheTTL returns the cache entry lifetime as a duration.
func (e EngineConfig) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLMS) * time.Millisecond
}

// Retention returns the terminal record retention as a duration.
func (e EngineConfig) Retention() time.Duration {
	return time.Duration(e.RetentionMS) * time.Millisecond
}

// ModelsConfig configures the model client
type ModelsConfig struct {
	// RegistryPath points to a capability registry JSON file
	// (empty = built-in defaults)
	RegistryPath string `yaml:"registry_path"`
	// CallTimeoutMS bounds a single model call including façade retries
	CallTimeoutMS int `yaml:"call_timeout_ms"`
}

// CallTimeout returns the model call budget as a duration.
func (m ModelsConfig) CallTimeout() time.Duration {
	return time.Duration(m.CallTimeoutMS) * time.Millisecond
}

// WarehouseConfig configures the warehouse client
type WarehouseConfig struct {
	// CallTimeoutMS bounds a single warehouse read
	CallTimeoutMS int `yaml:"call_timeout_ms"`
	// MaxRows caps rows returned per read
	MaxRows int `yaml:"max_rows"`
	// MaxRowsInPrompt caps rows per source entering a specialist prompt
	MaxRowsInPrompt int `yaml:"max_rows_in_prompt"`
}

// CallTimeout returns the warehouse call budget as a duration.
func (w WarehouseConfig) CallTimeout() time.Duration {
	return time.Duration(w.CallTimeoutMS) * time.Millisecond
}

// ValidationConfig configures the quality gate
type ValidationConfig struct {
	// MinAxisScore is the floor no axis may fall below for approval
	MinAxisScore float64 `yaml:"min_axis_score"`
	// Thresholds maps complexity names to the minimum aggregate quality
	// for approval; missing levels keep their defaults
	Thresholds map[string]float64 `yaml:"thresholds"`
}

// ThresholdTable converts the configured overrides into a full table.
func (v ValidationConfig) ThresholdTable() validate.Thresholds {
	t := validate.DefaultThresholds()
	for name, val := range v.Thresholds {
		if c := task.ParseComplexity(name); c != "" {
			t[c] = val
		}
	}
	return t
}

// EventsConfig configures the lifecycle event publisher
type EventsConfig struct {
	// NATSURL is the NATS server URL (empty = events disabled);
	// ${VAR} references are expanded from the environment
	NATSURL string `yaml:"nats_url"`
}

// DefaultConfig returns a Config with the standard defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRevisions:   2,
			QueryTimeoutMS: 30_000,
			MaxActiveTasks: 256,
			CacheCapacity:  1024,
			CacheTTLMS:     3_600_000,
			RetentionMS:    300_000,
		},
		Models: ModelsConfig{
			CallTimeoutMS: 12_000,
		},
		Warehouse: WarehouseConfig{
			CallTimeoutMS:   15_000,
			MaxRows:         10_000,
			MaxRowsInPrompt: 200,
		},
		Validation: ValidationConfig{
			MinAxisScore: 0.60,
			Thresholds: map[string]float64{
				"simple":   0.80,
				"standard": 0.85,
				"complex":  0.90,
				"critical": 0.95,
			},
		},
		Events: EventsConfig{
			NATSURL: "",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.MaxRevisions < 0 {
		return fmt.Errorf("engine.max_revisions must not be negative")
	}
	if c.Engine.QueryTimeoutMS <= 0 {
		return fmt.Errorf("engine.query_timeout_ms must be positive")
	}
	if c.Engine.MaxActiveTasks <= 0 {
		return fmt.Errorf("engine.max_active_tasks must be positive")
	}
	if c.Engine.CacheCapacity <= 0 {
		return fmt.Errorf("engine.cache_capacity must be positive")
	}
	if c.Engine.CacheTTLMS <= 0 {
		return fmt.Errorf("engine.cache_ttl_ms must be positive")
	}
	if c.Models.CallTimeoutMS <= 0 {
		return fmt.Errorf("models.call_timeout_ms must be positive")
	}
	if c.Warehouse.CallTimeoutMS <= 0 {
		return fmt.Errorf("warehouse.call_timeout_ms must be positive")
	}
	if c.Warehouse.MaxRowsInPrompt <= 0 {
		return fmt.Errorf("warehouse.max_rows_in_prompt must be positive")
	}
	if c.Validation.MinAxisScore < 0 || c.Validation.MinAxisScore > 1 {
		return fmt.Errorf("validation.min_axis_score must be between 0 and 1")
	}
	for name, v := range c.Validation.Thresholds {
		if task.ParseComplexity(name) == "" {
			return fmt.Errorf("validation.thresholds: unknown complexity %q", name)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("validation.thresholds.%s must be between 0 and 1", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets stay out of the file itself.
	config.Events.NATSURL = os.ExpandEnv(config.Events.NATSURL)
	config.Models.RegistryPath = os.ExpandEnv(config.Models.RegistryPath)

	return config, nil
}

// SaveToFile saves configuration to a YAML file
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

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Engine
	if other.Engine.MaxRevisions != 0 {
		c.Engine.MaxRevisions = other.Engine.MaxRevisions
	}
	if other.Engine.QueryTimeoutMS != 0 {
		c.Engine.QueryTimeoutMS = other.Engine.QueryTimeoutMS
	}
	if other.Engine.MaxActiveTasks != 0 {
		c.Engine.MaxActiveTasks = other.Engine.MaxActiveTasks
	}
	if other.Engine.CacheCapacity != 0 {
		c.Engine.CacheCapacity = other.Engine.CacheCapacity
	}
	if other.Engine.CacheTTLMS != 0 {
		c.Engine.CacheTTLMS = other.Engine.CacheTTLMS
	}
	if other.Engine.RetentionMS != 0 {
		c.Engine.RetentionMS = other.Engine.RetentionMS
	}
	if len(other.Engine.ContextKeys) > 0 {
		c.Engine.ContextKeys = other.Engine.ContextKeys
	}

	// Models
	if other.Models.RegistryPath != "" {
		c.Models.RegistryPath = other.Models.RegistryPath
	}
	if other.Models.CallTimeoutMS != 0 {
		c.Models.CallTimeoutMS = other.Models.CallTimeoutMS
	}

	// Warehouse
	if other.Warehouse.CallTimeoutMS != 0 {
		c.Warehouse.CallTimeoutMS = other.Warehouse.CallTimeoutMS
	}
	if other.Warehouse.MaxRows != 0 {
		c.Warehouse.MaxRows = other.Warehouse.MaxRows
	}
	if other.Warehouse.MaxRowsInPrompt != 0 {
		c.Warehouse.MaxRowsInPrompt = other.Warehouse.MaxRowsInPrompt
	}

	// Validation
	if other.Validation.MinAxisScore != 0 {
		c.Validation.MinAxisScore = other.Validation.MinAxisScore
	}
	if len(other.Validation.Thresholds) > 0 {
		if c.Validation.Thresholds == nil {
			c.Validation.Thresholds = make(map[string]float64)
		}
		for k, v := range other.Validation.Thresholds {
			c.Validation.Thresholds[k] = v
		}
	}

	// Events
	if other.Events.NATSURL != "" {
		c.Events.NATSURL = other.Events.NATSURL
	}
}
