// Package config provides configuration loading and management for callscore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/callscore/agent"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheNATS   = "nats"
)

// Context sources.
const (
	SourceStatic   = "static"
	SourcePostgres = "postgres"
)

// Config represents the complete callscore configuration
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Context  ContextConfig  `yaml:"context"`
	NATS     NATSConfig     `yaml:"nats"`
	Temporal TemporalConfig `yaml:"temporal"`
	Postgres PostgresConfig `yaml:"postgres"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ModelConfig configures model access
type ModelConfig struct {
	// Registry is a model registry file (empty = built-in defaults)
	Registry string `yaml:"registry"`
	// Temperature applies to every agent (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// RateLimit caps model requests per second across all agents (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	// Burst is the limiter burst size
	Burst int `yaml:"burst"`
}

// PipelineConfig bounds each scoring job
type PipelineConfig struct {
	// OuterBudget covers a job from queued to terminal
	OuterBudget time.Duration `yaml:"outer_budget"`
	// MaxConcurrent is the number of calls scored at once
	MaxConcurrent int `yaml:"max_concurrent"`

	agent.Policy `yaml:",inline"`
}

// CacheConfig configures the prompt cache
type CacheConfig struct {
	// Backend is memory, sqlite or nats
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	// SQLitePath is the database file for the sqlite backend
	SQLitePath string `yaml:"sqlite_path"`
	// Bucket is the JetStream KV bucket for the nats backend
	Bucket string `yaml:"bucket"`
}

// ContextConfig selects where account facts come from
type ContextConfig struct {
	// Source is static or postgres
	Source string `yaml:"source"`
	// StaticPath is the YAML facts file for the static source
	StaticPath string `yaml:"static_path"`
}

// NATSConfig configures the NATS connection and score request stream
type NATSConfig struct {
	URL      string `yaml:"url"`
	Stream   string `yaml:"stream"`
	Subject  string `yaml:"subject"`
	Consumer string `yaml:"consumer"`
}

// TemporalConfig configures the Temporal worker
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
	// BacklogLimit caps calls fetched per batch run
	BacklogLimit int `yaml:"backlog_limit"`
}

// PostgresConfig configures the call and context database
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Temperature: 0.2,
			Burst:       1,
		},
		Pipeline: PipelineConfig{
			OuterBudget:   120 * time.Second,
			MaxConcurrent: 4,
			Policy:        agent.DefaultPolicy(),
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     24 * time.Hour,
			Bucket:  "CALLSCORE_PROMPTS",
		},
		Context: ContextConfig{
			Source:     SourceStatic,
			StaticPath: "context.yaml",
		},
		NATS: NATSConfig{
			URL:      "nats://localhost:4222",
			Stream:   "CALLSCORE",
			Subject:  "callscore.request.>",
			Consumer: "call-scorer",
		},
		Temporal: TemporalConfig{
			HostPort:     "localhost:7233",
			Namespace:    "default",
			TaskQueue:    "callscore",
			BacklogLimit: 100,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Model.RateLimit < 0 {
		return fmt.Errorf("model.rate_limit must be non-negative")
	}
	if c.Model.RateLimit > 0 && c.Model.Burst < 1 {
		return fmt.Errorf("model.burst must be at least 1 when rate_limit is set")
	}

	if c.Pipeline.OuterBudget <= 0 {
		return fmt.Errorf("pipeline.outer_budget must be positive")
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1")
	}
	if err := c.Pipeline.Policy.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite backend")
		}
	case CacheNATS:
		if c.Cache.Bucket == "" {
			return fmt.Errorf("cache.bucket is required for the nats backend")
		}
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats cache backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, sqlite, nats", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	switch c.Context.Source {
	case SourceStatic:
		if c.Context.StaticPath == "" {
			return fmt.Errorf("context.static_path is required for the static source")
		}
	case SourcePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres source")
		}
	default:
		return fmt.Errorf("context.source %q is not one of static, postgres", c.Context.Source)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

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

	// Model
	setString(&c.Model.Registry, other.Model.Registry)
	setFloat(&c.Model.Temperature, other.Model.Temperature)
	setFloat(&c.Model.RateLimit, other.Model.RateLimit)
	setInt(&c.Model.Burst, other.Model.Burst)

	// Pipeline
	setDuration(&c.Pipeline.OuterBudget, other.Pipeline.OuterBudget)
	setInt(&c.Pipeline.MaxConcurrent, other.Pipeline.MaxConcurrent)
	setInt(&c.Pipeline.ValidationRetries, other.Pipeline.ValidationRetries)
	setInt(&c.Pipeline.ServiceRetries, other.Pipeline.ServiceRetries)
	setDuration(&c.Pipeline.BackoffBase, other.Pipeline.BackoffBase)
	setFloat(&c.Pipeline.BackoffMultiplier, other.Pipeline.BackoffMultiplier)
	setDuration(&c.Pipeline.AttemptTimeout, other.Pipeline.AttemptTimeout)

	// Cache
	setString(&c.Cache.Backend, other.Cache.Backend)
	setDuration(&c.Cache.TTL, other.Cache.TTL)
	setString(&c.Cache.SQLitePath, other.Cache.SQLitePath)
	setString(&c.Cache.Bucket, other.Cache.Bucket)

	// Context
	setString(&c.Context.Source, other.Context.Source)
	setString(&c.Context.StaticPath, other.Context.StaticPath)

	// NATS
	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.NATS.Stream, other.NATS.Stream)
	setString(&c.NATS.Subject, other.NATS.Subject)
	setString(&c.NATS.Consumer, other.NATS.Consumer)

	// Temporal
	setString(&c.Temporal.HostPort, other.Temporal.HostPort)
	setString(&c.Temporal.Namespace, other.Temporal.Namespace)
	setString(&c.Temporal.TaskQueue, other.Temporal.TaskQueue)
	setInt(&c.Temporal.BacklogLimit, other.Temporal.BacklogLimit)

	// Postgres
	setString(&c.Postgres.DSN, other.Postgres.DSN)

	// Metrics
	setString(&c.Metrics.Addr, other.Metrics.Addr)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
