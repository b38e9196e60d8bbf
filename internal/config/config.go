// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package config loads the immutable Mnemos configuration. The resulting
// *Config is constructed once at process start and injected into every
// component; no component re-reads environment state directly.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// Config is the top-level Mnemos configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Vector      VectorConfig      `mapstructure:"vector" yaml:"vector"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding" yaml:"embedding"`
	Performance PerformanceConfig `mapstructure:"performance" yaml:"performance"`
	Protocol    ProtocolConfig    `mapstructure:"protocol" yaml:"protocol"`
}

// ServerConfig controls how Mnemos listens for protocol connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen" yaml:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// StorageConfig controls graph snapshot persistence.
type StorageConfig struct {
	// SnapshotPath is the JSON snapshot file for the graph store.
	// Empty disables persistence (in-memory only).
	SnapshotPath string `mapstructure:"snapshot_path" yaml:"snapshot_path"`
}

// VectorConfig selects and configures the vector index backend.
type VectorConfig struct {
	// Backend is one of "memory", "sqlite", "qdrant".
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Collection string `mapstructure:"collection" yaml:"collection"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
	// Path is the database file for the sqlite backend.
	Path string `mapstructure:"path" yaml:"path"`
}

// EmbeddingConfig configures the upstream embedding model provider.
type EmbeddingConfig struct {
	// Provider is one of "openai", "google", "local".
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// PerformanceConfig holds the tuning knobs for embedding and sync.
type PerformanceConfig struct {
	BatchSize           int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchWindow         time.Duration `mapstructure:"batch_window" yaml:"batch_window"`
	CacheEnabled        bool          `mapstructure:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MaxConcurrent       int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	SearchLimit         int           `mapstructure:"search_limit" yaml:"search_limit"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	ResyncInterval      time.Duration `mapstructure:"resync_interval" yaml:"resync_interval"`
	SyncWorkers         int           `mapstructure:"sync_workers" yaml:"sync_workers"`
}

// ProtocolConfig controls the tool-call dispatcher.
type ProtocolConfig struct {
	ServerName    string        `mapstructure:"server_name" yaml:"server_name"`
	ServerVersion string        `mapstructure:"server_version" yaml:"server_version"`
	CallTimeout   time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	MaxInflight   int           `mapstructure:"max_inflight" yaml:"max_inflight"`
	QueueBound    int           `mapstructure:"queue_bound" yaml:"queue_bound"`
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8477")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("storage.snapshot_path", "")

	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.collection", "mnemos")
	v.SetDefault("vector.dimensions", 1536)
	v.SetDefault("vector.path", "mnemos-vectors.db")

	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.temperature", 0.0)
	v.SetDefault("embedding.max_tokens", 2048)

	v.SetDefault("performance.batch_size", 16)
	v.SetDefault("performance.batch_window", 20*time.Millisecond)
	v.SetDefault("performance.cache_enabled", true)
	v.SetDefault("performance.cache_ttl", time.Hour)
	v.SetDefault("performance.max_concurrent", 4)
	v.SetDefault("performance.max_retries", 3)
	v.SetDefault("performance.search_limit", 10)
	v.SetDefault("performance.similarity_threshold", 0.5)
	v.SetDefault("performance.resync_interval", time.Minute)
	v.SetDefault("performance.sync_workers", 4)

	v.SetDefault("protocol.server_name", "mnemos")
	v.SetDefault("protocol.server_version", "0.1.0")
	v.SetDefault("protocol.call_timeout", 30*time.Second)
	v.SetDefault("protocol.max_inflight", 32)
	v.SetDefault("protocol.queue_bound", 128)
}

// SetupEnv binds the MNEMOS_ environment prefix so that, for example,
// MNEMOS_VECTOR_ENDPOINT overrides vector.endpoint.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("MNEMOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, mnemoserr.Errorf(mnemoserr.CodeConfigReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a Config from a prepared viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Default returns the built-in configuration with every default applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	// Unmarshalling pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks the configuration for logical errors. It returns a slice
// of all validation errors found, collecting all issues rather than stopping
// at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateVector()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validatePerformance()...)
	errs = append(errs, c.validateProtocol()...)

	return errs
}

func (c *Config) validateVector() []error {
	var errs []error

	validBackends := map[string]bool{"memory": true, "sqlite": true, "qdrant": true}
	if !validBackends[c.Vector.Backend] {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: vector.backend must be one of [memory, sqlite, qdrant], got %q", c.Vector.Backend))
	}
	if c.Vector.Dimensions <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: vector.dimensions must be positive, got %d", c.Vector.Dimensions))
	}
	if c.Vector.Backend == "qdrant" {
		if c.Vector.Endpoint == "" {
			errs = append(errs, mnemoserr.New(mnemoserr.CodeConfigInvalid,
				"config: vector.endpoint is required for the qdrant backend"))
		}
		if c.Vector.Collection == "" {
			errs = append(errs, mnemoserr.New(mnemoserr.CodeConfigInvalid,
				"config: vector.collection is required for the qdrant backend"))
		}
	}
	if c.Vector.Backend == "sqlite" && c.Vector.Path == "" {
		errs = append(errs, mnemoserr.New(mnemoserr.CodeConfigInvalid,
			"config: vector.path is required for the sqlite backend"))
	}

	return errs
}

func (c *Config) validateEmbedding() []error {
	var errs []error

	validProviders := map[string]bool{"openai": true, "google": true, "local": true}
	if !validProviders[c.Embedding.Provider] {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: embedding.provider must be one of [openai, google, local], got %q", c.Embedding.Provider))
	}
	if c.Embedding.Provider != "local" && c.Embedding.APIKey == "" {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: embedding.api_key is required for provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Temperature < 0 || c.Embedding.Temperature > 2 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: embedding.temperature must be in [0, 2], got %g", c.Embedding.Temperature))
	}

	return errs
}

func (c *Config) validatePerformance() []error {
	var errs []error

	if c.Performance.BatchSize <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.batch_size must be positive, got %d", c.Performance.BatchSize))
	}
	if c.Performance.MaxConcurrent <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.max_concurrent must be positive, got %d", c.Performance.MaxConcurrent))
	}
	if c.Performance.MaxRetries < 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.max_retries must not be negative, got %d", c.Performance.MaxRetries))
	}
	if c.Performance.SearchLimit <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.search_limit must be positive, got %d", c.Performance.SearchLimit))
	}
	if c.Performance.SimilarityThreshold < 0 || c.Performance.SimilarityThreshold > 1 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.similarity_threshold must be in [0, 1], got %g", c.Performance.SimilarityThreshold))
	}
	if c.Performance.CacheEnabled && c.Performance.CacheTTL <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.cache_ttl must be positive when the cache is enabled, got %s", c.Performance.CacheTTL))
	}
	if c.Performance.SyncWorkers <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: performance.sync_workers must be positive, got %d", c.Performance.SyncWorkers))
	}

	return errs
}

func (c *Config) validateProtocol() []error {
	var errs []error

	if c.Protocol.CallTimeout <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: protocol.call_timeout must be positive, got %s", c.Protocol.CallTimeout))
	}
	if c.Protocol.MaxInflight <= 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: protocol.max_inflight must be positive, got %d", c.Protocol.MaxInflight))
	}
	if c.Protocol.QueueBound < 0 {
		errs = append(errs, mnemoserr.Errorf(mnemoserr.CodeConfigInvalid,
			"config: protocol.queue_bound must not be negative, got %d", c.Protocol.QueueBound))
	}

	return errs
}
