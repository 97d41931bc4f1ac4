// Package config loads the indexer's YAML configuration, applying
// environment-variable overrides on top and validating the result before
// the rest of the process starts up.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ChainConfig holds JSON-RPC node connection settings.
type ChainConfig struct {
	RPCURL string `yaml:"rpc_url"`
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SyncConfig holds the synchronizer's tunables.
type SyncConfig struct {
	SyncID                string        `yaml:"syncid"`
	MergeWithSyncID       string        `yaml:"merge_with_syncid"`
	StartBlock            int64         `yaml:"start_block"`
	BlocksPerRound        int64         `yaml:"blocks_per_round"`
	RequiredConfirmations int64         `yaml:"required_confirmations"`
	WaitTime              time.Duration `yaml:"waittime"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// NewDefault returns a Config populated with defaults only, for callers that
// drive configuration entirely from flags and environment variables instead
// of a YAML file.
func NewDefault() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Sync = SyncConfig{
		SyncID:                "main",
		StartBlock:            0,
		BlocksPerRound:        50_000,
		RequiredConfirmations: 10,
		WaitTime:              time.Second,
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ETHINDEXER_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("ETHINDEXER_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv("ETHINDEXER_SYNCID"); v != "" {
		c.Sync.SyncID = v
	}
	if v := os.Getenv("ETHINDEXER_MERGE_WITH_SYNCID"); v != "" {
		c.Sync.MergeWithSyncID = v
	}
	if v := os.Getenv("ETHINDEXER_BLOCKS_PER_ROUND"); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Sync.BlocksPerRound = n
		}
	}
	if v := os.Getenv("ETHINDEXER_REQUIRED_CONFIRMATIONS"); v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 0 {
			c.Sync.RequiredConfirmations = n
		}
	}
	if v := os.Getenv("ETHINDEXER_WAITTIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.WaitTime = d
		}
	}

	if v := os.Getenv("ETHINDEXER_METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("ETHINDEXER_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and
// valid.
func (c *Config) validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set ETHINDEXER_RPC_URL)")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set ETHINDEXER_DATABASE_DSN)")
	}
	if c.Sync.SyncID == "" {
		return fmt.Errorf("sync.syncid must not be empty")
	}
	if c.Sync.BlocksPerRound <= 0 {
		return fmt.Errorf("sync.blocks_per_round must be positive")
	}
	if c.Sync.RequiredConfirmations < 0 {
		return fmt.Errorf("sync.required_confirmations must not be negative")
	}
	if c.Sync.WaitTime <= 0 {
		return fmt.Errorf("sync.waittime must be positive")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}
