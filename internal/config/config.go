package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all pod configuration.
//
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Relay topology
	RelayCount   uint32 `env:"RELAY_COUNT" envDefault:"3"`
	RelayStartID uint32 `env:"RELAY_START_ID" envDefault:"1"`

	// Capacity
	MaxConnectionsPerRelay int `env:"MAX_CONNECTIONS_PER_RELAY" envDefault:"800"`

	// Identity. Empty means pod-{pid}.
	PodName string `env:"POD_NAME"`

	// Redis bus
	RedisClusterNodes  string `env:"REDIS_CLUSTER_NODES" envDefault:"redis://localhost:6379"`
	RedisFallbackNodes string `env:"REDIS_FALLBACK_NODES" envDefault:"redis://redis-service:6379,redis://localhost:6379"`

	// HTTP
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"0.0.0.0:9002"`

	// Upgrade admission: sustained upgrades/sec and burst
	UpgradeRate  float64 `env:"UPGRADE_RATE" envDefault:"100"`
	UpgradeBurst int     `env:"UPGRADE_BURST" envDefault:"200"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PodName == "" {
		cfg.PodName = fmt.Sprintf("pod-%d", os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.RelayCount < 1 {
		return fmt.Errorf("RELAY_COUNT must be > 0, got %d", c.RelayCount)
	}
	if c.MaxConnectionsPerRelay < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_RELAY must be > 0, got %d", c.MaxConnectionsPerRelay)
	}
	if c.RedisClusterNodes == "" {
		return fmt.Errorf("REDIS_CLUSTER_NODES is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.UpgradeRate <= 0 {
		return fmt.Errorf("UPGRADE_RATE must be > 0, got %.1f", c.UpgradeRate)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// RedisNodes returns the primary endpoint URL list.
func (c *Config) RedisNodes() []string {
	return splitURLs(c.RedisClusterNodes)
}

// RedisFallbacks returns the fallback endpoint URL list.
func (c *Config) RedisFallbacks() []string {
	return splitURLs(c.RedisFallbackNodes)
}

func splitURLs(s string) []string {
	var urls []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Uint32("relay_count", c.RelayCount).
		Uint32("relay_start_id", c.RelayStartID).
		Int("max_connections_per_relay", c.MaxConnectionsPerRelay).
		Str("pod_name", c.PodName).
		Str("redis_cluster_nodes", c.RedisClusterNodes).
		Str("listen_addr", c.ListenAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
