// Package config provides configuration for the gateway process. Values come
// from an optional YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir      = "data"
	DefaultDatabaseName = "relay.db"
	DefaultAgentBin     = "agent"
	DefaultLogLevel     = "info"

	// Environment variable names
	EnvDiscordToken = "ARCHIPELAGO_DISCORD_TOKEN"
	EnvDatabasePath = "ARCHIPELAGO_DATABASE_PATH"
	EnvAgentBin     = "ARCHIPELAGO_AGENT_BIN"
	EnvDataDir      = "ARCHIPELAGO_DATA_DIR"
)

// Config holds all gateway configuration.
type Config struct {
	// DiscordToken is the bot token for the single chat connection.
	DiscordToken string `yaml:"discord_token"`

	// AdminOnly gates slash commands behind the admin permission check.
	AdminOnly bool `yaml:"admin_only"`

	// AgentBin is the path to the agent executable spawned per room.
	AgentBin string `yaml:"agent_bin"`

	// DatabasePath is the SQLite file holding bindings and subscriptions.
	DatabasePath string `yaml:"database_path"`

	// DataDir is where per-room multidata/savedata files live.
	DataDir string `yaml:"data_dir"`

	// LogLevel is forwarded to spawned agents.
	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		AdminOnly: true,
		AgentBin:  DefaultAgentBin,
		DataDir:   DefaultDataDir,
		LogLevel:  DefaultLogLevel,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if token := os.Getenv(EnvDiscordToken); token != "" {
		cfg.DiscordToken = token
	}
	if dbPath := os.Getenv(EnvDatabasePath); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if bin := os.Getenv(EnvAgentBin); bin != "" {
		cfg.AgentBin = bin
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, DefaultDatabaseName)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return &ConfigError{Field: "DiscordToken", Message: EnvDiscordToken + " or discord_token is required"}
	}
	if c.AgentBin == "" {
		return &ConfigError{Field: "AgentBin", Message: "agent binary path is required"}
	}
	if c.DatabasePath == "" {
		return &ConfigError{Field: "DatabasePath", Message: "database path is required"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}
