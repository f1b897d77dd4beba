package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.AdminOnly {
		t.Error("AdminOnly = false, want true by default")
	}
	if cfg.AgentBin != DefaultAgentBin {
		t.Errorf("AgentBin = %q, want %q", cfg.AgentBin, DefaultAgentBin)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, DefaultDataDir)
	}
	if want := filepath.Join(DefaultDataDir, DefaultDatabaseName); cfg.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, want)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, DefaultLogLevel)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	raw := `discord_token: file-token
admin_only: false
agent_bin: /usr/local/bin/agent
database_path: /var/lib/relay/relay.db
data_dir: /var/lib/relay
log_level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DiscordToken != "file-token" {
		t.Errorf("DiscordToken = %q, want file-token", cfg.DiscordToken)
	}
	if cfg.AdminOnly {
		t.Error("AdminOnly = true, want false from file")
	}
	if cfg.AgentBin != "/usr/local/bin/agent" {
		t.Errorf("AgentBin = %q", cfg.AgentBin)
	}
	if cfg.DatabasePath != "/var/lib/relay/relay.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("discord_token: file-token\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(EnvDiscordToken, "env-token")
	t.Setenv(EnvAgentBin, "/opt/agent")
	t.Setenv(EnvDataDir, "/opt/data")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DiscordToken != "env-token" {
		t.Errorf("DiscordToken = %q, want env override", cfg.DiscordToken)
	}
	if cfg.AgentBin != "/opt/agent" {
		t.Errorf("AgentBin = %q, want env override", cfg.AgentBin)
	}
	if want := filepath.Join("/opt/data", DefaultDatabaseName); cfg.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q next to env data dir", cfg.DatabasePath, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		DiscordToken: "token",
		AgentBin:     "agent",
		DatabasePath: "relay.db",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v, want nil", err)
	}

	cfg.DiscordToken = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate without token succeeded, want error")
	}
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if cerr.Field != "DiscordToken" {
		t.Errorf("field = %q, want DiscordToken", cerr.Field)
	}
}
