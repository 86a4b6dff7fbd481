package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/koclaw/internal/config"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KOCLAW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.DBPath != filepath.Join(home, "koclaw.db") {
		t.Fatalf("db_path = %q", cfg.DBPath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.PollInterval() != 60*time.Second {
		t.Fatalf("poll interval = %v", cfg.PollInterval())
	}
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KOCLAW_HOME", home)

	yaml := `
log_level: debug
agent:
  base_url: http://agent:9999
  model: sonnet
scheduler:
  poll_interval_seconds: 15
channels:
  telegram:
    enabled: true
    token: tok-123
    allowed_ids: [42, 43]
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Agent.BaseURL != "http://agent:9999" || cfg.Agent.Model != "sonnet" {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.PollInterval() != 15*time.Second {
		t.Fatalf("poll interval = %v", cfg.PollInterval())
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled || tg.Token != "tok-123" || len(tg.AllowedIDs) != 2 {
		t.Fatalf("telegram = %+v", tg)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KOCLAW_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KOCLAW_LOG_LEVEL", "warn")
	t.Setenv("KOCLAW_POLL_INTERVAL_SECONDS", "5")
	t.Setenv("TELEGRAM_TOKEN", "env-token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q, want env override", cfg.LogLevel)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Fatalf("poll interval = %v", cfg.PollInterval())
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Fatalf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KOCLAW_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
