// Package config loads koclaw configuration from ~/.koclaw/config.yaml
// with environment overrides.
//
// The daemon watches config.yaml and re-reads it on change. Only log_level
// applies live; db_path, the agent endpoint, poll interval, and channel
// settings take effect on the next restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/koclaw/internal/otel"
)

// AgentConfig holds settings for the external agent runtime.
type AgentConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. http://127.0.0.1:18790
	Model   string `yaml:"model"`
	// TimeoutSeconds bounds one agent query. 0 uses the client default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TelegramConfig holds the Telegram delivery channel settings.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups the delivery channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// SchedulerConfig holds the poll-loop settings.
type SchedulerConfig struct {
	// PollIntervalSeconds is the due-task poll cadence. Default 60.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// Config is the root koclaw configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      otel.Config     `yaml:"otel"`
}

// PollInterval returns the scheduler cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// AgentTimeout returns the agent query timeout as a duration; zero means
// use the client default.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Agent: AgentConfig{
			BaseURL: "http://127.0.0.1:18790",
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 60,
		},
	}
}

// HomeDir returns the koclaw home directory, honoring the KOCLAW_HOME
// override.
func HomeDir() string {
	if override := os.Getenv("KOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".koclaw")
}

// Load reads config.yaml from the koclaw home, creating the home directory
// if needed. A missing config file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create koclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "koclaw.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "http://127.0.0.1:18790"
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("KOCLAW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("KOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("KOCLAW_AGENT_BASE_URL"); raw != "" {
		cfg.Agent.BaseURL = raw
	}
	if raw := os.Getenv("KOCLAW_AGENT_MODEL"); raw != "" {
		cfg.Agent.Model = raw
	}
	if raw := os.Getenv("KOCLAW_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
