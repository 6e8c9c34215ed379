package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Generator GeneratorConfig `yaml:"generator"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type SessionsConfig struct {
	GracePeriodMs  int `yaml:"grace_period_ms"`
	ClientBufferSz int `yaml:"client_buffer"`
}

type ApprovalsConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	TimeoutMs      int `yaml:"timeout_ms"`
}

type GeneratorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	UsePTY  bool     `yaml:"use_pty"`
}

type StorageConfig struct {
	StateDir   string `yaml:"state_dir"`
	HistoryDir string `yaml:"history_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (c *SessionsConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

func (c *ApprovalsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *ApprovalsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:8787"
	}
	if cfg.Sessions.GracePeriodMs == 0 {
		cfg.Sessions.GracePeriodMs = 30000
	}
	if cfg.Sessions.ClientBufferSz == 0 {
		cfg.Sessions.ClientBufferSz = 256
	}
	if cfg.Approvals.PollIntervalMs == 0 {
		cfg.Approvals.PollIntervalMs = 1000
	}
	if cfg.Approvals.TimeoutMs == 0 {
		cfg.Approvals.TimeoutMs = 600000
	}
	if cfg.Generator.Command == "" {
		cfg.Generator.Command = "claude"
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "/var/lib/streamd"
	}
	if cfg.Storage.HistoryDir == "" {
		cfg.Storage.HistoryDir = cfg.Storage.StateDir + "/history"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Optional environment overrides.
	if listen := os.Getenv("STREAMD_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if cmd := os.Getenv("STREAMD_GENERATOR_COMMAND"); cmd != "" {
		cfg.Generator.Command = cmd
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}

	return &cfg, nil
}
