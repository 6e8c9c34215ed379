package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Sessions.GracePeriod())
	assert.Equal(t, 256, cfg.Sessions.ClientBufferSz)
	assert.Equal(t, time.Second, cfg.Approvals.PollInterval())
	assert.Equal(t, 10*time.Minute, cfg.Approvals.Timeout())
	assert.Equal(t, "claude", cfg.Generator.Command)
	assert.Equal(t, "/var/lib/streamd", cfg.Storage.StateDir)
	assert.Equal(t, "/var/lib/streamd/history", cfg.Storage.HistoryDir)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
server:
  listen: "0.0.0.0:9000"
sessions:
  grace_period_ms: 5000
approvals:
  poll_interval_ms: 250
  timeout_ms: 60000
generator:
  command: "mock-generator"
  args: ["--stream"]
  use_pty: true
storage:
  state_dir: "/tmp/streamd-test"
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Sessions.GracePeriod())
	assert.Equal(t, 250*time.Millisecond, cfg.Approvals.PollInterval())
	assert.Equal(t, time.Minute, cfg.Approvals.Timeout())
	assert.Equal(t, "mock-generator", cfg.Generator.Command)
	assert.Equal(t, []string{"--stream"}, cfg.Generator.Args)
	assert.True(t, cfg.Generator.UsePTY)
	// history_dir follows state_dir unless set explicitly.
	assert.Equal(t, "/tmp/streamd-test/history", cfg.Storage.HistoryDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigExplicitHistoryDir(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
storage:
  state_dir: "/tmp/a"
  history_dir: "/tmp/elsewhere"
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere", cfg.Storage.HistoryDir)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("STREAMD_LISTEN", "127.0.0.1:7777")
	t.Setenv("STREAMD_GENERATOR_COMMAND", "alt-generator")

	cfg, err := LoadConfig(writeConfig(t, `
server:
  listen: "127.0.0.1:8787"
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Listen)
	assert.Equal(t, "alt-generator", cfg.Generator.Command)
}

func TestLoadConfigInvalidLogLevel(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "log:\n  level: loud\n"))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server: [not: a map"))
	assert.Error(t, err)
}
