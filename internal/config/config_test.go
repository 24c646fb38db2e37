package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Relay.HeartbeatInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Relay.RequestTimeout.Std())
	assert.Equal(t, 9999, cfg.Workload.MaxRestarts)
	assert.Equal(t, 5*time.Second, cfg.Workload.RestartDelay.Std())
	assert.Equal(t, 30*time.Second, cfg.Commands.ExecTimeout.Std())
	assert.Equal(t, "node_identity.json", cfg.Identity.Path)
	assert.True(t, cfg.Workload.LogWorkloadOutput())
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_ParsesYAMLAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_RELAY_HOST", "relay.internal:9443")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
relay:
  url: https://${TEST_RELAY_HOST}
  heartbeat_interval: 15s
  request_timeout: 3
workload:
  executable: /opt/render/bin/renderer
  args: ["--headless"]
  max_restarts: 3
  restart_delay: 250ms
  log_output: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://relay.internal:9443", cfg.Relay.URL)
	assert.Equal(t, 15*time.Second, cfg.Relay.HeartbeatInterval.Std())
	assert.Equal(t, 3*time.Second, cfg.Relay.RequestTimeout.Std())
	assert.Equal(t, "/opt/render/bin/renderer", cfg.Workload.Executable)
	assert.Equal(t, []string{"--headless"}, cfg.Workload.Args)
	assert.Equal(t, 3, cfg.Workload.MaxRestarts)
	assert.Equal(t, 250*time.Millisecond, cfg.Workload.RestartDelay.Std())
	assert.False(t, cfg.Workload.LogWorkloadOutput())
	// untouched sections keep defaults
	assert.Equal(t, 10*time.Second, cfg.Workload.SimulatedRun.Std())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RELAYNODE_RELAY_URL", "https://relay.example.com")
	t.Setenv("RELAYNODE_WORKLOAD", "/usr/bin/true")
	t.Setenv("RELAYNODE_IDENTITY_PATH", "/var/lib/relaynode/id.json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", cfg.Relay.URL)
	assert.Equal(t, "/usr/bin/true", cfg.Workload.Executable)
	assert.Equal(t, "/var/lib/relaynode/id.json", cfg.Identity.Path)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "relay:\n  heartbeat_interval: soon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty url", func(c *Config) { c.Relay.URL = "" }, "relay.url"},
		{"bad scheme", func(c *Config) { c.Relay.URL = "ftp://relay" }, "relay.url"},
		{"zero interval", func(c *Config) { c.Relay.HeartbeatInterval = 0 }, "relay.heartbeat_interval"},
		{"negative restarts", func(c *Config) { c.Workload.MaxRestarts = -1 }, "workload.max_restarts"},
		{"no identity path", func(c *Config) { c.Identity.Path = "" }, "identity.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var verr ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadEnvFiles_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "secrets.env", `
# relay credentials
export RELAYNODE_TEST_TOKEN="abc123"
RELAYNODE_TEST_KEEP=from-file
not a pair
`)
	t.Setenv("RELAYNODE_TEST_KEEP", "from-env")
	t.Setenv("RELAYNODE_TEST_TOKEN", "")
	require.NoError(t, os.Unsetenv("RELAYNODE_TEST_TOKEN"))

	require.NoError(t, LoadEnvFiles(path))
	assert.Equal(t, "abc123", os.Getenv("RELAYNODE_TEST_TOKEN"))
	assert.Equal(t, "from-env", os.Getenv("RELAYNODE_TEST_KEEP"))
}

func TestBaseDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfgDir := t.TempDir()
	base, err := BaseDir(filepath.Join(cfgDir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, cfgDir, base)

	wd := t.TempDir()
	t.Chdir(wd)
	base, err = BaseDir("")
	require.NoError(t, err)
	assert.Equal(t, wd, base, "no config file in use falls back to the working directory")

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "relaynode"), 0o755))
	writeFile(t, filepath.Join(xdg, "relaynode"), "config.yaml", "relay:\n  url: http://127.0.0.1:1\n")
	base, err = BaseDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(xdg, "relaynode"), base)
}

func TestResolvePaths(t *testing.T) {
	cfg := Default()
	cfg.State.DBPath = "state/history.db"
	cfg.Workload.Executable = "bin/renderer"
	cfg.ResolvePaths("/srv/relaynode")

	assert.Equal(t, filepath.Join("/srv/relaynode", "node_identity.json"), cfg.Identity.Path)
	assert.Equal(t, filepath.Join("/srv/relaynode", "work"), cfg.Workload.WorkDir)
	assert.Equal(t, filepath.Join("/srv/relaynode", "state", "history.db"), cfg.State.DBPath)
	assert.Equal(t, filepath.Join("/srv/relaynode", "bin", "renderer"), cfg.Workload.Executable)

	cfg = Default()
	cfg.Identity.Path = "/var/lib/relaynode/id.json"
	cfg.ResolvePaths("/srv/relaynode")
	assert.Equal(t, "/var/lib/relaynode/id.json", cfg.Identity.Path)
	assert.Equal(t, "renderer", cfg.Workload.Executable, "bare names stay on PATH lookup")
	assert.Empty(t, cfg.State.DBPath)
}
