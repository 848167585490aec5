package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, EngineExec, cfg.Engine)
	assert.Equal(t, HomeModeAgent, cfg.EngineHomeMode)
	assert.Equal(t, ConsultModeGate, cfg.OpusConsultMode)
	assert.Equal(t, 10*time.Minute, cfg.OpusGateTimeout)
	assert.Equal(t, 2, cfg.MaxInflight)
	assert.Equal(t, 30*time.Minute, cfg.ExecTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.TaskUpdatePoll)
	assert.Equal(t, 8, cfg.TaskMaxRestarts)
	assert.Equal(t, "warn", cfg.ScanPolicy)
	assert.True(t, cfg.Gates.ObserverDrain, "observer drain is the only gate on by default")
	assert.False(t, cfg.Gates.Opus)
	assert.False(t, cfg.GitPreflightEnforce)
}

func TestLoadFileOverlay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cockpit.toml")
	doc := `
engine = "app-server"
engine_bin = "/usr/local/bin/engine"
engine_global_max_inflight = 4
engine_exec_timeout_ms = 60000
task_update_poll_ms = 100
scan_policy = "block"
git_preflight_enforce = true

[gates]
opus = true
opus_kinds = ["EXECUTE"]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineAppServer, cfg.Engine)
	assert.Equal(t, "/usr/local/bin/engine", cfg.EngineBin)
	assert.Equal(t, 4, cfg.MaxInflight)
	assert.Equal(t, time.Minute, cfg.ExecTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.TaskUpdatePoll)
	assert.Equal(t, "block", cfg.ScanPolicy)
	assert.True(t, cfg.GitPreflightEnforce)
	assert.True(t, cfg.Gates.Opus)
	assert.Equal(t, []string{"EXECUTE"}, cfg.Gates.OpusKinds)
	assert.False(t, cfg.Gates.ObserverDrain, "a [gates] table replaces the default gate set wholesale")
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, EngineExec, cfg.Engine)
}

func TestLoadMalformedFileFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cockpit.toml")
	require.NoError(t, os.WriteFile(path, []byte("engine = ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	dir := t.TempDir()
	path := filepath.Join(dir, "cockpit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`engine = "exec"`+"\n"), 0o644))

	t.Setenv(EnvEngine, "app-server")
	t.Setenv(EnvEngineMaxInflight, "7")
	t.Setenv(EnvOpusGate, "1")
	t.Setenv(EnvOpusGateKinds, "EXECUTE, USER_REQUEST")
	t.Setenv(EnvEngineRetryBaseMs, "250")
	t.Setenv(EnvCommitVerifyRemotes, "origin,upstream")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineAppServer, cfg.Engine)
	assert.Equal(t, 7, cfg.MaxInflight)
	assert.True(t, cfg.Gates.Opus)
	assert.Equal(t, []string{"EXECUTE", "USER_REQUEST"}, cfg.Gates.OpusKinds)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, []string{"origin", "upstream"}, cfg.CommitVerifyRemotes)
}

func TestEnvBoolForms(t *testing.T) {
	t.Setenv(EnvObserverDrainGate, "off")
	t.Setenv(EnvDelegateGate, "yes")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Gates.ObserverDrain)
	assert.True(t, cfg.Gates.Delegate)
}

func TestEnvMalformedNumbersIgnored(t *testing.T) {
	t.Setenv(EnvEngineMaxInflight, "many")
	t.Setenv(EnvEngineExecTimeoutMs, "-5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxInflight)
	assert.Equal(t, 30*time.Minute, cfg.ExecTimeout)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []func(*Config){
		func(c *Config) { c.Engine = "quantum" },
		func(c *Config) { c.EngineHomeMode = "everywhere" },
		func(c *Config) { c.OpusConsultMode = "vibes" },
		func(c *Config) { c.ScanPolicy = "ignore" },
		func(c *Config) { c.MaxInflight = 0 },
		func(c *Config) { c.TaskMaxRestarts = -1 },
	}
	for _, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.validate())
	}
}
