package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors Config for the cockpit.toml layer, with durations as
// millisecond integers (the file speaks the same *_MS dialect as the
// environment).
type fileConfig struct {
	Engine                   string      `toml:"engine"`
	EngineBin                string      `toml:"engine_bin"`
	EngineHomeMode           string      `toml:"engine_home_mode"`
	AppServerPersist         *bool       `toml:"app_server_persist"`
	AppServerResumePersisted *bool       `toml:"app_server_resume_persisted"`
	AutopilotRotateTurns     *int        `toml:"autopilot_session_rotate_turns"`
	Gates                    GateToggles `toml:"gates"`
	OpusConsultMode          string      `toml:"opus_consult_mode"`
	OpusGateTimeoutMs        *int64      `toml:"opus_gate_timeout_ms"`
	MaxInflight              *int        `toml:"engine_global_max_inflight"`
	ExecTimeoutMs            *int64      `toml:"engine_exec_timeout_ms"`
	RetryBaseMs              *int64      `toml:"engine_retry_base_ms"`
	RetryMaxMs               *int64      `toml:"engine_retry_max_ms"`
	RetryJitterMs            *int64      `toml:"engine_retry_jitter_ms"`
	RateLimitMinMs           *int64      `toml:"engine_rate_limit_min_ms"`
	TaskUpdatePollMs         *int64      `toml:"task_update_poll_ms"`
	TaskMaxRestarts          *int        `toml:"task_max_restarts"`
	CommitVerifyRemotes      []string    `toml:"commit_verify_remotes"`
	ScanPolicy               string      `toml:"scan_policy"`
	GitPreflightEnforce      *bool       `toml:"git_preflight_enforce"`
	GitAutoClean             *bool       `toml:"git_auto_clean"`
}

// Load builds the process configuration: defaults, then the optional TOML
// file at path (missing file is fine when path is the default location),
// then the environment overlay.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyFile overlays cockpit.toml values onto cfg. A missing file is not an
// error; a malformed one is.
func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if fc.Engine != "" {
		cfg.Engine = fc.Engine
	}
	if fc.EngineBin != "" {
		cfg.EngineBin = fc.EngineBin
	}
	if fc.EngineHomeMode != "" {
		cfg.EngineHomeMode = fc.EngineHomeMode
	}
	if fc.AppServerPersist != nil {
		cfg.AppServerPersist = *fc.AppServerPersist
	}
	if fc.AppServerResumePersisted != nil {
		cfg.AppServerResumePersisted = *fc.AppServerResumePersisted
	}
	if fc.AutopilotRotateTurns != nil {
		cfg.AutopilotRotateTurns = *fc.AutopilotRotateTurns
	}
	cfg.Gates = mergeGates(cfg.Gates, fc.Gates)
	if fc.OpusConsultMode != "" {
		cfg.OpusConsultMode = fc.OpusConsultMode
	}
	if fc.OpusGateTimeoutMs != nil {
		cfg.OpusGateTimeout = time.Duration(*fc.OpusGateTimeoutMs) * time.Millisecond
	}
	if fc.MaxInflight != nil {
		cfg.MaxInflight = *fc.MaxInflight
	}
	if fc.ExecTimeoutMs != nil {
		cfg.ExecTimeout = time.Duration(*fc.ExecTimeoutMs) * time.Millisecond
	}
	if fc.RetryBaseMs != nil {
		cfg.RetryBase = time.Duration(*fc.RetryBaseMs) * time.Millisecond
	}
	if fc.RetryMaxMs != nil {
		cfg.RetryMax = time.Duration(*fc.RetryMaxMs) * time.Millisecond
	}
	if fc.RetryJitterMs != nil {
		cfg.RetryJitter = time.Duration(*fc.RetryJitterMs) * time.Millisecond
	}
	if fc.RateLimitMinMs != nil {
		cfg.RateLimitMin = time.Duration(*fc.RateLimitMinMs) * time.Millisecond
	}
	if fc.TaskUpdatePollMs != nil {
		cfg.TaskUpdatePoll = time.Duration(*fc.TaskUpdatePollMs) * time.Millisecond
	}
	if fc.TaskMaxRestarts != nil {
		cfg.TaskMaxRestarts = *fc.TaskMaxRestarts
	}
	if len(fc.CommitVerifyRemotes) > 0 {
		cfg.CommitVerifyRemotes = fc.CommitVerifyRemotes
	}
	if fc.ScanPolicy != "" {
		cfg.ScanPolicy = fc.ScanPolicy
	}
	if fc.GitPreflightEnforce != nil {
		cfg.GitPreflightEnforce = *fc.GitPreflightEnforce
	}
	if fc.GitAutoClean != nil {
		cfg.GitAutoClean = *fc.GitAutoClean
	}
	return nil
}

// mergeGates overlays file gate toggles onto the defaults. Booleans from the
// file always win (TOML absence leaves the zero value, so the file layer is
// authoritative for gates it mentions at all; a file with a [gates] table
// replaces the gate set wholesale).
func mergeGates(base, file GateToggles) GateToggles {
	// The zero GateToggles means "no [gates] table": keep defaults.
	if isZeroGates(file) {
		return base
	}
	return file
}

func isZeroGates(g GateToggles) bool {
	return !g.Opus && !g.OpusPostReview && !g.Delegate && !g.ObserverDrain &&
		!g.CodeQuality && !g.Skillops &&
		len(g.OpusKinds) == 0 && len(g.DelegateKinds) == 0 &&
		len(g.ObserverDrainKinds) == 0 && len(g.CodeQualityKinds) == 0 &&
		len(g.SkillopsKinds) == 0
}

// validate rejects configurations that cannot run.
func (c *Config) validate() error {
	switch c.Engine {
	case EngineExec, EngineAppServer:
	default:
		return fmt.Errorf("config: unknown engine %q (want %q or %q)", c.Engine, EngineExec, EngineAppServer)
	}
	switch c.EngineHomeMode {
	case HomeModeAgent, HomeModeShared:
	default:
		return fmt.Errorf("config: unknown engine home mode %q", c.EngineHomeMode)
	}
	switch c.OpusConsultMode {
	case ConsultModeGate, ConsultModeAdvisory:
	default:
		return fmt.Errorf("config: unknown consult mode %q", c.OpusConsultMode)
	}
	switch c.ScanPolicy {
	case "warn", "block":
	default:
		return fmt.Errorf("config: unknown scan policy %q", c.ScanPolicy)
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("config: engine_global_max_inflight must be >= 1, got %d", c.MaxInflight)
	}
	if c.TaskMaxRestarts < 0 {
		return fmt.Errorf("config: task_max_restarts must be >= 0, got %d", c.TaskMaxRestarts)
	}
	return nil
}
