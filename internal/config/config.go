// Package config gathers the cockpit's per-process configuration into one
// immutable value built at worker startup. Sources, in increasing
// precedence: built-in defaults, an optional cockpit.toml file, the
// AGENTIC_* / ENGINE_* / OPUS_* environment toggles, then CLI flags (applied
// by the cli package). All components receive the resulting Config
// explicitly; nothing reads the environment after startup.
package config

import "time"

// Engine kinds selectable via AGENTIC_ENGINE.
const (
	EngineExec      = "exec"
	EngineAppServer = "app-server"
)

// Engine home modes selectable via AGENTIC_ENGINE_HOME_MODE.
const (
	HomeModeAgent  = "agent"
	HomeModeShared = "shared"
)

// Consult modes selectable via OPUS_CONSULT_MODE.
const (
	ConsultModeGate     = "gate"
	ConsultModeAdvisory = "advisory"
)

// GateToggles enables individual runtime gates, optionally restricted to a
// set of signal kinds. An empty Kinds list means the gate's own default
// eligibility applies.
type GateToggles struct {
	Opus               bool     `toml:"opus"`
	OpusKinds          []string `toml:"opus_kinds"`
	OpusPostReview     bool     `toml:"opus_post_review"`
	Delegate           bool     `toml:"delegate"`
	DelegateKinds      []string `toml:"delegate_kinds"`
	ObserverDrain      bool     `toml:"observer_drain"`
	ObserverDrainKinds []string `toml:"observer_drain_kinds"`
	CodeQuality        bool     `toml:"code_quality"`
	CodeQualityKinds   []string `toml:"code_quality_kinds"`
	Skillops           bool     `toml:"skillops"`
	SkillopsKinds      []string `toml:"skillops_kinds"`
}

// Config is the immutable per-process configuration value.
type Config struct {
	// Engine selection and binary.
	Engine    string `toml:"engine"`
	EngineBin string `toml:"engine_bin"`

	// Engine home partitioning: "agent" isolates credential/history state
	// per agent under state/engine-home/<agent>; "shared" uses the ambient
	// home.
	EngineHomeMode string `toml:"engine_home_mode"`

	// App-server process reuse across tasks, and whether an externally
	// pinned thread id is resumed on the persistent process.
	AppServerPersist         bool `toml:"app_server_persist"`
	AppServerResumePersisted bool `toml:"app_server_resume_persisted"`

	// AutopilotRotateTurns rotates the autopilot's root-scoped engine
	// thread after this many turns. 0 disables rotation.
	AutopilotRotateTurns int `toml:"autopilot_session_rotate_turns"`

	// Gates toggles the runtime gate chain.
	Gates GateToggles `toml:"gates"`

	// OpusConsultMode: "gate" blocks on consult dispatch failure,
	// "advisory" degrades to a synthesized warn response.
	OpusConsultMode string `toml:"opus_consult_mode"`

	// OpusGateTimeout bounds the wait for a consult response packet.
	OpusGateTimeout time.Duration `toml:"-"`

	// Engine concurrency and retry schedule.
	MaxInflight  int           `toml:"engine_global_max_inflight"`
	ExecTimeout  time.Duration `toml:"-"`
	RetryBase    time.Duration `toml:"-"`
	RetryMax     time.Duration `toml:"-"`
	RetryJitter  time.Duration `toml:"-"`
	RateLimitMin time.Duration `toml:"-"`

	// Task-update watcher poll interval and per-task restart bound.
	TaskUpdatePoll  time.Duration `toml:"-"`
	TaskMaxRestarts int           `toml:"task_max_restarts"`

	// CommitVerifyRemotes lists the git remotes considered canonical when
	// verifying commit shas.
	CommitVerifyRemotes []string `toml:"commit_verify_remotes"`

	// ScanPolicy is the suspicious-content policy: "warn" or "block".
	ScanPolicy string `toml:"scan_policy"`

	// Git preflight behavior on EXECUTE tasks.
	GitPreflightEnforce bool `toml:"git_preflight_enforce"`
	GitAutoClean        bool `toml:"git_auto_clean"`

	// StaleSlot is the age past which a semaphore lease with a dead or
	// foreign pid is reclaimed.
	StaleSlot time.Duration `toml:"-"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Engine:               EngineExec,
		EngineBin:            "engine",
		EngineHomeMode:       HomeModeAgent,
		AutopilotRotateTurns: 0,
		Gates: GateToggles{
			ObserverDrain: true,
		},
		OpusConsultMode: ConsultModeGate,
		OpusGateTimeout: 10 * time.Minute,
		MaxInflight:     2,
		ExecTimeout:     30 * time.Minute,
		RetryBase:       2 * time.Second,
		RetryMax:        2 * time.Minute,
		RetryJitter:     500 * time.Millisecond,
		RateLimitMin:    5 * time.Second,
		TaskUpdatePoll:  200 * time.Millisecond,
		TaskMaxRestarts: 8,
		ScanPolicy:      "warn",
		GitAutoClean:    false,
		StaleSlot:       15 * time.Minute,
	}
}
