package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names. The AGENTIC_* family selects engines and
// gates; the ENGINE_* and OPUS_* families tune timing.
const (
	EnvEngine                = "AGENTIC_ENGINE"
	EnvEngineHomeMode        = "AGENTIC_ENGINE_HOME_MODE"
	EnvAppServerPersist      = "AGENTIC_APP_SERVER_PERSIST"
	EnvAppServerResume       = "AGENTIC_APP_SERVER_RESUME_PERSISTED"
	EnvAutopilotRotateTurns  = "AGENTIC_AUTOPILOT_SESSION_ROTATE_TURNS"
	EnvOpusGate              = "AGENTIC_OPUS_GATE"
	EnvOpusGateKinds         = "AGENTIC_OPUS_GATE_KINDS"
	EnvOpusPostReview        = "AGENTIC_OPUS_POST_REVIEW"
	EnvDelegateGate          = "AGENTIC_DELEGATE_GATE"
	EnvDelegateGateKinds     = "AGENTIC_DELEGATE_GATE_KINDS"
	EnvObserverDrainGate     = "AGENTIC_OBSERVER_DRAIN_GATE"
	EnvObserverDrainKinds    = "AGENTIC_OBSERVER_DRAIN_GATE_KINDS"
	EnvCodeQualityGate       = "AGENTIC_CODE_QUALITY_GATE"
	EnvCodeQualityGateKinds  = "AGENTIC_CODE_QUALITY_GATE_KINDS"
	EnvSkillopsGate          = "AGENTIC_SKILLOPS_GATE"
	EnvSkillopsGateKinds     = "AGENTIC_SKILLOPS_GATE_KINDS"
	EnvOpusConsultMode       = "OPUS_CONSULT_MODE"
	EnvOpusGateTimeoutMs     = "OPUS_GATE_TIMEOUT_MS"
	EnvEngineMaxInflight     = "ENGINE_GLOBAL_MAX_INFLIGHT"
	EnvEngineExecTimeoutMs   = "ENGINE_EXEC_TIMEOUT_MS"
	EnvEngineRetryBaseMs     = "ENGINE_RETRY_BASE_MS"
	EnvEngineRetryMaxMs      = "ENGINE_RETRY_MAX_MS"
	EnvEngineRetryJitterMs   = "ENGINE_RETRY_JITTER_MS"
	EnvEngineRateLimitMinMs  = "ENGINE_RATE_LIMIT_MIN_MS"
	EnvTaskUpdatePollMs      = "TASK_UPDATE_POLL_MS"
	EnvTaskMaxRestarts       = "AGENTIC_TASK_MAX_RESTARTS"
	EnvCommitVerifyRemotes   = "COMMIT_VERIFY_REMOTES"
	EnvScanPolicy            = "AGENTIC_SCAN_POLICY"
	EnvGitPreflightEnforce   = "AGENTIC_GIT_PREFLIGHT_ENFORCE"
	EnvGitAutoClean          = "AGENTIC_GIT_AUTO_CLEAN"
	EnvSemaphoreStaleSlotMs  = "AGENTIC_SEMAPHORE_STALE_MS"
)

// applyEnv overlays environment toggles onto cfg. Unset variables leave the
// existing value; malformed numeric values are ignored rather than fatal,
// matching the tolerance expected of operator shells.
func applyEnv(cfg *Config) {
	setString(EnvEngine, &cfg.Engine)
	setString(EnvEngineHomeMode, &cfg.EngineHomeMode)
	setBool(EnvAppServerPersist, &cfg.AppServerPersist)
	setBool(EnvAppServerResume, &cfg.AppServerResumePersisted)
	setInt(EnvAutopilotRotateTurns, &cfg.AutopilotRotateTurns)

	setBool(EnvOpusGate, &cfg.Gates.Opus)
	setList(EnvOpusGateKinds, &cfg.Gates.OpusKinds)
	setBool(EnvOpusPostReview, &cfg.Gates.OpusPostReview)
	setBool(EnvDelegateGate, &cfg.Gates.Delegate)
	setList(EnvDelegateGateKinds, &cfg.Gates.DelegateKinds)
	setBool(EnvObserverDrainGate, &cfg.Gates.ObserverDrain)
	setList(EnvObserverDrainKinds, &cfg.Gates.ObserverDrainKinds)
	setBool(EnvCodeQualityGate, &cfg.Gates.CodeQuality)
	setList(EnvCodeQualityGateKinds, &cfg.Gates.CodeQualityKinds)
	setBool(EnvSkillopsGate, &cfg.Gates.Skillops)
	setList(EnvSkillopsGateKinds, &cfg.Gates.SkillopsKinds)

	setString(EnvOpusConsultMode, &cfg.OpusConsultMode)
	setDurationMs(EnvOpusGateTimeoutMs, &cfg.OpusGateTimeout)
	setInt(EnvEngineMaxInflight, &cfg.MaxInflight)
	setDurationMs(EnvEngineExecTimeoutMs, &cfg.ExecTimeout)
	setDurationMs(EnvEngineRetryBaseMs, &cfg.RetryBase)
	setDurationMs(EnvEngineRetryMaxMs, &cfg.RetryMax)
	setDurationMs(EnvEngineRetryJitterMs, &cfg.RetryJitter)
	setDurationMs(EnvEngineRateLimitMinMs, &cfg.RateLimitMin)
	setDurationMs(EnvTaskUpdatePollMs, &cfg.TaskUpdatePoll)
	setInt(EnvTaskMaxRestarts, &cfg.TaskMaxRestarts)
	setList(EnvCommitVerifyRemotes, &cfg.CommitVerifyRemotes)
	setString(EnvScanPolicy, &cfg.ScanPolicy)
	setBool(EnvGitPreflightEnforce, &cfg.GitPreflightEnforce)
	setBool(EnvGitAutoClean, &cfg.GitAutoClean)
	setDurationMs(EnvSemaphoreStaleSlotMs, &cfg.StaleSlot)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setBool accepts 1/0, true/false, yes/no, on/off (case-insensitive).
func setBool(key string, dst *bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setDurationMs(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// setList parses a comma-separated list, trimming whitespace and dropping
// empty items.
func setList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
