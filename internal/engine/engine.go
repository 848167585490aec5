// Package engine drives the external LLM coding tool behind a single
// interface with two implementations: a single-shot "exec" driver that runs
// one subprocess per task, and a persistent "app-server" driver speaking
// newline-delimited JSON-RPC on stdio.
//
// Both drivers share the surrounding machinery: thread pinning for
// conversation continuity, per-agent isolated engine homes, git credential
// injection, sandbox policies, and rate-limit classification. Mid-turn
// interruption is modeled as a cancellation token (TurnOpts.Interrupt): the
// task-update watcher fires the token, and each driver translates it into
// its engine's interrupt verb (SIGTERM for exec, turn/interrupt for
// app-server).
package engine

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Sandbox policies passed to the engine.
const (
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "dangerFullAccess"
)

// TurnStatus is the terminal state of a turn.
type TurnStatus string

const (
	StatusCompleted   TurnStatus = "completed"
	StatusInterrupted TurnStatus = "interrupted"
	StatusFailed      TurnStatus = "failed"
)

// ErrRateLimited is returned (wrapped) when the engine reports an RPM/TPM
// limit. Callers translate it into a domain cooldown plus backoff.
var ErrRateLimited = errors.New("engine rate limited")

// ErrHomeDesync is returned when the engine reports a rollout-index desync;
// the home manager repairs the engine home once per process and the caller
// retries.
var ErrHomeDesync = errors.New("engine home desync")

// reRateLimit matches RPM/TPM and generic rate-limit phrasing in engine
// stderr or JSON-RPC error messages.
var reRateLimit = regexp.MustCompile(`(?i)(rate.?limit|too many requests|\bRPM\b|\bTPM\b|429)`)

// reDesync matches the rollout-index desync marker in engine stderr.
var reDesync = regexp.MustCompile(`(?i)rollout.index.*(desync|mismatch|corrupt)`)

// IsRateLimitOutput reports whether engine output carries a rate-limit
// signal.
func IsRateLimitOutput(output string) bool {
	return reRateLimit.MatchString(output)
}

// IsDesyncOutput reports whether engine output carries a rollout-index
// desync signal.
func IsDesyncOutput(output string) bool {
	return reDesync.MatchString(output)
}

// TurnOpts configures a single engine turn.
type TurnOpts struct {
	// Prompt is the assembled prompt text, fed on stdin (exec) or as turn
	// input (app-server).
	Prompt string

	// ThreadID resumes a prior engine conversation when non-empty.
	ThreadID string

	// SandboxPolicy is one of the Sandbox* constants.
	SandboxPolicy string

	// AddDirs lists extra writable directories for workspace-write
	// sandboxes (the bus state subtree, the isolated engine home).
	AddDirs []string

	// Config carries k=v engine configuration overrides.
	Config map[string]string

	// WorkDir is the agent's working directory.
	WorkDir string

	// Env is appended to the subprocess environment (credential overrides,
	// isolated HOME).
	Env []string

	// Interrupt, when it fires, aborts the in-flight turn via the engine's
	// interrupt verb. The driver reports StatusInterrupted rather than an
	// error so the caller can restart the turn on the same thread.
	Interrupt <-chan struct{}

	// Timeout bounds the turn wall-clock; zero means no per-turn limit
	// beyond ctx.
	Timeout time.Duration
}

// TurnResult captures the outcome of one engine turn.
type TurnResult struct {
	// ThreadID is the engine conversation id observed for this turn.
	ThreadID string

	// TurnID identifies the turn within the thread (app-server only).
	TurnID string

	// Status is the turn's terminal state.
	Status TurnStatus

	// LastAgentMessage is the final agent message text, which workers parse
	// against the task's output contract.
	LastAgentMessage string

	// Stderr is the captured engine stderr (exec) or error text
	// (app-server), used for rate-limit and desync classification.
	Stderr string

	// Duration is the turn wall-clock time.
	Duration time.Duration
}

// Engine abstracts the two drivers.
type Engine interface {
	// Name identifies the driver ("exec" or "app-server").
	Name() string

	// RunTurn executes one turn. Interruption via opts.Interrupt yields a
	// result with StatusInterrupted, not an error.
	RunTurn(ctx context.Context, opts TurnOpts) (*TurnResult, error)

	// Close releases any persistent resources (the app-server subprocess).
	Close() error
}

// ReviewStarter is implemented by engines that support a dedicated built-in
// review verb. The review gate calls ReviewStart once per target commit;
// engines without the verb fall back to a regular turn.
type ReviewStarter interface {
	ReviewStart(ctx context.Context, target string) error
}
