package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/valua-ai/cockpit/internal/logging"
)

// Compile-time checks.
var (
	_ Engine        = (*AppServerEngine)(nil)
	_ ReviewStarter = (*AppServerEngine)(nil)
)

// App-server wire methods.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized"
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
	methodReviewStart   = "review/start"

	notifTurnStarted       = "turn/started"
	notifAgentMessageDelta = "item/agentMessage/delta"
	notifItemCompleted     = "item/completed"
	notifTurnCompleted     = "turn/completed"
)

// threadResult is the {thread:{id}} result of thread/start and
// thread/resume.
type threadResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// turnObject is the turn member of turn/start results and turn/*
// notifications.
type turnObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// turnEnvelope wraps a turn object.
type turnEnvelope struct {
	Turn turnObject `json:"turn"`
}

// itemCompletedParams is the params shape of item/completed.
type itemCompletedParams struct {
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// deltaParams is the params shape of item/agentMessage/delta.
type deltaParams struct {
	Delta string `json:"delta"`
}

// lockedBuffer is a mutex-guarded byte buffer. The os/exec stderr copier
// writes it from its own goroutine while RunTurn reads it mid-turn.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns a snapshot of the buffer contents.
func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// appServerProc is one live app-server subprocess plus its RPC client.
type appServerProc struct {
	cmd       *exec.Cmd
	client    *rpcClient
	stderr    lockedBuffer
	threadID  string // set by the once-per-process thread/start
	resumedID string // thread id rebound via thread/resume for the current task
}

// AppServerEngine drives one long-lived engine subprocess speaking
// newline-delimited JSON-RPC on stdio. With persistence enabled the process
// (and its thread) is reused across tasks; thread/resume is issued at most
// once per task, and only when the caller supplies an externally pinned
// thread id with persisted-resume enabled.
type AppServerEngine struct {
	bin             string
	persist         bool
	resumePersisted bool
	logger          *log.Logger

	mu   sync.Mutex
	proc *appServerProc
}

// NewAppServerEngine creates an app-server driver for the given binary.
func NewAppServerEngine(bin string, persist, resumePersisted bool) *AppServerEngine {
	return &AppServerEngine{
		bin:             bin,
		persist:         persist,
		resumePersisted: resumePersisted,
		logger:          logging.New("engine-app"),
	}
}

// Name returns "app-server".
func (e *AppServerEngine) Name() string { return "app-server" }

// Close terminates the persistent subprocess, if any.
func (e *AppServerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *AppServerEngine) stopLocked() error {
	if e.proc == nil {
		return nil
	}
	proc := e.proc
	e.proc = nil
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	_ = proc.cmd.Wait()
	return nil
}

// ensureProc starts the subprocess and performs the initialize handshake and
// the once-per-process thread/start. Reused when persistence is on.
func (e *AppServerEngine) ensureProc(ctx context.Context, opts TurnOpts) (*appServerProc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc != nil {
		select {
		case <-e.proc.client.Done():
			// Process died underneath us; restart.
			_ = e.stopLocked()
		default:
			return e.proc, nil
		}
	}

	cmd := exec.Command(e.bin, "app-server")
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	proc := &appServerProc{cmd: cmd}
	cmd.Stderr = &proc.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: starting %s app-server: %w", e.bin, err)
	}
	proc.client = newRPCClient(stdin, stdout)

	if err := proc.client.Call(ctx, methodInitialize, map[string]any{
		"clientInfo": map[string]string{"name": "cockpit"},
	}, nil); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := proc.client.Notify(methodInitialized, nil); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// thread/start exactly once per process lifetime.
	var tr threadResult
	if err := proc.client.Call(ctx, methodThreadStart, map[string]any{}, &tr); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	proc.threadID = tr.Thread.ID
	e.logger.Debug("app-server started", "thread", proc.threadID, "persist", e.persist)

	e.proc = proc
	return proc, nil
}

// RunTurn executes one turn on the (possibly reused) subprocess. Interrupt
// tokens translate to turn/interrupt; a turn the server reports as
// interrupted yields StatusInterrupted with no error.
func (e *AppServerEngine) RunTurn(ctx context.Context, opts TurnOpts) (*TurnResult, error) {
	start := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	proc, err := e.ensureProc(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !e.persist {
		defer func() {
			e.mu.Lock()
			_ = e.stopLocked()
			e.mu.Unlock()
		}()
	}

	threadID := proc.threadID
	// Rebind an externally pinned thread, at most once per task and only
	// when persisted-resume is opted in. Resume is a rebind, not a history
	// replay.
	if opts.ThreadID != "" && e.resumePersisted && proc.resumedID != opts.ThreadID {
		var tr threadResult
		if err := proc.client.Call(ctx, methodThreadResume, map[string]any{"threadId": opts.ThreadID}, &tr); err != nil {
			return nil, e.classify(proc, err)
		}
		proc.resumedID = opts.ThreadID
		if tr.Thread.ID != "" {
			threadID = tr.Thread.ID
		} else {
			threadID = opts.ThreadID
		}
	}

	result := &TurnResult{ThreadID: threadID}

	// The turn/start call returns the final turn object when the turn ends;
	// notifications stream progress (and the turn id for interrupts) in the
	// meantime.
	callDone := make(chan error, 1)
	var finalTurn turnEnvelope
	go func() {
		callDone <- proc.client.Call(ctx, methodTurnStart, map[string]any{
			"input":         opts.Prompt,
			"sandboxPolicy": opts.SandboxPolicy,
		}, &finalTurn)
	}()

	var (
		turnID           string
		interruptPending bool
		lastMsg          strings.Builder
		finalMsg         string
		turnStatus       string
	)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("engine: turn: %w", ctx.Err())

		case <-opts.Interrupt:
			// Keep draining until the server confirms the interruption. The
			// turn id arrives with turn/started; an interrupt fired before
			// that is held until the id is known.
			opts.Interrupt = nil
			if turnID == "" {
				interruptPending = true
				break
			}
			e.sendInterrupt(ctx, proc, turnID)

		case n := <-proc.client.Notifications:
			switch n.Method {
			case notifTurnStarted:
				var env turnEnvelope
				if json.Unmarshal(n.Params, &env) == nil {
					turnID = env.Turn.ID
				}
				if interruptPending && turnID != "" {
					interruptPending = false
					e.sendInterrupt(ctx, proc, turnID)
				}
			case notifAgentMessageDelta:
				var d deltaParams
				if json.Unmarshal(n.Params, &d) == nil {
					lastMsg.WriteString(d.Delta)
				}
			case notifItemCompleted:
				var p itemCompletedParams
				if json.Unmarshal(n.Params, &p) == nil && p.Item.Type == "agentMessage" {
					finalMsg = p.Item.Text
					lastMsg.Reset()
				}
			case notifTurnCompleted:
				var env turnEnvelope
				if json.Unmarshal(n.Params, &env) == nil {
					turnStatus = env.Turn.Status
				}
			}
			// Unknown notification methods are ignored.

		case err := <-callDone:
			if err != nil {
				return nil, e.classify(proc, err)
			}
			if finalTurn.Turn.ID != "" {
				turnID = finalTurn.Turn.ID
			}
			if turnStatus == "" {
				turnStatus = finalTurn.Turn.Status
			}

			result.TurnID = turnID
			result.Stderr = proc.stderr.String()
			result.Duration = time.Since(start)
			result.LastAgentMessage = finalMsg
			if result.LastAgentMessage == "" {
				result.LastAgentMessage = lastMsg.String()
			}

			switch turnStatus {
			case "interrupted":
				result.Status = StatusInterrupted
			case "failed":
				result.Status = StatusFailed
				return result, e.classify(proc, fmt.Errorf("engine: turn %s failed", turnID))
			default:
				result.Status = StatusCompleted
			}
			return result, nil
		}
	}
}

// sendInterrupt issues turn/interrupt for turnID. Failures are logged; the
// turn loop keeps draining until the server reports the outcome either way.
func (e *AppServerEngine) sendInterrupt(ctx context.Context, proc *appServerProc, turnID string) {
	if err := proc.client.Call(ctx, methodTurnInterrupt, map[string]any{"turnId": turnID}, nil); err != nil {
		e.logger.Warn("turn/interrupt failed", "turn", turnID, "err", err)
	}
}

// ReviewStart invokes the optional review/start verb for a review target.
func (e *AppServerEngine) ReviewStart(ctx context.Context, target string) error {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("engine: review/start: no app-server process")
	}
	return proc.client.Call(ctx, methodReviewStart, map[string]any{"target": target}, nil)
}

// classify upgrades raw errors using stderr and error-message markers so
// callers can route rate limits and home desyncs.
func (e *AppServerEngine) classify(proc *appServerProc, err error) error {
	combined := err.Error() + "\n" + proc.stderr.String()
	switch {
	case IsRateLimitOutput(combined):
		return fmt.Errorf("engine: %v: %w", err, ErrRateLimited)
	case IsDesyncOutput(combined):
		return fmt.Errorf("engine: %v: %w", err, ErrHomeDesync)
	}
	return err
}
