package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/valua-ai/cockpit/internal/logging"
)

// Compile-time check that ExecEngine implements Engine.
var _ Engine = (*ExecEngine)(nil)

// reSessionID matches the "session id: <id>" marker the exec engine prints
// on stderr. The id is captured as the thread id for pinning.
var reSessionID = regexp.MustCompile(`(?i)session id:\s*([A-Za-z0-9._-]+)`)

// execOutput is the JSON document the engine writes to its -o path on
// completion.
type execOutput struct {
	ThreadID         string `json:"threadId,omitempty"`
	Status           string `json:"status,omitempty"`
	LastAgentMessage string `json:"lastAgentMessage"`
}

// ExecEngine runs one engine subprocess per turn:
//
//	<bin> exec [--resume <threadId>] [-o <outPath>] [--sandbox <policy>]
//	           [--add-dir <path>]... [--config k=v]... < prompt-on-stdin
//
// The structured result is read from the -o file; the thread id comes from
// the stderr session-id marker (or the result file when present).
type ExecEngine struct {
	bin    string
	logger *log.Logger
}

// NewExecEngine creates an exec driver for the given engine binary.
func NewExecEngine(bin string) *ExecEngine {
	return &ExecEngine{bin: bin, logger: logging.New("engine-exec")}
}

// Name returns "exec".
func (e *ExecEngine) Name() string { return "exec" }

// Close is a no-op; the exec driver holds no persistent resources.
func (e *ExecEngine) Close() error { return nil }

// RunTurn executes one subprocess turn. The interrupt token sends SIGTERM to
// the subprocess and reports StatusInterrupted; rate-limit and desync
// markers in stderr surface as wrapped ErrRateLimited / ErrHomeDesync.
func (e *ExecEngine) RunTurn(ctx context.Context, opts TurnOpts) (*TurnResult, error) {
	start := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	outPath := filepath.Join(os.TempDir(), "cockpit-engine-out-"+uuid.NewString()+".json")
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, e.bin, e.buildArgs(opts, outPath)...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdin = strings.NewReader(opts.Prompt)

	var stdoutBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: creating stderr pipe: %w", err)
	}

	// Tee stderr: capture everything while scanning line-wise for the
	// session-id marker.
	var (
		stderrBuf bytes.Buffer
		threadID  string
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(io.TeeReader(stderrPipe, &stderrBuf))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if m := reSessionID.FindStringSubmatch(scanner.Text()); len(m) == 2 {
				threadID = m[1]
			}
		}
	}()

	if err := cmd.Start(); err != nil {
		wg.Wait()
		return nil, fmt.Errorf("engine: starting %s: %w", e.bin, err)
	}

	// Interrupt watcher: translate the token into SIGTERM. The done channel
	// stops the goroutine when the turn ends on its own.
	done := make(chan struct{})
	interrupted := false
	var interruptMu sync.Mutex
	go func() {
		select {
		case <-done:
		case <-opts.Interrupt:
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)
	duration := time.Since(start)

	interruptMu.Lock()
	wasInterrupted := interrupted
	interruptMu.Unlock()

	stderr := stderrBuf.String()
	result := &TurnResult{
		ThreadID: threadID,
		Status:   StatusCompleted,
		Stderr:   stderr,
		Duration: duration,
	}

	if wasInterrupted {
		result.Status = StatusInterrupted
		return result, nil
	}

	combined := stderr + stdoutBuf.String()
	switch {
	case IsRateLimitOutput(combined):
		result.Status = StatusFailed
		return result, fmt.Errorf("engine: %s: %w", firstLine(combined), ErrRateLimited)
	case IsDesyncOutput(combined):
		result.Status = StatusFailed
		return result, fmt.Errorf("engine: %s: %w", firstLine(combined), ErrHomeDesync)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.Status = StatusFailed
			return result, fmt.Errorf("engine: exit code %d: %s", exitErr.ExitCode(), firstLine(stderr))
		}
		return nil, fmt.Errorf("engine: waiting for %s: %w", e.bin, waitErr)
	}

	out, err := readExecOutput(outPath)
	if err != nil {
		result.Status = StatusFailed
		return result, err
	}
	result.LastAgentMessage = out.LastAgentMessage
	if out.ThreadID != "" {
		result.ThreadID = out.ThreadID
	}
	e.logger.Debug("turn completed", "thread", result.ThreadID, "duration", duration)
	return result, nil
}

// buildArgs constructs the exec command line. Config keys are sorted so the
// argument order is deterministic.
func (e *ExecEngine) buildArgs(opts TurnOpts, outPath string) []string {
	args := []string{"exec"}
	if opts.ThreadID != "" {
		args = append(args, "--resume", opts.ThreadID)
	}
	args = append(args, "-o", outPath)
	if opts.SandboxPolicy != "" {
		args = append(args, "--sandbox", opts.SandboxPolicy)
	}
	for _, dir := range opts.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	keys := make([]string, 0, len(opts.Config))
	for k := range opts.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--config", k+"="+opts.Config[k])
	}
	return args
}

// readExecOutput parses the engine's -o result file.
func readExecOutput(path string) (*execOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: reading result file: %w", err)
	}
	var out execOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("engine: decoding result file: %w", err)
	}
	return &out, nil
}

// firstLine returns the first non-empty line of s, truncated for log use.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if len(line) > 200 {
				line = line[:200]
			}
			return line
		}
	}
	return ""
}
