// Package worker implements the per-agent worker process: claim a task,
// drive an engine turn under the gate chain, dispatch follow-ups, and close
// the task with a durable receipt.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/config"
	"github.com/valua-ai/cockpit/internal/consult"
	"github.com/valua-ai/cockpit/internal/dispatch"
	"github.com/valua-ai/cockpit/internal/engine"
	"github.com/valua-ai/cockpit/internal/gate"
	"github.com/valua-ai/cockpit/internal/jsonutil"
	"github.com/valua-ai/cockpit/internal/lease"
	"github.com/valua-ai/cockpit/internal/logging"
	"github.com/valua-ai/cockpit/internal/prompt"
	"github.com/valua-ai/cockpit/internal/roster"
	"github.com/valua-ai/cockpit/internal/schema"
	"github.com/valua-ai/cockpit/internal/watch"
)

// ErrGuardrail is returned when the guard binary blocked a protected action
// during the turn. The CLI maps it to exit code 49.
var ErrGuardrail = errors.New("guardrail blocked a protected action")

// reGuardrail matches the guard binary's block marker in engine stderr.
var reGuardrail = regexp.MustCompile(`(?i)guardrail[: ].*(blocked|denied)`)

// engineDomain is the semaphore and cooldown domain for engine turns.
const engineDomain = "engine"

// Options configures a Worker.
type Options struct {
	Store  *bus.Store
	Roster *roster.Roster
	Agent  roster.Agent
	Config *config.Config

	// Engine overrides the driver built from Config; tests use this.
	Engine engine.Engine

	// SkillsRoot is the directory holding skill content; empty disables
	// skill loading.
	SkillsRoot string

	// Poll overrides the inbox poll interval.
	Poll time.Duration
}

// Worker is one agent's task-processing loop.
type Worker struct {
	store       *bus.Store
	rost        *roster.Roster
	agent       roster.Agent
	cfg         *config.Config
	eng         engine.Engine
	invoker     *engine.Invoker
	pinner      *engine.Pinner
	home        *engine.HomeManager
	warm        *prompt.WarmStore
	skills      *prompt.SkillSet
	dispatcher  *dispatch.Dispatcher
	sem         *lease.Semaphore
	slots       *slotHolder
	poll        time.Duration
	isAutopilot bool
	logger      *log.Logger
}

// New builds a Worker from options. The engine driver, isolated home, thread
// pinner, semaphore, and skill set are wired here.
func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	stateDir := opts.Store.StateDir()

	eng := opts.Engine
	if eng == nil {
		switch cfg.Engine {
		case config.EngineAppServer:
			eng = engine.NewAppServerEngine(cfg.EngineBin, cfg.AppServerPersist, cfg.AppServerResumePersisted)
		default:
			eng = engine.NewExecEngine(cfg.EngineBin)
		}
	}

	var home *engine.HomeManager
	if cfg.EngineHomeMode == config.HomeModeAgent {
		home = engine.NewHomeManager(stateDir, opts.Agent.Name, sourceHome())
		if err := home.Ensure(); err != nil {
			return nil, err
		}
	}

	isAutopilot := opts.Roster.IsAutopilot(opts.Agent.Name)
	pins := engine.NewPinStore(stateDir)

	var skills *prompt.SkillSet
	if opts.SkillsRoot != "" && len(opts.Agent.Skills) > 0 {
		loaded, err := prompt.LoadSkills(opts.SkillsRoot, opts.Agent.Skills)
		if err != nil {
			return nil, err
		}
		skills = loaded
	}

	poll := opts.Poll
	if poll <= 0 {
		poll = cfg.TaskUpdatePoll
	}

	sem := lease.NewSemaphore(stateDir, engineDomain, cfg.MaxInflight, cfg.StaleSlot)
	slots := &slotHolder{sem: sem, agent: opts.Agent.Name}

	return &Worker{
		store:  opts.Store,
		rost:   opts.Roster,
		agent:  opts.Agent,
		cfg:    cfg,
		eng:    eng,
		home:   home,
		pinner: engine.NewPinner(pins, opts.Agent.Name, isAutopilot, cfg.AutopilotRotateTurns),
		warm:   prompt.NewWarmStore(stateDir),
		skills: skills,
		invoker: engine.NewInvoker(eng, home, stateDir, engineDomain, opts.Agent.Name, engine.InvokerOpts{
			RetryBase:    cfg.RetryBase,
			RetryMax:     cfg.RetryMax,
			RetryJitter:  cfg.RetryJitter,
			RateLimitMin: cfg.RateLimitMin,
			Capacity:     slots,
		}),
		dispatcher:  dispatch.New(opts.Store),
		sem:         sem,
		slots:       slots,
		poll:        poll,
		isAutopilot: isAutopilot,
		logger:      logging.New("worker." + opts.Agent.Name),
	}, nil
}

// Run processes tasks until ctx is done. With once set it processes exactly
// one task and returns. Startup reconciles any packets stranded by a prior
// crash.
func (w *Worker) Run(ctx context.Context, once bool) error {
	requeued, err := w.store.Reconcile(w.agent.Name)
	if err != nil {
		return fmt.Errorf("worker: reconcile: %w", err)
	}
	if len(requeued) > 0 {
		w.logger.Info("requeued stranded tasks", "count", len(requeued), "ids", requeued)
	}
	defer w.eng.Close()

	for {
		processed, err := w.runOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if processed && once {
			return nil
		}
		if !processed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.poll):
			}
		}
	}
}

// runOne claims and processes at most one task. It holds an engine semaphore
// slot for the duration of processing.
func (w *Worker) runOne(ctx context.Context) (bool, error) {
	refs, err := w.store.ListNew(w.agent.Name)
	if err != nil {
		return false, err
	}
	if len(refs) == 0 {
		return false, nil
	}

	slot, err := w.sem.Acquire(ctx, w.agent.Name)
	if err != nil {
		return false, err
	}
	w.slots.set(slot)
	defer w.slots.Release()

	for _, ref := range refs {
		if err := w.store.Claim(w.agent.Name, ref.ID); err != nil {
			if errors.Is(err, bus.ErrAlreadyClaimed) || errors.Is(err, bus.ErrNotFound) {
				continue
			}
			return false, err
		}
		return true, w.processTask(ctx, ref.ID)
	}
	return false, nil
}

// processTask drives one claimed task through the gates, the engine, and
// closure. Every exit path closes the task.
func (w *Worker) processTask(ctx context.Context, id string) error {
	task, _, err := w.store.Open(w.agent.Name, id, false)
	if err != nil {
		return err
	}
	w.logger.Info("processing task",
		"id", id, "kind", task.Meta.Signals.Kind, "from", task.Meta.From, "priority", task.Meta.Priority)

	run := gate.NewRun(task, w.agent, w.store, w.cfg, w.isAutopilot)

	// Pre-turn gates: git preflight, then the pre-exec consult barrier.
	preChain := gate.NewChain(
		gate.GitPreflight{},
		gate.ConsultGate{Barrier: w.barrier(), Mode: consult.ModePreExec},
	)
	if name, rec, err := preChain.Evaluate(ctx, run); err != nil {
		return w.closeFailed(id, run, fmt.Sprintf("gate %s infrastructure failure: %v", name, err))
	} else if rec != nil {
		return w.closeBlocked(id, run, rec.ReasonCode)
	}

	out, turnErr := w.turnWithValidation(ctx, task, run)
	if turnErr != nil {
		switch {
		case errors.Is(turnErr, ErrGuardrail):
			if err := w.closeBlocked(id, run, "guardrail_violation"); err != nil {
				return err
			}
			return ErrGuardrail
		case errors.Is(turnErr, schema.ErrSchemaInvalid):
			return w.closeBlocked(id, run, "schema_invalid")
		default:
			return w.closeFailed(id, run, turnErr.Error())
		}
	}
	run.Output = out

	// Post-turn gates in spec order.
	postChain := gate.NewChain(
		gate.ReviewGate{Runner: &reviewRunner{w: w, task: task}},
		gate.CodeQualityGate{Script: gate.RunQualityScript("")},
		gate.SkillEvidenceGate{},
		gate.ObserverDrainGate{},
		gate.DelegateGate{},
		gate.ConsultGate{Barrier: w.barrier(), Mode: consult.ModePostReview},
	)
	outcome := out.Outcome
	reason := ""
	for pass := 0; ; pass++ {
		name, rec, cerr := postChain.Evaluate(ctx, run)
		if cerr != nil {
			return w.closeFailed(id, run, fmt.Sprintf("gate %s infrastructure failure: %v", name, cerr))
		}
		if rec == nil {
			break
		}
		// A blocking gate that left a retry patch grants one remediation
		// turn; the chain is re-evaluated against the new output.
		if run.RetryPatch != "" && pass == 0 {
			w.logger.Info("gate granted a remediation retry; rerunning turn",
				"task", id, "gate", name, "reason", rec.ReasonCode)
			retryOut, terr := w.turnWithValidation(ctx, task, run)
			run.RetryPatch = ""
			if terr == nil {
				out = retryOut
				run.Output = retryOut
				outcome = out.Outcome
				continue
			}
			w.logger.Warn("remediation retry failed", "task", id, "err", terr)
		}
		outcome = bus.OutcomeBlocked
		reason = rec.ReasonCode
		break
	}

	// Follow-ups, with blocked-outcome suppression applied to the effective
	// outcome.
	outForDispatch := *out
	outForDispatch.Outcome = outcome
	dres, derr := w.dispatcher.Dispatch(task, &outForDispatch, w.agent.Name, w.isAutopilot)
	if derr != nil {
		w.logger.Error("follow-up dispatch failed", "task", id, "err", derr)
	}

	extra := run.Records()
	receiptExtra := map[string]any{"runtimeGuard": extra}
	for k, v := range dres.ReceiptExtra() {
		receiptExtra[k] = v
	}

	note := out.Note
	if reason != "" {
		note = strings.TrimSpace(note + "\nblocked by gate: " + reason)
	}
	_, err = w.store.Close(w.agent.Name, id, bus.Closure{
		Outcome:      outcome,
		Note:         note,
		CommitSha:    out.CommitSha,
		ReceiptExtra: receiptExtra,
	})
	return err
}

// turnWithValidation runs the engine turn loop: interrupt-driven restarts on
// task updates, then output parsing with one schema retry.
func (w *Worker) turnWithValidation(ctx context.Context, task *bus.Packet, run *gate.Run) (*schema.Output, error) {
	retryPatch := run.RetryPatch
	updateOnly := ""
	restarts := 0
	schemaRetries := 0
	threadID := w.pinner.Resolve(task.Meta.Signals.RootID)

	for {
		result, err := w.runTurn(ctx, task, threadID, retryPatch, updateOnly)
		if err != nil {
			return nil, err
		}
		if result.ThreadID != "" {
			threadID = result.ThreadID
			if err := w.pinner.Refresh(task.Meta.Signals.RootID, threadID); err != nil {
				w.logger.Warn("failed to refresh thread pin", "err", err)
			}
		}
		if reGuardrail.MatchString(result.Stderr) {
			return nil, ErrGuardrail
		}

		if result.Status == engine.StatusInterrupted {
			restarts++
			if restarts > w.cfg.TaskMaxRestarts {
				return nil, fmt.Errorf("task %s exceeded %d restarts", task.Meta.ID, w.cfg.TaskMaxRestarts)
			}
			// Re-read the packet and resume on the same thread with only the
			// newest update block.
			updated, _, err := w.store.Open(w.agent.Name, task.Meta.ID, false)
			if err != nil {
				return nil, err
			}
			*task = *updated
			updateOnly = prompt.LatestUpdateBlock(task.Body)
			w.logger.Info("task updated mid-turn; restarting", "id", task.Meta.ID, "restart", restarts)
			continue
		}

		out, perr := schema.Parse(result.LastAgentMessage)
		if perr != nil {
			schemaRetries++
			if schemaRetries > 1 {
				return nil, perr
			}
			var verr *schema.ValidationError
			if errors.As(perr, &verr) {
				retryPatch = verr.RetryPatch()
			} else {
				retryPatch = "Respond with the complete JSON output document."
			}
			w.logger.Warn("output failed validation; retrying once", "id", task.Meta.ID, "err", perr)
			continue
		}
		return out, nil
	}
}

// runTurn assembles the prompt, opens the update watcher, and executes one
// engine turn through the retrying invoker.
func (w *Worker) runTurn(ctx context.Context, task *bus.Packet, threadID, retryPatch, updateOnly string) (*engine.TurnResult, error) {
	elide := w.warm.CanElide(w.agent.Name, w.skills) && threadID != ""
	openTasks, _ := w.store.ListNew(w.agent.Name)
	assembly := prompt.Build(prompt.BuildInput{
		Agent:       w.agent.Name,
		Role:        w.agent.Role,
		Task:        task,
		OpenTasks:   openTasks,
		Skills:      w.skills,
		ElideSkills: elide,
		RetryPatch:  retryPatch,
		UpdateOnly:  updateOnly,
		Contract:    OutputContract,
	})

	watcher, err := watch.New(ctx, w.store.PacketPath(w.agent.Name, bus.StateInProgress, task.Meta.ID), w.cfg.TaskUpdatePoll)
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	opts := engine.TurnOpts{
		Prompt:        assembly.Render(),
		ThreadID:      threadID,
		SandboxPolicy: w.sandboxPolicy(),
		AddDirs:       []string{w.store.StateDir()},
		WorkDir:       w.agent.Workdir,
		Interrupt:     watcher.Changed(),
		Timeout:       w.cfg.ExecTimeout,
	}
	if w.home != nil {
		opts.Env = append(opts.Env, w.home.Env()...)
		opts.AddDirs = append(opts.AddDirs, w.home.Dir())
	}
	opts.Env = append(opts.Env, engine.CredentialEnv(w.store.StateDir())...)

	result, err := w.invoker.Invoke(ctx, opts)
	if err != nil {
		return nil, err
	}
	if result.Status == engine.StatusCompleted && !elide && w.skills != nil {
		if err := w.warm.Record(w.agent.Name, w.skills.Fingerprint()); err != nil {
			w.logger.Warn("failed to record warm start", "err", err)
		}
	}
	return result, nil
}

// sandboxPolicy returns the engine sandbox for this agent: the autopilot runs
// unsandboxed, workers get workspace-write.
func (w *Worker) sandboxPolicy() string {
	if w.isAutopilot {
		return engine.SandboxDangerFullAccess
	}
	return engine.SandboxWorkspaceWrite
}

// barrier builds the consult barrier targeting the autopilot agent.
func (w *Worker) barrier() *consult.Barrier {
	return consult.NewBarrier(w.store, w.agent.Name, w.rost.Autopilot(), w.cfg.OpusGateTimeout)
}

// closeBlocked closes the task blocked with the gate records collected so
// far.
func (w *Worker) closeBlocked(id string, run *gate.Run, reason string) error {
	_, err := w.store.Close(w.agent.Name, id, bus.Closure{
		Outcome:      bus.OutcomeBlocked,
		Note:         "blocked: " + reason,
		ReceiptExtra: map[string]any{"runtimeGuard": run.Records()},
	})
	return err
}

// closeFailed closes the task failed after an infrastructure error.
func (w *Worker) closeFailed(id string, run *gate.Run, note string) error {
	_, err := w.store.Close(w.agent.Name, id, bus.Closure{
		Outcome:      bus.OutcomeFailed,
		Note:         note,
		ReceiptExtra: map[string]any{"runtimeGuard": run.Records()},
	})
	return err
}

// slotHolder tracks the semaphore slot held for the current task and lets the
// invoker hand it back while sitting out a domain cooldown.
type slotHolder struct {
	sem   *lease.Semaphore
	agent string

	mu   sync.Mutex
	slot *lease.Slot
}

// set installs the slot held for the task now being processed.
func (h *slotHolder) set(slot *lease.Slot) {
	h.mu.Lock()
	h.slot = slot
	h.mu.Unlock()
}

// Release implements engine.CapacityHolder.
func (h *slotHolder) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		h.slot.Release()
		h.slot = nil
	}
}

// Reacquire implements engine.CapacityHolder.
func (h *slotHolder) Reacquire(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		return nil
	}
	slot, err := h.sem.Acquire(ctx, h.agent)
	if err != nil {
		return err
	}
	h.slot = slot
	return nil
}

// sourceHome returns the ambient home directory used to seed isolated engine
// homes.
func sourceHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// reviewRunner runs built-in review turns through the worker's engine.
type reviewRunner struct {
	w    *Worker
	task *bus.Packet
}

// RunReview implements gate.ReviewRunner: invoke the engine's review verb
// when available, then run a review turn and parse its review block.
func (r *reviewRunner) RunReview(ctx context.Context, target, retryPatch string) (*schema.Review, error) {
	if rs, ok := r.w.eng.(engine.ReviewStarter); ok {
		if err := rs.ReviewStart(ctx, target); err != nil {
			r.w.logger.Warn("review/start failed; falling back to review turn", "target", target, "err", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run a built-in review of commit %s for task %s.\n", target, r.task.Meta.ID)
	b.WriteString("Write the review artifact under artifacts/reviews/ and respond with a JSON object containing a single \"review\" key matching the review evidence schema.\n")
	if retryPatch != "" {
		b.WriteString("\n## RETRY REQUIREMENT\n\n")
		b.WriteString(retryPatch)
	}

	threadID := r.w.pinner.Resolve(r.task.Meta.Signals.RootID)
	result, err := r.w.invoker.Invoke(ctx, engine.TurnOpts{
		Prompt:        b.String(),
		ThreadID:      threadID,
		SandboxPolicy: r.w.sandboxPolicy(),
		WorkDir:       r.w.agent.Workdir,
		Timeout:       r.w.cfg.ExecTimeout,
	})
	if err != nil {
		return nil, err
	}

	var doc struct {
		Review *schema.Review `json:"review"`
	}
	raw, err := jsonutil.ExtractLast(result.LastAgentMessage)
	if err != nil {
		return nil, fmt.Errorf("review turn produced no JSON: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Review == nil {
		return nil, fmt.Errorf("review turn output has no review block")
	}
	return doc.Review, nil
}
