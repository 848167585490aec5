package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/config"
	"github.com/valua-ai/cockpit/internal/engine"
	"github.com/valua-ai/cockpit/internal/roster"
)

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	doc := `{
		"schemaVersion": 2,
		"agents": [
			{"name": "orchestrator", "role": "orchestrator", "workdir": "/tmp"},
			{"name": "chat", "role": "chat", "workdir": "/tmp"},
			{"name": "autopilot", "role": "autopilot", "workdir": "/tmp"},
			{"name": "navigator", "role": "worker", "workdir": "/tmp"},
			{"name": "frontend", "role": "worker", "workdir": "/tmp"}
		]
	}`
	r, err := roster.Parse([]byte(doc), roster.LoadOpts{})
	require.NoError(t, err)
	return r
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.EngineHomeMode = config.HomeModeShared
	cfg.Gates = config.GateToggles{} // gates off unless a test enables them
	cfg.TaskUpdatePoll = 20 * time.Millisecond
	cfg.RetryBase = 5 * time.Millisecond
	cfg.RetryMax = 20 * time.Millisecond
	cfg.RetryJitter = 0
	return &cfg
}

// scriptedEngine delegates each RunTurn to the next function in the script.
type scriptedEngine struct {
	turns []func(ctx context.Context, opts engine.TurnOpts) (*engine.TurnResult, error)
	calls atomic.Int32
}

func (s *scriptedEngine) Name() string { return "scripted" }
func (s *scriptedEngine) Close() error { return nil }

func (s *scriptedEngine) RunTurn(ctx context.Context, opts engine.TurnOpts) (*engine.TurnResult, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.turns) {
		return nil, assert.AnError
	}
	return s.turns[n](ctx, opts)
}

// outputJSON builds a contract-complete output document.
func outputJSON(t *testing.T, overrides map[string]any) string {
	t.Helper()
	doc := map[string]any{
		"outcome":       "done",
		"note":          "done the work",
		"commitSha":     "",
		"planMarkdown":  "",
		"filesToChange": []string{},
		"testsToRun":    []string{},
		"artifacts":     []string{},
		"riskNotes":     "",
		"rollbackPlan":  "",
		"followUps":     []any{},
		"review":        nil,
		"runtimeGuard":  nil,
	}
	for k, v := range overrides {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(data)
}

func completedTurn(message string) func(context.Context, engine.TurnOpts) (*engine.TurnResult, error) {
	return func(context.Context, engine.TurnOpts) (*engine.TurnResult, error) {
		return &engine.TurnResult{
			ThreadID:         "thr-1",
			Status:           engine.StatusCompleted,
			LastAgentMessage: message,
		}, nil
	}
}

func newTestWorker(t *testing.T, eng engine.Engine) (*Worker, *bus.Store) {
	t.Helper()
	rost := testRoster(t)
	store := bus.NewStore(t.TempDir(), rost)
	require.NoError(t, store.Ensure())

	agent, err := rost.Agent("navigator")
	require.NoError(t, err)
	agent.Workdir = t.TempDir()

	w, err := New(Options{
		Store:  store,
		Roster: rost,
		Agent:  agent,
		Config: testConfig(),
		Engine: eng,
		Poll:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return w, store
}

func deliverExecute(t *testing.T, store *bus.Store, id, body string) {
	t.Helper()
	_, err := store.Deliver(bus.Meta{
		ID:       id,
		To:       []string{"navigator"},
		From:     "orchestrator",
		Priority: "P1",
		Title:    "do the thing",
		Signals:  bus.Signals{Kind: bus.KindExecute, RootID: "root-1"},
	}, body)
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Worker lock
// ---------------------------------------------------------------------------

func TestLockSecondAcquireFails(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	lock, err := AcquireLock(stateDir, "navigator")
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireLock(stateDir, "navigator")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	lock.Release()
	relock, err := AcquireLock(stateDir, "navigator")
	require.NoError(t, err)
	relock.Release()
}

func TestLockReleaseRespectsForeignToken(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	first, err := AcquireLock(stateDir, "navigator")
	require.NoError(t, err)

	// Simulate a takeover: the file now belongs to someone else.
	first.Release()
	second, err := AcquireLock(stateDir, "navigator")
	require.NoError(t, err)

	first.Release() // stale handle must not remove the new owner's lock
	_, err = AcquireLock(stateDir, "navigator")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	second.Release()
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestWorkerHappyPath(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(outputJSON(t, nil)),
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "implement the importer\n")
	require.NoError(t, w.Run(context.Background(), true))

	assert.Equal(t, int32(1), eng.calls.Load())

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeDone, receipt.Outcome)
	assert.Contains(t, receipt.ReceiptExtra, "runtimeGuard")

	// Packet ended in processed/ and a TASK_COMPLETE digest reached the
	// orchestrator.
	state, err := store.Locate("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.StateProcessed, state)

	digests, err := store.ListNew("orchestrator")
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, bus.KindTaskComplete, digests[0].Kind)
}

func TestWorkerThreadPinRefreshed(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(outputJSON(t, nil)),
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	require.NoError(t, w.Run(context.Background(), true))

	pins := engine.NewPinStore(store.StateDir())
	assert.Equal(t, "thr-1", pins.GlobalPin("navigator"))
}

// ---------------------------------------------------------------------------
// Mid-task update: exactly two engine invocations
// ---------------------------------------------------------------------------

func TestWorkerMidTaskUpdateRestartsOnce(t *testing.T) {
	t.Parallel()

	var secondPrompt string
	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		func(_ context.Context, opts engine.TurnOpts) (*engine.TurnResult, error) {
			// Block until the watcher fires the interrupt token.
			select {
			case <-opts.Interrupt:
				return &engine.TurnResult{ThreadID: "thr-1", Status: engine.StatusInterrupted}, nil
			case <-time.After(5 * time.Second):
				return nil, assert.AnError
			}
		},
		func(_ context.Context, opts engine.TurnOpts) (*engine.TurnResult, error) {
			secondPrompt = opts.Prompt
			if opts.ThreadID != "thr-1" {
				return nil, assert.AnError
			}
			return &engine.TurnResult{ThreadID: "thr-1", Status: engine.StatusCompleted,
				LastAgentMessage: outputJSON(t, nil)}, nil
		},
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "original body\n")

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), true) }()

	// Wait until the turn (and its update watcher) is running, then update
	// the in-progress packet.
	require.Eventually(t, func() bool {
		state, err := store.Locate("navigator", "task-1")
		return err == nil && state == bus.StateInProgress && eng.calls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Update("navigator", "task-1", bus.UpdateOpts{
		From:   "chat",
		Append: "scope changed: also handle CSV input",
	}))

	require.NoError(t, <-done)
	assert.Equal(t, int32(2), eng.calls.Load())

	// The restart prompt carries only the newest update block, not the
	// original body.
	assert.Contains(t, secondPrompt, "### Update")
	assert.Contains(t, secondPrompt, "also handle CSV input")
	assert.NotContains(t, secondPrompt, "original body")

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeDone, receipt.Outcome)
}

// ---------------------------------------------------------------------------
// Schema retry
// ---------------------------------------------------------------------------

func TestWorkerSchemaRetrySucceeds(t *testing.T) {
	t.Parallel()

	var retryPrompt string
	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(`{"outcome":"done","note":"missing everything else"}`),
		func(_ context.Context, opts engine.TurnOpts) (*engine.TurnResult, error) {
			retryPrompt = opts.Prompt
			return &engine.TurnResult{Status: engine.StatusCompleted, LastAgentMessage: outputJSON(t, nil)}, nil
		},
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	require.NoError(t, w.Run(context.Background(), true))

	assert.Equal(t, int32(2), eng.calls.Load())
	assert.Contains(t, retryPrompt, "RETRY REQUIREMENT")

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeDone, receipt.Outcome)
}

func TestWorkerSecondSchemaFailureBlocks(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(`{"outcome":"done"}`),
		completedTurn(`still not valid at all`),
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	require.NoError(t, w.Run(context.Background(), true))

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeBlocked, receipt.Outcome)
	assert.Contains(t, receipt.Note, "schema_invalid")
}

// ---------------------------------------------------------------------------
// Blocked follow-up suppression (end to end)
// ---------------------------------------------------------------------------

func TestWorkerBlockedOutcomeSuppressesFollowUps(t *testing.T) {
	t.Parallel()

	out := outputJSON(t, map[string]any{
		"outcome": "blocked",
		"note":    "cannot reach the staging database",
		"followUps": []any{
			map[string]any{"to": []string{"chat"}, "title": "blocked", "body": "stuck",
				"signals": map[string]any{"kind": "STATUS"}},
			map[string]any{"to": []string{"frontend"}, "title": "next", "body": "later",
				"signals": map[string]any{"kind": "EXECUTE"}},
		},
	})
	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(out),
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	require.NoError(t, w.Run(context.Background(), true))

	chatRefs, err := store.ListNew("chat")
	require.NoError(t, err)
	assert.Len(t, chatRefs, 1)

	feRefs, err := store.ListNew("frontend")
	require.NoError(t, err)
	assert.Empty(t, feRefs)

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeBlocked, receipt.Outcome)
	assert.Equal(t, true, receipt.ReceiptExtra["followUpsSuppressed"])
	assert.Equal(t, float64(1), toFloat(receipt.ReceiptExtra["suppressedCount"]))
	assert.Equal(t, "blocked_outcome_non_autopilot", receipt.ReceiptExtra["reason"])
}

// toFloat normalizes ints decoded from JSON receipts.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return -1
	}
}

// ---------------------------------------------------------------------------
// Claim contention
// ---------------------------------------------------------------------------

func TestWorkerSkipsAlreadyClaimedTask(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(outputJSON(t, nil)),
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "first\n")
	deliverExecute(t, store, "task-2", "second\n")

	// Another worker already claimed task-1.
	require.NoError(t, store.Claim("navigator", "task-1"))

	require.NoError(t, w.Run(context.Background(), true))

	// task-2 was processed instead.
	assert.True(t, store.HasReceipt("navigator", "task-2"))
	assert.False(t, store.HasReceipt("navigator", "task-1"))
}

// ---------------------------------------------------------------------------
// Quality gate remediation retry
// ---------------------------------------------------------------------------

// newQualityGatedWorker builds a worker with the code-quality gate enabled.
func newQualityGatedWorker(t *testing.T, eng engine.Engine) (*Worker, *bus.Store) {
	t.Helper()
	rost := testRoster(t)
	store := bus.NewStore(t.TempDir(), rost)
	require.NoError(t, store.Ensure())

	agent, err := rost.Agent("navigator")
	require.NoError(t, err)
	agent.Workdir = t.TempDir()

	cfg := testConfig()
	cfg.Gates.CodeQuality = true

	w, err := New(Options{
		Store:  store,
		Roster: rost,
		Agent:  agent,
		Config: cfg,
		Engine: eng,
		Poll:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return w, store
}

func TestWorkerQualityGateRemediationRetry(t *testing.T) {
	t.Parallel()

	var retryPrompt string
	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		// First turn omits the qualityReview block, so the gate blocks with a
		// retry patch.
		completedTurn(outputJSON(t, nil)),
		func(_ context.Context, opts engine.TurnOpts) (*engine.TurnResult, error) {
			retryPrompt = opts.Prompt
			out := outputJSON(t, map[string]any{
				"qualityReview": map[string]any{
					"ran":     true,
					"checks":  map[string]any{"diff_volume": true, "duplication": true},
					"verdict": "pass",
					"notes":   "",
				},
			})
			return &engine.TurnResult{ThreadID: "thr-1", Status: engine.StatusCompleted,
				LastAgentMessage: out}, nil
		},
	}}
	w, store := newQualityGatedWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	require.NoError(t, w.Run(context.Background(), true))

	// The remediation turn ran and carried the gate's patch.
	assert.Equal(t, int32(2), eng.calls.Load())
	assert.Contains(t, retryPrompt, "RETRY REQUIREMENT")
	assert.Contains(t, retryPrompt, "qualityReview")

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeDone, receipt.Outcome)
}

func TestWorkerQualityGateBlocksAfterFailedRemediation(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		completedTurn(outputJSON(t, nil)),
		completedTurn(outputJSON(t, nil)), // remediation still has no qualityReview
	}}
	w, store := newQualityGatedWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	require.NoError(t, w.Run(context.Background(), true))

	assert.Equal(t, int32(2), eng.calls.Load())

	receipt, err := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeBlocked, receipt.Outcome)
	assert.Contains(t, receipt.Note, "quality_review_missing")
}

// ---------------------------------------------------------------------------
// Guardrail
// ---------------------------------------------------------------------------

func TestWorkerGuardrailViolation(t *testing.T) {
	t.Parallel()

	eng := &scriptedEngine{turns: []func(context.Context, engine.TurnOpts) (*engine.TurnResult, error){
		func(context.Context, engine.TurnOpts) (*engine.TurnResult, error) {
			return &engine.TurnResult{
				Status: engine.StatusCompleted,
				Stderr: "guardrail: blocked push to protected branch master",
			}, nil
		},
	}}
	w, store := newTestWorker(t, eng)

	deliverExecute(t, store, "task-1", "body\n")
	err := w.Run(context.Background(), true)
	require.ErrorIs(t, err, ErrGuardrail)

	receipt, rerr := store.ReadReceipt("navigator", "task-1")
	require.NoError(t, rerr)
	assert.Equal(t, bus.OutcomeBlocked, receipt.Outcome)
	assert.Contains(t, receipt.Note, "guardrail_violation")
}
