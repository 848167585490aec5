package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valua-ai/cockpit/internal/lease"
)

// fakeEngine scripts a sequence of turn results for the invoker.
type fakeEngine struct {
	results []fakeTurn
	calls   int
}

type fakeTurn struct {
	result *TurnResult
	err    error
}

func (f *fakeEngine) Name() string { return "fake" }
func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) RunTurn(_ context.Context, _ TurnOpts) (*TurnResult, error) {
	if f.calls >= len(f.results) {
		return nil, errors.New("fake engine: unexpected call")
	}
	r := f.results[f.calls]
	f.calls++
	return r.result, r.err
}

func newTestInvoker(t *testing.T, eng Engine, home *HomeManager) (*Invoker, *[]time.Duration) {
	t.Helper()
	inv := NewInvoker(eng, home, t.TempDir(), "engine", "navigator", InvokerOpts{
		RetryBase:    10 * time.Millisecond,
		RetryMax:     80 * time.Millisecond,
		RateLimitMin: 50 * time.Millisecond,
		MaxAttempts:  3,
	})
	var slept []time.Duration
	inv.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return inv, &slept
}

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{result: &TurnResult{Status: StatusCompleted, LastAgentMessage: "ok"}},
	}}
	inv, slept := newTestInvoker(t, eng, nil)

	res, err := inv.Invoke(context.Background(), TurnOpts{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.LastAgentMessage)
	assert.Equal(t, 1, eng.calls)
	assert.Empty(t, *slept)
}

func TestInvokeRateLimitWritesCooldownAndRetries(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{
			result: &TurnResult{Status: StatusFailed, Stderr: "429: try again in 2 seconds"},
			err:    fmt.Errorf("engine: %w", ErrRateLimited),
		},
		{result: &TurnResult{Status: StatusCompleted}},
	}}
	inv, slept := newTestInvoker(t, eng, nil)

	res, err := inv.Invoke(context.Background(), TurnOpts{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, eng.calls)

	// The retry-after hint (2s) beats the 50ms floor.
	require.NotEmpty(t, *slept)
	assert.Equal(t, 2*time.Second, (*slept)[0])

	cd, err := lease.ReadCooldown(inv.stateDir, "engine")
	require.NoError(t, err)
	require.NotNil(t, cd)
	assert.Equal(t, "rate_limited", cd.Reason)
	assert.Equal(t, "navigator", cd.SourceAgent)
}

func TestInvokeRateLimitFloor(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{
			result: &TurnResult{Status: StatusFailed, Stderr: "rate limit hit"},
			err:    fmt.Errorf("engine: %w", ErrRateLimited),
		},
		{result: &TurnResult{Status: StatusCompleted}},
	}}
	inv, slept := newTestInvoker(t, eng, nil)

	_, err := inv.Invoke(context.Background(), TurnOpts{})
	require.NoError(t, err)

	// No parseable hint: the RateLimitMin floor applies.
	require.NotEmpty(t, *slept)
	assert.Equal(t, 50*time.Millisecond, (*slept)[0])
}

func TestInvokeDesyncRepairsHomeOnce(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{err: fmt.Errorf("engine: %w", ErrHomeDesync)},
		{result: &TurnResult{Status: StatusCompleted}},
	}}
	home := NewHomeManager(t.TempDir(), "navigator", "")
	require.NoError(t, home.Ensure())
	inv, _ := newTestInvoker(t, eng, home)

	res, err := inv.Invoke(context.Background(), TurnOpts{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, eng.calls)
}

func TestInvokeSecondDesyncSurfaces(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{err: fmt.Errorf("engine: %w", ErrHomeDesync)},
		{err: fmt.Errorf("engine: %w", ErrHomeDesync)},
	}}
	home := NewHomeManager(t.TempDir(), "navigator", "")
	require.NoError(t, home.Ensure())
	inv, _ := newTestInvoker(t, eng, home)

	_, err := inv.Invoke(context.Background(), TurnOpts{})
	require.ErrorIs(t, err, ErrHomeDesync)
	assert.Equal(t, 2, eng.calls)
}

func TestInvokeTransientBackoffThenExhausted(t *testing.T) {
	t.Parallel()

	boom := errors.New("engine: transient failure")
	eng := &fakeEngine{results: []fakeTurn{
		{err: boom}, {err: boom}, {err: boom},
	}}
	inv, slept := newTestInvoker(t, eng, nil)

	_, err := inv.Invoke(context.Background(), TurnOpts{})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 3, eng.calls)

	// Backoff doubles per attempt: 10ms, 20ms, 40ms.
	require.Len(t, *slept, 3)
	assert.Equal(t, 10*time.Millisecond, (*slept)[0])
	assert.Equal(t, 20*time.Millisecond, (*slept)[1])
	assert.Equal(t, 40*time.Millisecond, (*slept)[2])
}

// fakeCapacity records slot hand-backs during cooldown waits.
type fakeCapacity struct {
	releases   int
	reacquires int
	held       bool
}

func (f *fakeCapacity) Release() {
	f.releases++
	f.held = false
}

func (f *fakeCapacity) Reacquire(_ context.Context) error {
	f.reacquires++
	f.held = true
	return nil
}

func TestInvokeCooldownReleasesCapacity(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{result: &TurnResult{Status: StatusCompleted}},
	}}
	holder := &fakeCapacity{held: true}
	inv := NewInvoker(eng, nil, t.TempDir(), "engine", "navigator", InvokerOpts{
		RetryBase:    10 * time.Millisecond,
		RetryMax:     80 * time.Millisecond,
		RateLimitMin: 50 * time.Millisecond,
		MaxAttempts:  3,
		Capacity:     holder,
	})

	require.NoError(t, lease.WriteCooldown(inv.stateDir, "engine", lease.Cooldown{
		RetryAtMs:   time.Now().Add(5 * time.Second).UnixMilli(),
		Reason:      "rate_limited",
		SourceAgent: "other-agent",
	}))

	var heldDuringSleep bool
	inv.sleep = func(_ context.Context, _ time.Duration) error {
		heldDuringSleep = holder.held
		require.NoError(t, os.Remove(filepath.Join(inv.stateDir, "engine-cooldown.json")))
		return nil
	}

	_, err := inv.Invoke(context.Background(), TurnOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, eng.calls)

	// The slot was handed back for the wait and taken again before the turn.
	assert.False(t, heldDuringSleep)
	assert.Equal(t, 1, holder.releases)
	assert.Equal(t, 1, holder.reacquires)
	assert.True(t, holder.held)
}

func TestInvokeNoCooldownLeavesCapacityAlone(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{result: &TurnResult{Status: StatusCompleted}},
	}}
	holder := &fakeCapacity{held: true}
	inv := NewInvoker(eng, nil, t.TempDir(), "engine", "navigator", InvokerOpts{
		RetryBase:   10 * time.Millisecond,
		RetryMax:    80 * time.Millisecond,
		MaxAttempts: 3,
		Capacity:    holder,
	})

	_, err := inv.Invoke(context.Background(), TurnOpts{})
	require.NoError(t, err)
	assert.Zero(t, holder.releases)
	assert.Zero(t, holder.reacquires)
}

func TestInvokeHonorsExistingCooldown(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{results: []fakeTurn{
		{result: &TurnResult{Status: StatusCompleted}},
	}}
	inv, slept := newTestInvoker(t, eng, nil)

	require.NoError(t, lease.WriteCooldown(inv.stateDir, "engine", lease.Cooldown{
		RetryAtMs:   time.Now().Add(5 * time.Second).UnixMilli(),
		Reason:      "rate_limited",
		SourceAgent: "other-agent",
	}))

	// The stubbed sleep does not advance the clock; expire the cooldown by
	// hand so waitCooldown's re-check sees it gone.
	baseSleep := inv.sleep
	inv.sleep = func(ctx context.Context, d time.Duration) error {
		err := baseSleep(ctx, d)
		require.NoError(t, os.Remove(filepath.Join(inv.stateDir, "engine-cooldown.json")))
		return err
	}

	_, err := inv.Invoke(context.Background(), TurnOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, *slept)
	assert.Greater(t, (*slept)[0], 4*time.Second)
}
