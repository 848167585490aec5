package lease

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Semaphore
// ---------------------------------------------------------------------------

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	sem := NewSemaphore(stateDir, "engine", 2, time.Hour)

	a := sem.TryAcquire("one")
	require.NotNil(t, a)
	b := sem.TryAcquire("two")
	require.NotNil(t, b)
	assert.Nil(t, sem.TryAcquire("three"), "third acquire must fail with maxSlots=2")

	a.Release()
	c := sem.TryAcquire("three")
	require.NotNil(t, c)

	b.Release()
	c.Release()
	entries, err := os.ReadDir(filepath.Join(stateDir, "engine-semaphore"))
	require.NoError(t, err)
	assert.Empty(t, entries, "all leases released")
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	sem := NewSemaphore(stateDir, "engine", 1, time.Hour)

	held := sem.TryAcquire("holder")
	require.NotNil(t, held)

	acquired := make(chan *Slot, 1)
	go func() {
		slot, err := sem.Acquire(context.Background(), "waiter")
		if err == nil {
			acquired <- slot
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire succeeded while slot was held")
	case <-time.After(100 * time.Millisecond):
	}

	held.Release()
	select {
	case slot := <-acquired:
		slot.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	sem := NewSemaphore(stateDir, "engine", 1, time.Hour)
	held := sem.TryAcquire("holder")
	require.NotNil(t, held)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := sem.Acquire(ctx, "waiter")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphoreReclaimsDeadHolderSlot(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	sem := NewSemaphore(stateDir, "engine", 1, time.Hour)

	// Fabricate a lease held by a pid that cannot be alive.
	dir := filepath.Join(stateDir, "engine-semaphore")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	rec, err := json.Marshal(slotRecord{
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		PID:        1 << 30,
		Name:       "ghost",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slot-0.json"), rec, 0o644))

	slot := sem.TryAcquire("claimer")
	require.NotNil(t, slot, "dead holder's slot must be reclaimable")
	slot.Release()
}

func TestSemaphoreReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	sem := NewSemaphore(stateDir, "engine", 1, 50*time.Millisecond)

	dir := filepath.Join(stateDir, "engine-semaphore")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	rec, err := json.Marshal(slotRecord{
		AcquiredAt: time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		PID:        os.Getpid(), // alive, but the lease is too old
		Name:       "stuck",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slot-0.json"), rec, 0o644))

	slot := sem.TryAcquire("claimer")
	require.NotNil(t, slot)
	slot.Release()
}

func TestSlotReleaseIdempotent(t *testing.T) {
	t.Parallel()

	sem := NewSemaphore(t.TempDir(), "engine", 1, time.Hour)
	slot := sem.TryAcquire("x")
	require.NotNil(t, slot)
	slot.Release()
	slot.Release() // no panic, no error
}

func TestSemaphoreRacingAcquirers(t *testing.T) {
	t.Parallel()

	sem := NewSemaphore(t.TempDir(), "engine", 3, time.Hour)

	var mu sync.Mutex
	won := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if slot := sem.TryAcquire("racer"); slot != nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, won, "exactly maxSlots leases granted")
}

// ---------------------------------------------------------------------------
// Cooldown
// ---------------------------------------------------------------------------

func TestCooldownRoundTrip(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	deadline := time.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, WriteCooldown(stateDir, "engine", Cooldown{
		RetryAtMs:   deadline,
		Reason:      "rate_limited",
		SourceAgent: "navigator",
		TaskID:      "task-1",
	}))

	c, err := ReadCooldown(stateDir, "engine")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, deadline, c.RetryAtMs)
	assert.Equal(t, "rate_limited", c.Reason)
	assert.False(t, c.Expired())
}

func TestCooldownLaterDeadlineWins(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	early := time.Now().Add(10 * time.Second).UnixMilli()
	late := time.Now().Add(time.Minute).UnixMilli()

	require.NoError(t, WriteCooldown(stateDir, "engine", Cooldown{RetryAtMs: late, Reason: "first"}))
	require.NoError(t, WriteCooldown(stateDir, "engine", Cooldown{RetryAtMs: early, Reason: "second"}))

	c, err := ReadCooldown(stateDir, "engine")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, late, c.RetryAtMs, "an earlier deadline never shortens an active cooldown")
	assert.Equal(t, "first", c.Reason)
}

func TestCooldownExpiredIsRemoved(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	require.NoError(t, WriteCooldown(stateDir, "engine", Cooldown{
		RetryAtMs: time.Now().Add(-time.Second).UnixMilli(),
		Reason:    "old",
	}))

	c, err := ReadCooldown(stateDir, "engine")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoFileExists(t, filepath.Join(stateDir, "engine-cooldown.json"))
}

func TestCooldownDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	require.NoError(t, WriteCooldown(stateDir, "engine", Cooldown{
		RetryAtMs: time.Now().Add(time.Minute).UnixMilli(),
	}))

	c, err := ReadCooldown(stateDir, "opus")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCooldownCorruptFileDropped(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	path := filepath.Join(stateDir, "engine-cooldown.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	c, err := ReadCooldown(stateDir, "engine")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoFileExists(t, path)
}

// ---------------------------------------------------------------------------
// Retry-after parsing
// ---------------------------------------------------------------------------

func TestParseRetryAfterMs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		wantMs int64
		wantOK bool
	}{
		{"ms form", "rate limited, try again in 1500ms", 1500, true},
		{"seconds form", "please try again in 30s", 30_000, true},
		{"long seconds", "Try Again In 5 seconds", 5000, true},
		{"minutes", "try again in 2 minutes", 120_000, true},
		{"reset in", "usage limit reached; reset in 3 minutes", 180_000, true},
		{"reset hours", "quota reset in 1 hour", 3_600_000, true},
		{"retry-after header", "HTTP 429\nRetry-After: 42", 42_000, true},
		{"no hint", "something else failed", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseRetryAfterMs(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantMs, got)
		})
	}
}
