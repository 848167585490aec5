package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "task-1.md")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	w, err := New(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("original plus an update block"), 0o644))

	select {
	case <-w.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire on write")
	}
}

func TestWatcherFiresOnAtomicReplace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "task-1.md")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	w, err := New(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	tmp := filepath.Join(dir, ".tmp-rewrite")
	require.NoError(t, os.WriteFile(tmp, []byte("rewritten body with more text"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case <-w.Changed():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire on atomic replace")
	}
}

func TestWatcherQuietWithoutChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "task-1.md")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	w, err := New(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	select {
	case <-w.Changed():
		t.Fatal("watcher fired without a change")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "task-1.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w, err := New(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}

func TestWatcherMissingFile(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), filepath.Join(t.TempDir(), "absent.md"), 0)
	require.Error(t, err)
}
