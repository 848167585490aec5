// Package watch detects mid-task updates to an in-progress packet. A watcher
// observes one file for the duration of a turn and fires a one-shot channel
// on change; the engine driver translates that into its interrupt verb.
//
// Change detection uses fsnotify when available, backed by an mtime poll so
// editors that replace files (and filesystems without notification support)
// are still caught.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/valua-ai/cockpit/internal/logging"
)

// DefaultPoll is the fallback poll interval for packet mtime checks.
const DefaultPoll = 200 * time.Millisecond

// Watcher observes one packet file and fires Changed once when it is
// modified. Stop must be called when the turn ends.
type Watcher struct {
	changed  chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	logger   *log.Logger
}

// Changed returns the one-shot change channel. It is closed on the first
// observed modification and never fires again for this watcher.
func (w *Watcher) Changed() <-chan struct{} { return w.changed }

// Stop ends observation. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// New starts watching path. poll <= 0 uses DefaultPoll.
func New(ctx context.Context, path string, poll time.Duration) (*Watcher, error) {
	if poll <= 0 {
		poll = DefaultPoll
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
		logger:  logging.New("watch"),
	}

	// Watch the parent directory: atomic rewrites replace the file, and a
	// watch pinned to the old inode would miss them.
	var fsw *fsnotify.Watcher
	if nw, err := fsnotify.NewWatcher(); err == nil {
		if err := nw.Add(filepath.Dir(path)); err == nil {
			fsw = nw
		} else {
			_ = nw.Close()
		}
	}
	if fsw == nil {
		w.logger.Debug("fsnotify unavailable; mtime poll only", "path", path)
	}

	go w.run(ctx, path, poll, info.ModTime(), info.Size(), fsw)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, path string, poll time.Duration, mtime time.Time, size int64, fsw *fsnotify.Watcher) {
	if fsw != nil {
		defer fsw.Close()
	}

	fire := func() {
		select {
		case <-w.changed:
		default:
			close(w.changed)
		}
	}

	check := func() bool {
		info, err := os.Stat(path)
		if err != nil {
			// Packet moved or removed: also a change worth interrupting on.
			fire()
			return true
		}
		if !info.ModTime().Equal(mtime) || info.Size() != size {
			fire()
			return true
		}
		return false
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev := <-events:
			if ev.Name == path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				if check() {
					return
				}
			}
		case err := <-errs:
			if err != nil {
				w.logger.Debug("fsnotify error; relying on poll", "err", err)
			}
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}
