// Package lease implements cross-process coordination primitives on the bus
// state directory: a file-lease semaphore bounding global engine concurrency
// and cooldown files expressing rate-limit deadlines.
//
// Both primitives are namespaced by a domain string so engine and consult
// concurrency do not share slots. Coordination is purely filesystem-level
// (O_CREAT|O_EXCL and atomic renames); the pid-liveness check used for stale
// reclaim is advisory and only meaningful on a single host.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/valua-ai/cockpit/internal/logging"
)

// Backoff bounds for the acquire loop. Base doubles per failed round up to
// the cap, with uniform jitter added on top.
const (
	acquireBackoffBase = 25 * time.Millisecond
	acquireBackoffCap  = 500 * time.Millisecond
)

// slotRecord is the JSON body of a slot lease file.
type slotRecord struct {
	AcquiredAt string `json:"acquiredAt"`
	PID        int    `json:"pid"`
	Name       string `json:"name"`
}

// Slot is a held semaphore lease. Release is idempotent and best-effort: a
// slot file already reclaimed by another process is not an error.
type Slot struct {
	path     string
	released bool
}

// Path returns the lease file path (useful in logs and tests).
func (s *Slot) Path() string { return s.path }

// Release unlinks the lease file. Safe to call multiple times.
func (s *Slot) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logging.New("lease").Warn("releasing slot", "path", s.path, "err", err)
	}
}

// Semaphore is a bounded set of file leases under
// <stateDir>/<domain>-semaphore/.
type Semaphore struct {
	dir        string
	domain     string
	maxSlots   int
	staleAfter time.Duration
	logger     *log.Logger
}

// NewSemaphore creates a semaphore for domain with maxSlots concurrent
// leases. Leases older than staleAfter whose holder pid is no longer alive
// locally are reclaimed.
func NewSemaphore(stateDir, domain string, maxSlots int, staleAfter time.Duration) *Semaphore {
	return &Semaphore{
		dir:        filepath.Join(stateDir, domain+"-semaphore"),
		domain:     domain,
		maxSlots:   maxSlots,
		staleAfter: staleAfter,
		logger:     logging.New("lease"),
	}
}

// Acquire blocks until a slot is won or ctx is cancelled. The name is
// recorded in the lease file for observability. There is no internal
// deadline; callers impose timeouts through ctx.
func (s *Semaphore) Acquire(ctx context.Context, name string) (*Slot, error) {
	backoff := acquireBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("lease: acquiring %s slot: %w", s.domain, err)
		}

		s.reclaimStale()

		if slot := s.tryAcquire(name); slot != nil {
			return slot, nil
		}

		// All slots held; back off with jitter and retry.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lease: acquiring %s slot: %w", s.domain, ctx.Err())
		case <-timer.C:
		}
		if backoff *= 2; backoff > acquireBackoffCap {
			backoff = acquireBackoffCap
		}
	}
}

// TryAcquire attempts one non-blocking acquire round (stale reclaim plus one
// sweep over the slot indexes). Returns nil when every slot is held.
func (s *Semaphore) TryAcquire(name string) *Slot {
	s.reclaimStale()
	return s.tryAcquire(name)
}

// tryAcquire sweeps slot indexes [0, maxSlots) attempting an exclusive
// create on each.
func (s *Semaphore) tryAcquire(name string) *Slot {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn("creating semaphore dir", "dir", s.dir, "err", err)
		return nil
	}

	record, err := json.Marshal(slotRecord{
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		PID:        os.Getpid(),
		Name:       name,
	})
	if err != nil {
		return nil
	}

	for k := 0; k < s.maxSlots; k++ {
		path := filepath.Join(s.dir, fmt.Sprintf("slot-%d.json", k))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			continue // held by someone else
		}
		_, werr := f.Write(record)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			continue
		}
		return &Slot{path: path}
	}
	return nil
}

// reclaimStale unlinks slot files whose holder is provably gone: either the
// recorded pid is no longer alive on this host, or the lease is older than
// staleAfter. Unlink races with a releasing holder are benign.
func (s *Semaphore) reclaimStale() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec slotRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Corrupt lease file: treat as stale only past the stale window,
			// using the file mtime.
			if info, serr := entry.Info(); serr == nil && time.Since(info.ModTime()) > s.staleAfter {
				_ = os.Remove(path)
			}
			continue
		}

		stale := false
		if !pidAlive(rec.PID) {
			stale = true
		} else if at, perr := time.Parse(time.RFC3339, rec.AcquiredAt); perr == nil && time.Since(at) > s.staleAfter {
			stale = true
		}
		if stale {
			if err := os.Remove(path); err == nil {
				s.logger.Debug("reclaimed stale slot", "domain", s.domain, "path", path, "pid", rec.PID)
			}
		}
	}
}

// pidAlive reports whether pid is alive on this host. Signal 0 probes
// existence without delivering a signal; EPERM still means alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
