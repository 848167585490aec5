package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned when another live worker holds the agent's
// lock. The duplicate must exit 0 without touching any other state.
var ErrAlreadyRunning = errors.New("already running; exiting duplicate worker")

// lockRecord is the JSON body of state/worker-locks/<agent>.lock.json.
type lockRecord struct {
	Agent      string `json:"agent"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquiredAt"`
	Token      string `json:"token"`
}

// Lock is the per-agent worker lock. Exactly one worker process per agent
// may run; acquisition races are settled by O_CREAT|O_EXCL. A corrupted lock
// file is treated as held: no automatic takeover.
type Lock struct {
	path  string
	token string
}

// AcquireLock takes the worker lock for agent under stateDir.
func AcquireLock(stateDir, agent string) (*Lock, error) {
	dir := filepath.Join(stateDir, "worker-locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: lock dir: %w", err)
	}
	path := filepath.Join(dir, agent+".lock.json")

	token := uuid.NewString()
	rec := lockRecord{
		Agent:      agent,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		Token:      token,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("worker: encoding lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("worker: acquiring lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("worker: writing lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("worker: writing lock: %w", err)
	}
	return &Lock{path: path, token: token}, nil
}

// Release drops the lock if this process still owns it. A lock file rewritten
// by someone else (token mismatch) is left alone.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err == nil && rec.Token != l.token {
		return
	}
	_ = os.Remove(l.path)
}
