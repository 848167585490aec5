package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Outcome is the terminal disposition of a task.
type Outcome string

// Task outcomes.
const (
	OutcomeDone        Outcome = "done"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeNeedsReview Outcome = "needs_review"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeDone, OutcomeBlocked, OutcomeFailed, OutcomeSkipped, OutcomeNeedsReview:
		return true
	}
	return false
}

// ErrAlreadyClosed is returned by Close when a receipt for the task already
// exists. Receipts are write-once; re-closing a processed task is a
// programmer error.
var ErrAlreadyClosed = errors.New("task already closed")

// Receipt is the durable record of a task closure, written exactly once per
// (agent, id) at receipts/<agent>/<id>.json.
type Receipt struct {
	TaskID    string  `json:"taskId"`
	Agent     string  `json:"agent"`
	Outcome   Outcome `json:"outcome"`
	Note      string  `json:"note"`
	CommitSha string  `json:"commitSha,omitempty"`
	ClosedAt  string  `json:"closedAt"`

	// Task is the original packet frontmatter at close time.
	Task Meta `json:"task"`

	// ReceiptExtra carries heterogeneous gate records keyed by gate name.
	// The outer envelope stays stable; each gate owns its record shape.
	ReceiptExtra map[string]any `json:"receiptExtra,omitempty"`
}

// writeReceipt persists a receipt with O_EXCL semantics and an fsync, so a
// receipt can never be silently overwritten and survives a crash immediately
// after the write.
func writeReceipt(path string, r *Receipt) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("bus: encoding receipt %s: %w", r.TaskID, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("bus: receipt %s: %w", path, ErrAlreadyClosed)
		}
		return fmt.Errorf("bus: creating receipt %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("bus: writing receipt %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("bus: syncing receipt %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("bus: closing receipt %s: %w", path, err)
	}
	return nil
}

// readReceipt loads a receipt from path. Returns os.ErrNotExist (wrapped)
// when no receipt has been written.
func readReceipt(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bus: reading receipt %s: %w", path, err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("bus: decoding receipt %s: %w", path, err)
	}
	return &r, nil
}

// nowISO returns the current time in RFC 3339 UTC, the timestamp format used
// throughout the bus.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
