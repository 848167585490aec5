package lease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Cooldown expresses a wall-clock deadline before which no worker in the
// domain may invoke the engine. It lives at <stateDir>/<domain>-cooldown.json.
type Cooldown struct {
	RetryAtMs   int64  `json:"retryAtMs"`
	Reason      string `json:"reason"`
	SourceAgent string `json:"sourceAgent"`
	TaskID      string `json:"taskId,omitempty"`
}

// RetryAt returns the cooldown deadline as a time.Time.
func (c *Cooldown) RetryAt() time.Time {
	return time.UnixMilli(c.RetryAtMs)
}

// Expired reports whether the deadline has passed.
func (c *Cooldown) Expired() bool {
	return time.Now().After(c.RetryAt())
}

// cooldownPath returns the cooldown file path for a domain.
func cooldownPath(stateDir, domain string) string {
	return filepath.Join(stateDir, domain+"-cooldown.json")
}

// WriteCooldown atomically records a cooldown for the domain. A later
// deadline always replaces an earlier one; an earlier deadline never
// shortens an active cooldown.
func WriteCooldown(stateDir, domain string, c Cooldown) error {
	if existing, err := ReadCooldown(stateDir, domain); err == nil && existing != nil {
		if existing.RetryAtMs >= c.RetryAtMs {
			return nil
		}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("lease: encoding cooldown: %w", err)
	}
	path := cooldownPath(stateDir, domain)
	tmp := filepath.Join(stateDir, ".cooldown-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("lease: writing cooldown: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("lease: installing cooldown: %w", err)
	}
	return nil
}

// ReadCooldown returns the active cooldown for the domain, or (nil, nil)
// when none exists or the recorded deadline has expired. Expired files are
// removed opportunistically.
func ReadCooldown(stateDir, domain string) (*Cooldown, error) {
	path := cooldownPath(stateDir, domain)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease: reading cooldown: %w", err)
	}
	var c Cooldown
	if err := json.Unmarshal(data, &c); err != nil {
		// A corrupt cooldown never blocks workers; drop it.
		_ = os.Remove(path)
		return nil, nil
	}
	if c.Expired() {
		_ = os.Remove(path)
		return nil, nil
	}
	return &c, nil
}
