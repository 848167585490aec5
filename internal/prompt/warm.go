package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WarmStore records per-agent warm starts under the bus state directory. A
// record holds only the skills fingerprint: when the current fingerprint
// matches, the skills block is elided because the engine thread already saw
// identical content.
type WarmStore struct {
	stateDir string
}

// NewWarmStore creates a WarmStore rooted at the bus state directory.
func NewWarmStore(stateDir string) *WarmStore {
	return &WarmStore{stateDir: stateDir}
}

func (w *WarmStore) path(agent string) string {
	return filepath.Join(w.stateDir, agent+".skills-fingerprint")
}

// Fingerprint returns the recorded fingerprint for agent, or "" when none.
func (w *WarmStore) Fingerprint(agent string) string {
	data, err := os.ReadFile(w.path(agent))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// CanElide reports whether the agent's recorded warm start matches the
// current skill set.
func (w *WarmStore) CanElide(agent string, skills *SkillSet) bool {
	if skills == nil {
		return false
	}
	fp := w.Fingerprint(agent)
	return fp != "" && fp == skills.Fingerprint()
}

// Record stores the fingerprint after a successful turn that included the
// skills block.
func (w *WarmStore) Record(agent, fingerprint string) error {
	if err := os.MkdirAll(w.stateDir, 0o755); err != nil {
		return fmt.Errorf("prompt: warm-start dir: %w", err)
	}
	if err := os.WriteFile(w.path(agent), []byte(fingerprint+"\n"), 0o644); err != nil {
		return fmt.Errorf("prompt: recording warm start for %s: %w", agent, err)
	}
	return nil
}

// Clear drops the agent's warm-start record, forcing the next prompt to
// include the skills block.
func (w *WarmStore) Clear(agent string) {
	_ = os.Remove(w.path(agent))
}
