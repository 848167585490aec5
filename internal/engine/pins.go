package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PinStore persists engine thread ids under the bus state directory so
// conversation continuity survives across task invocations.
//
// Two pin shapes exist: a global per-agent pin at state/<agent>.session-id
// (bare thread id), and root-scoped pins at
// state/engine-root-sessions/<agent>/<rootId>.json used by the autopilot so
// each task lineage keeps its own thread. Root pins carry a turn count for
// rotation.
type PinStore struct {
	stateDir string
}

// NewPinStore creates a PinStore rooted at the bus state directory.
func NewPinStore(stateDir string) *PinStore {
	return &PinStore{stateDir: stateDir}
}

// RootPin is the JSON body of a root-scoped pin.
type RootPin struct {
	ThreadID  string `json:"threadId"`
	TurnCount int    `json:"turnCount"`
}

// globalPath returns state/<agent>.session-id.
func (p *PinStore) globalPath(agent string) string {
	return filepath.Join(p.stateDir, agent+".session-id")
}

// rootPath returns state/engine-root-sessions/<agent>/<rootId>.json.
func (p *PinStore) rootPath(agent, rootID string) string {
	return filepath.Join(p.stateDir, "engine-root-sessions", agent, rootID+".json")
}

// GlobalPin returns the agent's pinned thread id, or "" when absent.
func (p *PinStore) GlobalPin(agent string) string {
	data, err := os.ReadFile(p.globalPath(agent))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetGlobalPin records the agent's thread id.
func (p *PinStore) SetGlobalPin(agent, threadID string) error {
	if err := os.MkdirAll(p.stateDir, 0o755); err != nil {
		return fmt.Errorf("engine: pin dir: %w", err)
	}
	if err := os.WriteFile(p.globalPath(agent), []byte(threadID+"\n"), 0o644); err != nil {
		return fmt.Errorf("engine: writing global pin for %s: %w", agent, err)
	}
	return nil
}

// ClearGlobalPin removes the agent's pinned thread id.
func (p *PinStore) ClearGlobalPin(agent string) {
	_ = os.Remove(p.globalPath(agent))
}

// RootPinFor returns the root-scoped pin for (agent, rootID), or nil when
// absent or unreadable.
func (p *PinStore) RootPinFor(agent, rootID string) *RootPin {
	data, err := os.ReadFile(p.rootPath(agent, rootID))
	if err != nil {
		return nil
	}
	var pin RootPin
	if err := json.Unmarshal(data, &pin); err != nil {
		return nil
	}
	return &pin
}

// SetRootPin records a root-scoped pin.
func (p *PinStore) SetRootPin(agent, rootID string, pin RootPin) error {
	path := p.rootPath(agent, rootID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("engine: root pin dir: %w", err)
	}
	data, err := json.Marshal(pin)
	if err != nil {
		return fmt.Errorf("engine: encoding root pin: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("engine: writing root pin for %s/%s: %w", agent, rootID, err)
	}
	return nil
}

// ClearRootPin removes a root-scoped pin.
func (p *PinStore) ClearRootPin(agent, rootID string) {
	_ = os.Remove(p.rootPath(agent, rootID))
}

// Pinner resolves and refreshes the correct pin shape for an agent. The
// autopilot uses root-scoped pins keyed by the task's rootId; every other
// agent uses the global per-agent pin.
type Pinner struct {
	store       *PinStore
	agent       string
	isAutopilot bool

	// rotateTurns rotates a root-scoped thread after this many turns;
	// 0 disables rotation.
	rotateTurns int
}

// NewPinner creates a Pinner for agent.
func NewPinner(store *PinStore, agent string, isAutopilot bool, rotateTurns int) *Pinner {
	return &Pinner{store: store, agent: agent, isAutopilot: isAutopilot, rotateTurns: rotateTurns}
}

// Resolve returns the thread id to resume for a task with the given rootID,
// or "" to start a fresh thread. Root pins past the rotation threshold are
// dropped here, so rotation looks like a fresh start to the driver.
func (p *Pinner) Resolve(rootID string) string {
	if p.isAutopilot && rootID != "" {
		pin := p.store.RootPinFor(p.agent, rootID)
		if pin == nil {
			return ""
		}
		if p.rotateTurns > 0 && pin.TurnCount >= p.rotateTurns {
			p.store.ClearRootPin(p.agent, rootID)
			return ""
		}
		return pin.ThreadID
	}
	return p.store.GlobalPin(p.agent)
}

// Refresh records the latest observed thread id after a successful turn,
// incrementing the root pin's turn count when applicable.
func (p *Pinner) Refresh(rootID, threadID string) error {
	if threadID == "" {
		return nil
	}
	if p.isAutopilot && rootID != "" {
		pin := p.store.RootPinFor(p.agent, rootID)
		count := 1
		if pin != nil && pin.ThreadID == threadID {
			count = pin.TurnCount + 1
		}
		return p.store.SetRootPin(p.agent, rootID, RootPin{ThreadID: threadID, TurnCount: count})
	}
	return p.store.SetGlobalPin(p.agent, threadID)
}
