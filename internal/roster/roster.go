// Package roster loads the agent roster document and resolves bus paths.
//
// The roster (ROSTER.json) maps agent names to their role, working-directory
// template, skills, and optional branch. It is loaded once per process and is
// immutable for the lifetime of the run. Three roles are reserved and must
// each be present exactly once: orchestrator, chat, and autopilot. Their
// agent names drive digest routing and follow-up privileges.
package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Reserved role names. Each must be held by exactly one agent in the roster.
const (
	RoleOrchestrator = "orchestrator"
	RoleChat         = "chat"
	RoleAutopilot    = "autopilot"
)

// MinSchemaVersion is the oldest roster schema this build understands.
const MinSchemaVersion = 2

// ErrNotFound is returned by Roster.Agent when no agent with the requested
// name exists.
var ErrNotFound = errors.New("agent not found in roster")

// ErrDuplicateName is returned by Load when two roster entries share a name.
var ErrDuplicateName = errors.New("duplicate agent name in roster")

// ErrInvalidName is returned by Load for empty or filesystem-unsafe names.
var ErrInvalidName = errors.New("invalid agent name")

// ErrMissingReservedRole is returned by Load when one of the reserved roles
// (orchestrator, chat, autopilot) has no agent.
var ErrMissingReservedRole = errors.New("reserved role missing from roster")

// agentNameRe validates agent names: alphanumeric characters and hyphens only.
var agentNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// Agent is a single roster entry.
type Agent struct {
	// Name is the agent's identifier; it doubles as the inbox directory name.
	Name string `json:"name"`

	// Role is the agent's function. Reserved roles: orchestrator, chat,
	// autopilot. Everything else is a free-form worker role.
	Role string `json:"role"`

	// Workdir is the working-directory template. Supports $REPO_ROOT and
	// $AGENTIC_WORKTREES_DIR placeholders, resolved at load time.
	Workdir string `json:"workdir"`

	// Skills lists skill names loaded into the agent's prompt.
	Skills []string `json:"skills,omitempty"`

	// Branch optionally pins the agent to a git branch.
	Branch string `json:"branch,omitempty"`
}

// document is the on-disk shape of ROSTER.json.
type document struct {
	SchemaVersion int     `json:"schemaVersion"`
	Agents        []Agent `json:"agents"`
}

// Roster is the loaded, resolved roster. Safe for concurrent reads.
type Roster struct {
	agents map[string]Agent
	order  []string

	orchestrator string
	chat         string
	autopilot    string
}

// LoadOpts carries the values substituted into workdir templates.
type LoadOpts struct {
	RepoRoot      string
	WorktreesRoot string
}

// Load reads and validates a ROSTER.json document from path. Workdir
// templates are resolved using opts. The schemaVersion must be at least
// MinSchemaVersion and each reserved role must appear exactly once.
func Load(path string, opts LoadOpts) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: reading %s: %w", path, err)
	}
	return Parse(data, opts)
}

// Parse validates a roster document from raw bytes. See Load.
func Parse(data []byte, opts LoadOpts) (*Roster, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("roster: parsing document: %w", err)
	}
	if doc.SchemaVersion < MinSchemaVersion {
		return nil, fmt.Errorf("roster: schemaVersion %d is older than minimum %d", doc.SchemaVersion, MinSchemaVersion)
	}
	if len(doc.Agents) == 0 {
		return nil, fmt.Errorf("roster: no agents declared")
	}

	r := &Roster{agents: make(map[string]Agent, len(doc.Agents))}
	for _, a := range doc.Agents {
		if a.Name == "" || !agentNameRe.MatchString(a.Name) {
			return nil, fmt.Errorf("roster: agent %q: %w", a.Name, ErrInvalidName)
		}
		if _, exists := r.agents[a.Name]; exists {
			return nil, fmt.Errorf("roster: agent %q: %w", a.Name, ErrDuplicateName)
		}

		a.Workdir = resolveTemplate(a.Workdir, opts)

		switch a.Role {
		case RoleOrchestrator:
			if r.orchestrator != "" {
				return nil, fmt.Errorf("roster: role %q held by both %q and %q", a.Role, r.orchestrator, a.Name)
			}
			r.orchestrator = a.Name
		case RoleChat:
			if r.chat != "" {
				return nil, fmt.Errorf("roster: role %q held by both %q and %q", a.Role, r.chat, a.Name)
			}
			r.chat = a.Name
		case RoleAutopilot:
			if r.autopilot != "" {
				return nil, fmt.Errorf("roster: role %q held by both %q and %q", a.Role, r.autopilot, a.Name)
			}
			r.autopilot = a.Name
		}

		r.agents[a.Name] = a
		r.order = append(r.order, a.Name)
	}

	for role, name := range map[string]string{
		RoleOrchestrator: r.orchestrator,
		RoleChat:         r.chat,
		RoleAutopilot:    r.autopilot,
	} {
		if name == "" {
			return nil, fmt.Errorf("roster: role %q: %w", role, ErrMissingReservedRole)
		}
	}

	return r, nil
}

// Agent returns the roster entry for name, or ErrNotFound.
func (r *Roster) Agent(name string) (Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return Agent{}, fmt.Errorf("roster: agent %q: %w", name, ErrNotFound)
	}
	return a, nil
}

// Has reports whether an agent with the given name exists.
func (r *Roster) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Names returns all agent names in declaration order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Orchestrator returns the name of the agent holding the orchestrator role.
func (r *Roster) Orchestrator() string { return r.orchestrator }

// Chat returns the name of the agent holding the chat role.
func (r *Roster) Chat() string { return r.chat }

// Autopilot returns the name of the agent holding the autopilot role.
func (r *Roster) Autopilot() string { return r.autopilot }

// IsAutopilot reports whether name holds the autopilot role.
func (r *Roster) IsAutopilot(name string) bool { return name == r.autopilot }

// resolveTemplate substitutes $REPO_ROOT and $AGENTIC_WORKTREES_DIR in a
// workdir template. Unknown placeholders are left intact.
func resolveTemplate(tmpl string, opts LoadOpts) string {
	out := strings.ReplaceAll(tmpl, "$REPO_ROOT", opts.RepoRoot)
	out = strings.ReplaceAll(out, "$AGENTIC_WORKTREES_DIR", opts.WorktreesRoot)
	return out
}
