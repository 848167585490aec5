package cli

import (
	"os"
	"path/filepath"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/config"
	"github.com/valua-ai/cockpit/internal/roster"
)

// defaultConfigName is the config file looked up in the working directory
// when --config is not given.
const defaultConfigName = "cockpit.toml"

// defaultRosterName is the roster file looked up in the working directory
// when --roster is not given.
const defaultRosterName = "ROSTER.json"

// loadConfig builds the process configuration from defaults, the optional
// TOML file, and the environment.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = defaultConfigName
	}
	return config.Load(path)
}

// openBus loads the roster, resolves the bus root, and opens an ensured
// store under the configured scan policy.
func openBus(cfg *config.Config) (*bus.Store, *roster.Roster, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	rosterPath := flagRoster
	if rosterPath == "" {
		rosterPath = filepath.Join(cwd, defaultRosterName)
	}
	rost, err := roster.Load(rosterPath, roster.LoadOpts{
		RepoRoot:      cwd,
		WorktreesRoot: os.Getenv("AGENTIC_WORKTREES_DIR"),
	})
	if err != nil {
		return nil, nil, err
	}

	busRoot, err := roster.ResolveBusRoot(flagBusRoot, cwd)
	if err != nil {
		return nil, nil, err
	}

	store := bus.NewStore(busRoot, rost)
	store.SetScanPolicy(bus.ScanPolicy(cfg.ScanPolicy))
	if err := store.Ensure(); err != nil {
		return nil, nil, err
	}
	return store, rost, nil
}
