package buildinfo

import "fmt"

// binaryName is the installed command name, used in the human-readable form.
const binaryName = "cockpit"

// Info bundles the build identifiers for JSON serialization.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetInfo snapshots the current build identifiers.
func GetInfo() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

// String renders the one-line form printed by the version command, for
// example "cockpit v0.3.0 (commit: a1b2c3d, built: 2026-08-01T10:00:00Z)".
func (i Info) String() string {
	return fmt.Sprintf("%s v%s (commit: %s, built: %s)", binaryName, i.Version, i.Commit, i.Date)
}
