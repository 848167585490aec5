package roster

import (
	"fmt"
	"os"
	"path/filepath"
)

// BusDirEnv is the environment variable naming an explicit bus root.
const BusDirEnv = "VALUA_AGENT_BUS_DIR"

// defaultBusDirName is the bus directory created under the repo root.
const defaultBusDirName = "bus"

// homeBusDir is the fallback bus location under the user's home directory.
const homeBusDir = ".agentic-cockpit/bus"

// ResolveBusRoot picks the bus root directory. Resolution order:
//
//  1. the explicit flag value, when non-empty
//  2. the VALUA_AGENT_BUS_DIR environment variable
//  3. <repoRoot>/bus
//  4. <home>/.agentic-cockpit/bus
//
// The first candidate that exists or can be created wins. The chosen
// directory is created if missing.
func ResolveBusRoot(flagValue, repoRoot string) (string, error) {
	var candidates []string
	if flagValue != "" {
		candidates = append(candidates, flagValue)
	}
	if env := os.Getenv(BusDirEnv); env != "" {
		candidates = append(candidates, env)
	}
	if repoRoot != "" {
		candidates = append(candidates, filepath.Join(repoRoot, defaultBusDirName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, homeBusDir))
	}

	var lastErr error
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return dir, nil
		} else {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("roster: no usable bus root: %w", lastErr)
	}
	return "", fmt.Errorf("roster: no bus root candidates")
}
