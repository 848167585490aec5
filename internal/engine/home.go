package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/valua-ai/cockpit/internal/logging"
)

// HomeManager partitions engine credential/history state per agent under
// state/engine-home/<agent>, so concurrent workers never share mutable
// engine state. On a rollout-index desync the corrupted home is moved aside
// and re-seeded from the source home, at most once per process.
type HomeManager struct {
	stateDir   string
	agent      string
	sourceHome string
	repaired   bool
	logger     *log.Logger
}

// seedEntries are the engine-owned entries copied from the source home when a
// fresh isolated home is created. Nothing else in the source home (ssh keys,
// documents, caches) crosses into an agent home.
var seedEntries = []string{
	"auth.json",
	"config.toml",
	"history",
	".gitconfig",
}

// NewHomeManager creates a HomeManager for agent. sourceHome is the ambient
// engine home whose credential files seed fresh isolated homes; it may be
// empty, in which case fresh homes start blank.
func NewHomeManager(stateDir, agent, sourceHome string) *HomeManager {
	return &HomeManager{
		stateDir:   stateDir,
		agent:      agent,
		sourceHome: sourceHome,
		logger:     logging.New("engine-home"),
	}
}

// Dir returns the isolated home path: state/engine-home/<agent>.
func (h *HomeManager) Dir() string {
	return filepath.Join(h.stateDir, "engine-home", h.agent)
}

// Ensure creates the isolated home, seeding the engine-owned entries from the
// source home on first creation.
func (h *HomeManager) Ensure() error {
	dir := h.Dir()
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("engine: creating home %s: %w", dir, err)
	}
	if h.sourceHome != "" {
		if err := h.seed(dir); err != nil {
			return fmt.Errorf("engine: seeding home for %s: %w", h.agent, err)
		}
	}
	return nil
}

// seed copies each seedEntries path that exists in the source home into dst.
func (h *HomeManager) seed(dst string) error {
	for _, entry := range seedEntries {
		src := filepath.Join(h.sourceHome, entry)
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dst, entry)
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			if err := copyTree(src, target); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(src, target); err != nil {
			return err
		}
	}
	return nil
}

// Env returns the environment override pointing the engine at the isolated
// home.
func (h *HomeManager) Env() []string {
	return []string{"HOME=" + h.Dir()}
}

// Repair handles a rollout-index desync: the home is moved aside to
// state/engine-home/<agent>.desync-<ts> and re-seeded. Returns false when a
// repair already happened this process; repeated desyncs indicate a deeper
// problem and must surface as engine failures.
func (h *HomeManager) Repair() (bool, error) {
	if h.repaired {
		return false, nil
	}
	h.repaired = true

	dir := h.Dir()
	aside := fmt.Sprintf("%s.desync-%d", dir, time.Now().Unix())
	if err := os.Rename(dir, aside); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("engine: moving desynced home aside: %w", err)
	}
	h.logger.Warn("engine home desync: moved aside and re-seeding",
		"agent", h.agent, "aside", aside)
	if err := h.Ensure(); err != nil {
		return false, err
	}
	return true, nil
}

// copyTree recursively copies src into dst (which must exist). Symlinks are
// skipped; engine homes are plain credential/history trees.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

// copyFile copies one regular file, creating dst with owner-only permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// CredentialEnv returns the GIT_CONFIG_* environment injecting a credential
// helper pointed at the bus state credentials file, so git credentials never
// leak into the worker's repository config.
func CredentialEnv(stateDir string) []string {
	credFile := filepath.Join(stateDir, ".git-credentials")
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=credential.helper",
		"GIT_CONFIG_VALUE_0=store --file=" + credFile,
	}
}
