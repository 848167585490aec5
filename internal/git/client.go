// Package git wraps the git CLI operations the preflight and review gates
// need. All methods shell out to the git binary via os/exec, following the
// same pattern as gh and lazygit.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client runs git commands in a fixed working directory.
type Client struct {
	// WorkDir is the working directory for git commands. Empty means the
	// current directory.
	WorkDir string

	// GitBin is the path to the git binary. Defaults to "git".
	GitBin string
}

// NewClient creates a Client for workDir and verifies that the directory is
// inside a git repository.
func NewClient(workDir string) (*Client, error) {
	c := &Client{WorkDir: workDir, GitBin: "git"}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("git: %s is not a git repository: %w", workDir, err)
	}
	return c, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// CurrentBranch returns the current branch name, or an error in detached
// HEAD state.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: current branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", fmt.Errorf("git: current branch: detached HEAD state")
	}
	return branch, nil
}

// BranchExists reports whether the named local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) bool {
	_, err := c.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CommitExists reports whether sha resolves to a commit object.
func (c *Client) CommitExists(ctx context.Context, sha string) bool {
	_, err := c.run(ctx, "rev-parse", "--verify", sha+"^{commit}")
	return err == nil
}

// CheckoutBranchAt checks out branch pointing at base, creating the branch
// when missing and hard-resetting it to base when it already exists.
func (c *Client) CheckoutBranchAt(ctx context.Context, branch, base string) error {
	if c.BranchExists(ctx, branch) {
		if _, err := c.run(ctx, "checkout", branch); err != nil {
			return fmt.Errorf("git: checkout %q: %w", branch, err)
		}
		if base != "" {
			if _, err := c.run(ctx, "reset", "--hard", base); err != nil {
				return fmt.Errorf("git: reset %q to %q: %w", branch, base, err)
			}
		}
		return nil
	}
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("git: create branch %q at %q: %w", branch, base, err)
	}
	return nil
}

// HasUncommittedChanges reports whether the work tree is dirty, including
// untracked files.
func (c *Client) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git: status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CleanWorkTree discards all uncommitted changes and removes untracked files
// and directories.
func (c *Client) CleanWorkTree(ctx context.Context) error {
	if _, err := c.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("git: reset --hard: %w", err)
	}
	if _, err := c.run(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("git: clean -fd: %w", err)
	}
	return nil
}

// HeadSha returns the full sha of HEAD.
func (c *Client) HeadSha(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: head sha: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Fetch updates the named remote.
func (c *Client) Fetch(ctx context.Context, remote string) error {
	if _, err := c.run(ctx, "fetch", "--quiet", remote); err != nil {
		return fmt.Errorf("git: fetch %q: %w", remote, err)
	}
	return nil
}

// CommitOnRemote reports whether sha is reachable from any branch of the
// named remote.
func (c *Client) CommitOnRemote(ctx context.Context, remote, sha string) (bool, error) {
	out, err := c.run(ctx, "branch", "-r", "--contains", sha)
	if err != nil {
		// An unknown sha yields a non-zero exit; treat as not present.
		return false, nil
	}
	prefix := remote + "/"
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return true, nil
		}
	}
	return false, nil
}

// run executes git with the given args and returns stdout. Non-zero exits
// become errors carrying trimmed stderr.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	bin := c.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}
