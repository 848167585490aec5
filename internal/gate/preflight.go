package gate

import (
	"context"
	"fmt"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/git"
)

// GitPreflight prepares the worker's repository before an EXECUTE turn: the
// work branch is created from (or hard-synced to) baseSha, and a dirty tree
// blocks unless auto-clean is enabled. In enforce mode an EXECUTE task
// without references.git is itself a block.
type GitPreflight struct{}

// Name returns "gitPreflight".
func (GitPreflight) Name() string { return "gitPreflight" }

// Check implements Gate.
func (GitPreflight) Check(ctx context.Context, run *Run) (*Record, error) {
	if run.Task.Meta.Signals.Kind != bus.KindExecute {
		return skipped(), nil
	}

	refs := run.Task.Meta.GitRefs()
	if refs == nil {
		if run.Config.GitPreflightEnforce {
			return &Record{
				Required:   true,
				Executed:   true,
				Status:     StatusBlock,
				ReasonCode: "git_refs_missing",
				Errors:     []string{"EXECUTE task has no references.git and preflight is enforced"},
			}, nil
		}
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true, Status: StatusPass}

	if !git.IsRepo(run.Agent.Workdir) {
		rec.Status = StatusBlock
		rec.ReasonCode = "workdir_not_git_repo"
		rec.Errors = []string{fmt.Sprintf("workdir %s is not a git repository", run.Agent.Workdir)}
		return rec, nil
	}

	client, err := git.NewClient(run.Agent.Workdir)
	if err != nil {
		rec.Status = StatusBlock
		rec.ReasonCode = "git_client_failed"
		rec.Errors = []string{err.Error()}
		return rec, nil
	}

	dirty, err := client.HasUncommittedChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("gate: git status: %w", err)
	}
	if dirty {
		if !run.Config.GitAutoClean {
			rec.Status = StatusBlock
			rec.ReasonCode = "dirty_work_tree"
			rec.Errors = []string{"working tree has uncommitted changes and auto-clean is disabled"}
			return rec, nil
		}
		if err := client.CleanWorkTree(ctx); err != nil {
			rec.Status = StatusBlock
			rec.ReasonCode = "auto_clean_failed"
			rec.Errors = []string{err.Error()}
			return rec, nil
		}
	}

	if refs.WorkBranch != "" {
		base := refs.BaseSha
		if base != "" && !client.CommitExists(ctx, base) {
			if err := client.Fetch(ctx, "origin"); err != nil || !client.CommitExists(ctx, base) {
				rec.Status = StatusBlock
				rec.ReasonCode = "base_sha_unknown"
				rec.Errors = []string{fmt.Sprintf("baseSha %s not found locally", base)}
				return rec, nil
			}
		}
		if err := client.CheckoutBranchAt(ctx, refs.WorkBranch, base); err != nil {
			rec.Status = StatusBlock
			rec.ReasonCode = "branch_setup_failed"
			rec.Errors = []string{err.Error()}
			return rec, nil
		}
	}
	return rec, nil
}
