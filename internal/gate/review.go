package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/schema"
)

// ReviewRunner starts built-in review turns and returns the parsed review
// block. Retry reruns the turn with a schema retry patch. The worker wires
// this to the engine driver.
type ReviewRunner interface {
	RunReview(ctx context.Context, targetSha string, retryPatch string) (*schema.Review, error)
}

// PRCommitsResolver resolves a PR number to its ordered commit shas. The
// production resolver shells out to gh; tests substitute their own.
type PRCommitsResolver func(ctx context.Context, workdir string, prNumber int) ([]string, error)

// ResolvePRCommits is the production resolver, backed by
// `gh pr view <n> --json commits`.
func ResolvePRCommits(ctx context.Context, workdir string, prNumber int) ([]string, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", fmt.Sprint(prNumber), "--json", "commits")
	cmd.Dir = workdir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gate: gh pr view %d: %w", prNumber, err)
	}
	var doc struct {
		Commits []struct {
			OID string `json:"oid"`
		} `json:"commits"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("gate: decoding gh pr view output: %w", err)
	}
	shas := make([]string, 0, len(doc.Commits))
	for _, c := range doc.Commits {
		shas = append(shas, c.OID)
	}
	if len(shas) == 0 {
		return nil, fmt.Errorf("gate: pr %d has no commits", prNumber)
	}
	return shas, nil
}

// ReviewGate requires a built-in review for EXECUTE completions that carry a
// commit, and for any task flagged signals.reviewRequired with a review
// target, as the orchestrator's forwarded digests are. Commit scope reviews
// the single commit; PR scope resolves the PR's ordered commit list and
// requires every commit reviewed, with targetCommitSha pointing at the last.
// One retry is allowed on a schema miss.
type ReviewGate struct {
	Runner     ReviewRunner
	ResolvePRs PRCommitsResolver
}

// Name returns "review".
func (ReviewGate) Name() string { return "review" }

// Check implements Gate.
func (g ReviewGate) Check(ctx context.Context, run *Run) (*Record, error) {
	sig := run.Task.Meta.Signals
	flagged := sig.ReviewRequired && sig.ReviewTarget != nil
	if sig.Kind != bus.KindExecute && !flagged {
		return skipped(), nil
	}
	if run.Output == nil || run.Output.Outcome != bus.OutcomeDone {
		return skipped(), nil
	}
	// Flagged digests review the upstream commit named by the target; the
	// turn that processed the digest rarely commits anything itself.
	targetSha := run.Output.CommitSha
	if targetSha == "" && flagged {
		targetSha = sig.ReviewTarget.CommitSha
	}
	prScope := sig.ReviewTarget != nil && sig.ReviewTarget.Scope == "pr"
	if targetSha == "" && !prScope {
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true, Status: StatusPass}

	scope := "commit"
	wantCommits := []string{targetSha}
	if prScope {
		scope = "pr"
		resolve := g.ResolvePRs
		if resolve == nil {
			resolve = ResolvePRCommits
		}
		commits, err := resolve(ctx, run.Agent.Workdir, sig.ReviewTarget.PRNumber)
		if err != nil {
			rec.Status = StatusBlock
			rec.ReasonCode = "pr_commits_unresolved"
			rec.Errors = []string{err.Error()}
			return rec, nil
		}
		wantCommits = commits
	}

	review, err := g.reviewWithRetry(ctx, scope, wantCommits)
	if err != nil {
		rec.Status = StatusBlock
		rec.ReasonCode = "review_schema_invalid"
		rec.Errors = []string{err.Error()}
		return rec, nil
	}
	run.Output.Review = review

	switch review.Verdict {
	case schema.VerdictPass:
	case schema.VerdictChangesRequested:
		rec.Status = StatusBlock
		rec.ReasonCode = "review_changes_requested"
		rec.Errors = []string{review.Summary}
	case schema.VerdictBlock:
		rec.Status = StatusBlock
		rec.ReasonCode = "review_block"
		rec.Errors = []string{review.Summary}
	}
	return rec, nil
}

// reviewWithRetry runs review turns over every target commit, retrying once
// when the evidence fails schema validation.
func (g ReviewGate) reviewWithRetry(ctx context.Context, scope string, wantCommits []string) (*schema.Review, error) {
	retryPatch := ""
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var review *schema.Review
		for _, sha := range wantCommits {
			r, err := g.Runner.RunReview(ctx, sha, retryPatch)
			if err != nil {
				return nil, err
			}
			review = mergeReviews(review, r)
		}
		if err := schema.ValidateReview(review, scope, wantCommits); err != nil {
			lastErr = err
			if verr, ok := err.(*schema.ValidationError); ok {
				retryPatch = verr.RetryPatch()
			}
			continue
		}
		review.Scope = scope
		return review, nil
	}
	return nil, lastErr
}

// mergeReviews folds per-commit review turns into one evidence block: the
// reviewed-commit set accumulates and the last turn's target and verdict
// win, except that any non-pass verdict is sticky.
func mergeReviews(acc, next *schema.Review) *schema.Review {
	if acc == nil {
		return next
	}
	merged := *next
	merged.ReviewedCommits = append(append([]string{}, acc.ReviewedCommits...), next.ReviewedCommits...)
	merged.FindingsCount = acc.FindingsCount + next.FindingsCount
	if acc.Verdict != schema.VerdictPass {
		merged.Verdict = acc.Verdict
	}
	return &merged
}
