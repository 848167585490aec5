package gate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/schema"
)

// QualityScript runs the external code-quality check in the agent's workdir.
// A non-nil error is a failed check carrying the script's findings.
type QualityScript func(ctx context.Context, workdir string) error

// CodeQualityGate enforces the quality policy after a turn. The external
// script and the model's own qualityReview block must both pass: a green
// script with no self-audit is still a block. Forbidden markers in the diff
// block outright. The worker grants one auto-remediation retry by rerunning
// the turn with the recorded retry patch.
type CodeQualityGate struct {
	Script QualityScript

	// Diff supplies the task's unified diff for forbidden-marker scanning;
	// nil skips that check.
	Diff func(ctx context.Context, workdir string) (string, error)
}

// Name returns "codeQuality".
func (CodeQualityGate) Name() string { return "codeQuality" }

// Check implements Gate.
func (g CodeQualityGate) Check(ctx context.Context, run *Run) (*Record, error) {
	if !run.Config.Gates.CodeQuality || !kindEligible(run.Config.Gates.CodeQualityKinds, run.Task.Meta.Signals.Kind) {
		return skipped(), nil
	}
	if run.Output == nil || run.Output.Outcome != bus.OutcomeDone {
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true, Status: StatusPass}

	if g.Diff != nil {
		diff, err := g.Diff(ctx, run.Agent.Workdir)
		if err == nil {
			if hits := run.checkDiffMarkers(diff); len(hits) > 0 {
				rec.Status = StatusBlock
				rec.ReasonCode = "forbidden_markers"
				rec.Errors = hits
				return rec, nil
			}
		}
	}

	if g.Script != nil {
		if err := g.Script(ctx, run.Agent.Workdir); err != nil {
			rec.Status = StatusBlock
			rec.ReasonCode = "quality_script_failed"
			rec.Errors = []string{err.Error()}
			run.RetryPatch = "The code-quality check failed:\n" + err.Error() + "\nRemediate and respond again with the full output document."
			return rec, nil
		}
	}

	qr := run.Output.QualityReview
	if qr == nil || !qr.Ran {
		rec.Status = StatusBlock
		rec.ReasonCode = "quality_review_missing"
		rec.Errors = []string{"output has no qualityReview block; script pass alone is insufficient"}
		run.RetryPatch = "Include a qualityReview block with ran=true and your hard-rule checks (diff volume, duplication, escape patterns, runtime-script tests)."
		return rec, nil
	}
	var failed []string
	for name, ok := range qr.Checks {
		if !ok {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		rec.Status = StatusBlock
		rec.ReasonCode = "quality_hard_rule_failed"
		rec.Errors = failed
	}
	return rec, nil
}

// RunQualityScript is the production QualityScript: it executes the given
// command in the workdir and reports its combined output on failure.
func RunQualityScript(script string) QualityScript {
	return func(ctx context.Context, workdir string) error {
		if script == "" {
			return nil
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		cmd.Dir = workdir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("quality script: %s", strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// checkDiffMarkers formats forbidden-marker hits for a gate record.
func (r *Run) checkDiffMarkers(diff string) []string {
	var out []string
	for _, hit := range schema.CheckDiff(diff) {
		out = append(out, fmt.Sprintf("%s: %s", hit.Rule, strings.TrimSpace(hit.Line)))
	}
	return out
}

// SkillEvidenceGate requires the model to show its work: testsToRun must
// include the configured evidence commands, and artifacts must reference a
// log file that exists on disk.
type SkillEvidenceGate struct {
	// RequiredCommands are substrings that must each appear in some
	// testsToRun entry. Defaults to the debrief/distill/lint trio.
	RequiredCommands []string
}

// DefaultEvidenceCommands is the standard required evidence set.
var DefaultEvidenceCommands = []string{"debrief", "distill", "lint"}

// Name returns "skillEvidence".
func (SkillEvidenceGate) Name() string { return "skillEvidence" }

// Check implements Gate.
func (g SkillEvidenceGate) Check(_ context.Context, run *Run) (*Record, error) {
	if !run.Config.Gates.Skillops || !kindEligible(run.Config.Gates.SkillopsKinds, run.Task.Meta.Signals.Kind) {
		return skipped(), nil
	}
	if run.Output == nil || run.Output.Outcome != bus.OutcomeDone {
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true, Status: StatusPass}

	required := g.RequiredCommands
	if len(required) == 0 {
		required = DefaultEvidenceCommands
	}
	for _, want := range required {
		found := false
		for _, cmd := range run.Output.TestsToRun {
			if strings.Contains(cmd, want) {
				found = true
				break
			}
		}
		if !found {
			rec.Errors = append(rec.Errors, fmt.Sprintf("testsToRun is missing a %q command", want))
		}
	}

	logFound := false
	for _, artifact := range run.Output.Artifacts {
		if !strings.HasSuffix(artifact, ".log") {
			continue
		}
		path := artifact
		if !filepath.IsAbs(path) {
			path = filepath.Join(run.Agent.Workdir, path)
		}
		if _, err := os.Stat(path); err == nil {
			logFound = true
			break
		}
		rec.Errors = append(rec.Errors, fmt.Sprintf("artifact log %s does not exist", artifact))
	}
	if !logFound {
		rec.Errors = append(rec.Errors, "no existing log file referenced in artifacts")
	}

	if len(rec.Errors) > 0 {
		rec.Status = StatusBlock
		rec.ReasonCode = "skill_evidence_missing"
	}
	return rec, nil
}

// ObserverDrainGate blocks a ready closure while sibling digest packets for
// the same rootId are still waiting in the agent's inbox. The pending ids are
// listed so the model can drain them first.
type ObserverDrainGate struct{}

// digestKinds are the packet kinds the drain gate considers observations.
var digestKinds = map[string]bool{
	bus.KindTaskComplete:       true,
	bus.KindOrchestratorUpdate: true,
}

// Name returns "observerDrain".
func (ObserverDrainGate) Name() string { return "observerDrain" }

// Check implements Gate.
func (ObserverDrainGate) Check(_ context.Context, run *Run) (*Record, error) {
	if !run.Config.Gates.ObserverDrain || !kindEligible(run.Config.Gates.ObserverDrainKinds, run.Task.Meta.Signals.Kind) {
		return skipped(), nil
	}
	rootID := run.Task.Meta.Signals.RootID
	if rootID == "" || run.Output == nil || run.Output.Outcome != bus.OutcomeDone {
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true, Status: StatusPass}

	refs, err := run.Store.ListNew(run.Agent.Name)
	if err != nil {
		return nil, fmt.Errorf("gate: listing inbox: %w", err)
	}
	var pending []string
	for _, ref := range refs {
		if ref.ID == run.Task.Meta.ID || !digestKinds[ref.Kind] {
			continue
		}
		pkt, _, err := run.Store.Open(run.Agent.Name, ref.ID, false)
		if err != nil {
			continue
		}
		if pkt.Meta.Signals.RootID == rootID {
			pending = append(pending, ref.ID)
		}
	}
	if len(pending) > 0 {
		rec.Status = StatusBlock
		rec.ReasonCode = "observer_digests_pending"
		rec.Errors = pending
	}
	return rec, nil
}

// DelegateGate restricts EXECUTE follow-up dispatch to the autopilot when
// enabled: ordinary workers asking for new EXECUTE tasks is a policy block,
// not a silent suppression.
type DelegateGate struct{}

// Name returns "delegate".
func (DelegateGate) Name() string { return "delegate" }

// Check implements Gate.
func (DelegateGate) Check(_ context.Context, run *Run) (*Record, error) {
	if !run.Config.Gates.Delegate || !kindEligible(run.Config.Gates.DelegateKinds, run.Task.Meta.Signals.Kind) {
		return skipped(), nil
	}
	if run.Output == nil || run.IsAutopilot {
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true, Status: StatusPass}
	for i, fu := range run.Output.FollowUps {
		if fu.Signals.Kind == bus.KindExecute {
			rec.Errors = append(rec.Errors, fmt.Sprintf("followUps[%d] requests EXECUTE dispatch", i))
		}
	}
	if len(rec.Errors) > 0 {
		rec.Status = StatusBlock
		rec.ReasonCode = "delegate_not_permitted"
	}
	return rec, nil
}
