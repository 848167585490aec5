// Package schema defines and validates the worker output contract: the JSON
// document every engine turn must end with. Parsing is tolerant (fenced or
// bare JSON anywhere in the last agent message, with a repair pass for almost
// valid output) while validation is strict: every contract key must be
// present, filled with ""/[]/null when unused.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/jsonutil"
)

// ErrSchemaInvalid wraps any output-contract validation failure.
var ErrSchemaInvalid = errors.New("output does not satisfy contract")

// requiredKeys must all be present in the top-level output object.
var requiredKeys = []string{
	"outcome",
	"note",
	"commitSha",
	"planMarkdown",
	"filesToChange",
	"testsToRun",
	"artifacts",
	"riskNotes",
	"rollbackPlan",
	"followUps",
	"review",
	"runtimeGuard",
}

// Review is the built-in review evidence block. It is null in the output
// unless the review gate required a review turn.
type Review struct {
	Ran             bool           `json:"ran"`
	Method          string         `json:"method"`
	TargetCommitSha string         `json:"targetCommitSha"`
	Scope           string         `json:"scope"`
	ReviewedCommits []string       `json:"reviewedCommits"`
	Summary         string         `json:"summary"`
	FindingsCount   int            `json:"findingsCount"`
	Verdict         string         `json:"verdict"`
	Evidence        ReviewEvidence `json:"evidence"`
}

// Review verdicts.
const (
	VerdictPass             = "pass"
	VerdictChangesRequested = "changes_requested"
	VerdictBlock            = "block"
)

// ReviewMethodBuiltIn is the only accepted review method.
const ReviewMethodBuiltIn = "built_in_review"

// ReviewEvidence points at the durable review artifact.
type ReviewEvidence struct {
	ArtifactPath    string   `json:"artifactPath"`
	SectionsPresent []string `json:"sectionsPresent"`
}

// QualityReview carries the model's own hard-rule checks; the code-quality
// gate requires it alongside the external script.
type QualityReview struct {
	Ran     bool            `json:"ran"`
	Checks  map[string]bool `json:"checks"`
	Verdict string          `json:"verdict"`
	Notes   string          `json:"notes"`
}

// FollowUpSignals is the signals block of a synthesized follow-up.
type FollowUpSignals struct {
	Kind     string `json:"kind"`
	Phase    string `json:"phase,omitempty"`
	RootID   string `json:"rootId,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Smoke    bool   `json:"smoke,omitempty"`
}

// FollowUp is one requested follow-up task.
type FollowUp struct {
	To      []string        `json:"to"`
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Signals FollowUpSignals `json:"signals"`
}

// Output is the validated worker output document.
type Output struct {
	Outcome       bus.Outcome     `json:"outcome"`
	Note          string          `json:"note"`
	CommitSha     string          `json:"commitSha"`
	PlanMarkdown  string          `json:"planMarkdown"`
	FilesToChange []string        `json:"filesToChange"`
	TestsToRun    []string        `json:"testsToRun"`
	Artifacts     []string        `json:"artifacts"`
	RiskNotes     string          `json:"riskNotes"`
	RollbackPlan  string          `json:"rollbackPlan"`
	FollowUps     []FollowUp      `json:"followUps"`
	Review        *Review         `json:"review"`
	QualityReview *QualityReview  `json:"qualityReview,omitempty"`
	Autopilot     json.RawMessage `json:"autopilotControl,omitempty"`
}

// ValidationError collects everything wrong with an output document, so the
// retry prompt can name each problem.
type ValidationError struct {
	MissingKeys []string
	Problems    []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingKeys) > 0 {
		parts = append(parts, "missing keys: "+strings.Join(e.MissingKeys, ", "))
	}
	parts = append(parts, e.Problems...)
	return "schema: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrSchemaInvalid }

// RetryPatch renders the validation failure as a retry requirement the next
// turn must satisfy.
func (e *ValidationError) RetryPatch() string {
	var b strings.Builder
	b.WriteString("Your previous response did not satisfy the output contract. Fix the following and respond again with the complete JSON document:\n")
	for _, k := range e.MissingKeys {
		fmt.Fprintf(&b, "- key %q is missing; every contract key must be present (use \"\", [], or null when unused)\n", k)
	}
	for _, p := range e.Problems {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}

// Parse extracts, repairs if needed, and validates the output document from
// the last agent message.
func Parse(message string) (*Output, error) {
	raw, err := extract(message)
	if err != nil {
		return nil, err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, &ValidationError{Problems: []string{"top level is not a JSON object"}}
	}

	verr := &ValidationError{}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			verr.MissingKeys = append(verr.MissingKeys, k)
		}
	}
	if guard, ok := keys["runtimeGuard"]; ok && strings.TrimSpace(string(guard)) != "null" {
		verr.Problems = append(verr.Problems, "runtimeGuard must be null; the worker fills it")
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		verr.Problems = append(verr.Problems, "document does not match the contract shape: "+err.Error())
		return nil, verr
	}

	if !out.Outcome.Valid() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("outcome %q is not one of done, blocked, failed, skipped, needs_review", out.Outcome))
	}
	if out.CommitSha != "" && !bus.ValidCommitSha(out.CommitSha) {
		verr.Problems = append(verr.Problems, fmt.Sprintf("commitSha %q is not a hex sha", out.CommitSha))
	}
	for i, fu := range out.FollowUps {
		if len(fu.To) == 0 {
			verr.Problems = append(verr.Problems, fmt.Sprintf("followUps[%d] has no recipients", i))
		}
		if fu.Signals.Kind == "" {
			verr.Problems = append(verr.Problems, fmt.Sprintf("followUps[%d] has no signals.kind", i))
		}
	}

	if len(verr.MissingKeys) > 0 || len(verr.Problems) > 0 {
		return nil, verr
	}
	return &out, nil
}

// ValidateReview checks the review block the review gate requires. scope and
// wantCommits come from the gate's target resolution.
func ValidateReview(r *Review, scope string, wantCommits []string) error {
	verr := &ValidationError{}
	if r == nil {
		verr.Problems = append(verr.Problems, "review is null but a review was required")
		return verr
	}
	if !r.Ran {
		verr.Problems = append(verr.Problems, "review.ran must be true")
	}
	if r.Method != ReviewMethodBuiltIn {
		verr.Problems = append(verr.Problems, fmt.Sprintf("review.method must be %q", ReviewMethodBuiltIn))
	}
	if scope != "" && r.Scope != scope {
		verr.Problems = append(verr.Problems, fmt.Sprintf("review.scope must be %q", scope))
	}
	switch r.Verdict {
	case VerdictPass, VerdictChangesRequested, VerdictBlock:
	default:
		verr.Problems = append(verr.Problems, fmt.Sprintf("review.verdict %q is not one of pass, changes_requested, block", r.Verdict))
	}
	if r.Evidence.ArtifactPath == "" {
		verr.Problems = append(verr.Problems, "review.evidence.artifactPath is empty")
	} else if strings.HasPrefix(r.Evidence.ArtifactPath, "/") {
		verr.Problems = append(verr.Problems, "review.evidence.artifactPath must be repo-relative")
	}

	if len(wantCommits) > 0 {
		reviewed := map[string]bool{}
		for _, c := range r.ReviewedCommits {
			reviewed[c] = true
		}
		for _, c := range wantCommits {
			if !reviewed[c] {
				verr.Problems = append(verr.Problems, fmt.Sprintf("commit %s was not reviewed", c))
			}
		}
		if want := wantCommits[len(wantCommits)-1]; r.TargetCommitSha != want {
			verr.Problems = append(verr.Problems, fmt.Sprintf("review.targetCommitSha must be the last commit %s", want))
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// extract pulls the last JSON document out of the message, repairing it when
// plain extraction fails.
func extract(message string) (json.RawMessage, error) {
	if raw, err := jsonutil.ExtractLast(message); err == nil {
		return raw, nil
	}
	repaired, err := jsonrepair.JSONRepair(message)
	if err != nil {
		return nil, &ValidationError{Problems: []string{"no JSON document found in the response"}}
	}
	raw, err := jsonutil.ExtractLast(repaired)
	if err != nil {
		return nil, &ValidationError{Problems: []string{"no JSON document found in the response"}}
	}
	return raw, nil
}

// Forbidden diff markers: silent error swallowing and lint suppression are
// rejected in new lines.
var forbiddenMarkers = []struct {
	name string
	re   *regexp.Regexp
}{
	{"empty_catch", regexp.MustCompile(`catch\s*(\([^)]*\))?\s*\{\s*\}`)},
	{"eslint_disable", regexp.MustCompile(`eslint-disable`)},
}

// ForbiddenMarkerHit names a forbidden marker found in a new diff line.
type ForbiddenMarkerHit struct {
	Rule string
	Line string
}

// CheckDiff scans the added lines of a unified diff for forbidden markers.
func CheckDiff(diff string) []ForbiddenMarkerHit {
	var hits []ForbiddenMarkerHit
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		for _, m := range forbiddenMarkers {
			if m.re.MatchString(line) {
				hits = append(hits, ForbiddenMarkerHit{Rule: m.name, Line: strings.TrimPrefix(line, "+")})
			}
		}
	}
	return hits
}
