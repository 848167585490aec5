package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/valua-ai/cockpit/internal/config"
	"github.com/valua-ai/cockpit/internal/consult"
)

// DefaultMaxRounds bounds consult iteration.
const DefaultMaxRounds = 3

// ConsultGate runs the consult barrier, either before the engine turn
// (pre_exec) or after the review gate (post_review). An iterating consultant
// gets up to MaxRounds; a response that never goes final blocks.
type ConsultGate struct {
	Barrier *consult.Barrier

	// Mode is consult.ModePreExec or consult.ModePostReview.
	Mode string

	// MaxRounds caps iteration; zero means DefaultMaxRounds.
	MaxRounds int
}

// Name returns the gate's runtimeGuard key for its mode.
func (g ConsultGate) Name() string {
	if g.Mode == consult.ModePostReview {
		return "opusConsultPost"
	}
	return "opusConsultPre"
}

// Check implements Gate.
func (g ConsultGate) Check(ctx context.Context, run *Run) (*Record, error) {
	if !g.required(run) {
		return skipped(), nil
	}

	rec := &Record{Required: true, Executed: true}

	maxRounds := g.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	req := consult.Request{
		ConsultID:           consult.NewConsultID(),
		Round:               1,
		MaxRounds:           maxRounds,
		Mode:                g.Mode,
		AutopilotHypothesis: run.Task.Meta.Title,
		TaskContext:         taskContext(run),
		Questions:           []string{"Is this plan safe and complete for the task as stated?"},
	}

	for round := 1; round <= maxRounds; round++ {
		req.Round = round
		resp, err := g.Barrier.Ask(ctx, req, run.Task)
		if err != nil {
			return g.failure(run, rec, err), nil
		}

		if !resp.Final {
			req.PriorRoundSummary = resp.Rationale
			req.Questions = append(append([]string{}, resp.RequiredQuestions...), resp.UnresolvedCriticalQuestions...)
			continue
		}

		switch resp.Verdict {
		case consult.VerdictPass:
			rec.Status = StatusPass
			rec.ReasonCode = consult.ReasonPass
		case consult.VerdictWarn:
			rec.Status = StatusWarn
			rec.ReasonCode = consult.ReasonWarn
			rec.Errors = []string{resp.Rationale}
		case consult.VerdictBlock:
			rec.Status = StatusBlock
			rec.ReasonCode = consult.ReasonBlock
			rec.Errors = append([]string{resp.Rationale}, resp.RequiredActions...)
		}
		if resp.RetryPromptPatch != "" {
			run.RetryPatch = resp.RetryPromptPatch
		}
		return rec, nil
	}

	rec.Status = StatusBlock
	rec.ReasonCode = consult.ReasonIterate
	rec.Errors = []string{fmt.Sprintf("consult did not reach a final verdict in %d rounds", maxRounds)}
	return rec, nil
}

// failure maps barrier errors onto the gate record, honoring advisory mode
// for dispatch failures.
func (g ConsultGate) failure(run *Run, rec *Record, err error) *Record {
	switch {
	case errors.Is(err, consult.ErrTimeout):
		rec.Status = StatusBlock
		rec.ReasonCode = consult.ReasonResponseTimeout
		rec.Errors = []string{err.Error()}

	case errors.Is(err, consult.ErrDispatch):
		if run.Config.OpusConsultMode == config.ConsultModeAdvisory {
			rec.Status = StatusWarn
			rec.ReasonCode = consult.ReasonWarn
			rec.Errors = []string{"dispatch failed; continuing with synthesized warn: " + err.Error()}
		} else {
			rec.Status = StatusBlock
			rec.ReasonCode = consult.ReasonDispatchFailed
			rec.Errors = []string{err.Error()}
		}

	default:
		rec.Status = StatusBlock
		rec.ReasonCode = consult.ReasonSchemaInvalid
		rec.Errors = []string{err.Error()}
	}
	return rec
}

func (g ConsultGate) required(run *Run) bool {
	if !run.Config.Gates.Opus {
		return false
	}
	if g.Mode == consult.ModePostReview && !run.Config.Gates.OpusPostReview {
		return false
	}
	return kindEligible(run.Config.Gates.OpusKinds, run.Task.Meta.Signals.Kind)
}

// taskContext condenses the task for the consult payload.
func taskContext(run *Run) string {
	body := strings.TrimSpace(run.Task.Body)
	if len(body) > 2000 {
		body = body[:2000] + "\n[truncated]"
	}
	return fmt.Sprintf("task=%s kind=%s agent=%s\n\n%s",
		run.Task.Meta.ID, run.Task.Meta.Signals.Kind, run.Agent.Name, body)
}
