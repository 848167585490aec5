// Package gate implements the ordered policy chain applied around each task:
// git preflight and the pre-exec consult barrier before the engine turn;
// review, code quality, skill evidence, observer drain, delegate, and the
// post-review consult barrier after it. The chain short-circuits on the first
// block, and every gate leaves a record under receiptExtra.runtimeGuard.
package gate

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/config"
	"github.com/valua-ai/cockpit/internal/logging"
	"github.com/valua-ai/cockpit/internal/roster"
	"github.com/valua-ai/cockpit/internal/schema"
)

// Gate statuses.
const (
	StatusPass    = "pass"
	StatusWarn    = "warn"
	StatusBlock   = "block"
	StatusSkipped = "skipped"
)

// Record is one gate's entry under receiptExtra.runtimeGuard.
type Record struct {
	Required   bool     `json:"required"`
	Executed   bool     `json:"executed"`
	Status     string   `json:"status"`
	ReasonCode string   `json:"reasonCode,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// skipped builds the record for a gate that did not apply.
func skipped() *Record {
	return &Record{Status: StatusSkipped}
}

// Run is the evaluation context shared by all gates for one task.
type Run struct {
	Task   *bus.Packet
	Agent  roster.Agent
	Store  *bus.Store
	Config *config.Config

	// IsAutopilot marks the privileged agent.
	IsAutopilot bool

	// Output is the validated engine output; nil for pre-turn gates.
	Output *schema.Output

	// RetryPatch is set by gates that allow a bounded retry; the worker
	// reruns the turn with it and re-enters the chain.
	RetryPatch string

	records map[string]*Record
	logger  *log.Logger
}

// NewRun creates the evaluation context for one task.
func NewRun(task *bus.Packet, agent roster.Agent, store *bus.Store, cfg *config.Config, isAutopilot bool) *Run {
	return &Run{
		Task:        task,
		Agent:       agent,
		Store:       store,
		Config:      cfg,
		IsAutopilot: isAutopilot,
		records:     map[string]*Record{},
		logger:      logging.New("gate"),
	}
}

// Records returns the accumulated runtimeGuard map for the receipt.
func (r *Run) Records() map[string]any {
	out := make(map[string]any, len(r.records))
	for name, rec := range r.records {
		out[name] = rec
	}
	return out
}

// Record stores a gate record and returns whether it blocked.
func (r *Run) record(name string, rec *Record) bool {
	r.records[name] = rec
	if rec.Status == StatusBlock {
		r.logger.Warn("gate blocked task",
			"gate", name, "task", r.Task.Meta.ID, "reason", rec.ReasonCode)
		return true
	}
	return false
}

// Gate is one policy in the chain.
type Gate interface {
	// Name keys the gate's record in receiptExtra.runtimeGuard.
	Name() string

	// Check evaluates the gate. A nil error with a block-status record
	// terminates the chain; errors are infrastructure failures.
	Check(ctx context.Context, run *Run) (*Record, error)
}

// Chain evaluates gates in order, stopping at the first block.
type Chain struct {
	gates []Gate
}

// NewChain builds a chain from gates in evaluation order.
func NewChain(gates ...Gate) *Chain {
	return &Chain{gates: gates}
}

// Evaluate runs the chain. Returns the name and record of the blocking gate,
// or ("", nil) when every gate passed.
func (c *Chain) Evaluate(ctx context.Context, run *Run) (string, *Record, error) {
	for _, g := range c.gates {
		rec, err := g.Check(ctx, run)
		if err != nil {
			return g.Name(), nil, err
		}
		if run.record(g.Name(), rec) {
			return g.Name(), rec, nil
		}
	}
	return "", nil, nil
}

// kindEligible reports whether a gate restricted to kinds applies to the
// task's signal kind. An empty restriction means all kinds.
func kindEligible(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
