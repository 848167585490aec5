// Package dispatch turns the followUps of a validated worker output into
// delivered bus packets. EXECUTE follow-ups get synthesized git references
// (work branch per recipient and lineage, shared integration branch), and a
// blocked parent suppresses everything but STATUS for ordinary workers.
package dispatch

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/logging"
	"github.com/valua-ai/cockpit/internal/schema"
)

// SuppressionReason is recorded in the receipt when a blocked non-autopilot
// outcome drops follow-ups.
const SuppressionReason = "blocked_outcome_non_autopilot"

// Result summarizes one dispatch pass for the receipt.
type Result struct {
	// Delivered lists the ids of the packets that went out.
	Delivered []string

	// Suppressed counts follow-ups dropped by the blocked-outcome rule.
	Suppressed int

	// SuppressedReason is SuppressionReason when Suppressed > 0.
	SuppressedReason string
}

// ReceiptExtra returns the receipt fields recording suppression, or nil when
// nothing was suppressed.
func (r *Result) ReceiptExtra() map[string]any {
	if r.Suppressed == 0 {
		return nil
	}
	return map[string]any{
		"followUpsSuppressed": true,
		"suppressedCount":     r.Suppressed,
		"reason":              r.SuppressedReason,
	}
}

// Dispatcher delivers follow-up packets through the bus store.
type Dispatcher struct {
	store  *bus.Store
	logger *log.Logger
}

// New creates a Dispatcher.
func New(store *bus.Store) *Dispatcher {
	return &Dispatcher{store: store, logger: logging.New("dispatch")}
}

// Dispatch synthesizes and delivers the output's follow-ups for a parent
// task closed by agent. When the parent outcome is blocked, the autopilot
// may still dispatch everything; any other agent dispatches only STATUS and
// the rest are suppressed with a recorded count and reason.
func (d *Dispatcher) Dispatch(parent *bus.Packet, out *schema.Output, agent string, isAutopilot bool) (*Result, error) {
	res := &Result{}
	suppress := out.Outcome == bus.OutcomeBlocked && !isAutopilot

	for i, fu := range out.FollowUps {
		if suppress && fu.Signals.Kind != bus.KindStatus {
			res.Suppressed++
			res.SuppressedReason = SuppressionReason
			d.logger.Info("suppressing follow-up from blocked task",
				"parent", parent.Meta.ID, "kind", fu.Signals.Kind, "to", fu.To)
			continue
		}

		meta, err := d.synthesize(parent, out, agent, fu, i)
		if err != nil {
			return res, err
		}
		if _, err := d.store.Deliver(meta, fu.Body); err != nil {
			return res, fmt.Errorf("dispatch: follow-up %s: %w", meta.ID, err)
		}
		res.Delivered = append(res.Delivered, meta.ID)
	}
	return res, nil
}

// synthesize builds the follow-up packet meta from the parent's lineage.
func (d *Dispatcher) synthesize(parent *bus.Packet, out *schema.Output, agent string, fu schema.FollowUp, idx int) (bus.Meta, error) {
	rootID := fu.Signals.RootID
	if rootID == "" {
		rootID = parent.Meta.Signals.RootID
	}
	if rootID == "" {
		rootID = parent.Meta.ID
	}
	parentID := fu.Signals.ParentID
	if parentID == "" {
		parentID = parent.Meta.ID
	}

	meta := bus.Meta{
		ID:       fmt.Sprintf("fu-%s-%d-%s", parent.Meta.ID, idx, uuid.NewString()[:8]),
		To:       fu.To,
		From:     agent,
		Priority: parent.Meta.Priority,
		Title:    fu.Title,
		Signals: bus.Signals{
			Kind:       fu.Signals.Kind,
			Phase:      fu.Signals.Phase,
			RootID:     rootID,
			ParentID:   parentID,
			Smoke:      fu.Signals.Smoke,
			SourceKind: parent.Meta.Signals.Kind,
		},
	}

	if fu.Signals.Kind == bus.KindExecute {
		refs := d.gitRefsFor(parent, out, fu, rootID, idx)
		if err := meta.SetReference("git", refs); err != nil {
			return meta, fmt.Errorf("dispatch: git refs: %w", err)
		}
		if integration, ok := parent.Meta.References["integration"]; ok {
			meta.References["integration"] = integration
		}
	}
	return meta, nil
}

// gitRefsFor synthesizes the git references of an EXECUTE follow-up. The
// work branch is wip/<recipient>/<rootId>/<variant>; the integration branch
// is slice/<rootId>. The base is the parent's commit when it made one,
// otherwise the parent's own base.
func (d *Dispatcher) gitRefsFor(parent *bus.Packet, out *schema.Output, fu schema.FollowUp, rootID string, idx int) bus.GitRefs {
	base := out.CommitSha
	if base == "" {
		if parentRefs := parent.Meta.GitRefs(); parentRefs != nil {
			base = parentRefs.BaseSha
		}
	}
	recipient := "worker"
	if len(fu.To) > 0 {
		recipient = fu.To[0]
	}
	return bus.GitRefs{
		BaseSha:           base,
		WorkBranch:        fmt.Sprintf("wip/%s/%s/%s", recipient, rootID, variantName(idx)),
		IntegrationBranch: "slice/" + rootID,
	}
}

// variantName maps a follow-up index to a short branch suffix: a, b, ..., z,
// then a27, a28, ...
func variantName(idx int) string {
	if idx < 26 {
		return string(rune('a' + idx))
	}
	return fmt.Sprintf("a%d", idx+1)
}
