// Package orchestrator implements the digest-consuming worker: it drains the
// orchestrator's own inbox, fans TASK_COMPLETE digests out to chat and the
// autopilot, and coalesces review-action packets per root task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/logging"
	"github.com/valua-ai/cockpit/internal/roster"
)

// DefaultPoll is the inbox poll interval between drain passes.
const DefaultPoll = 500 * time.Millisecond

// MaxSelfRemediateDepth caps how many times a failed self-remediation digest
// may be forwarded back to the autopilot.
const MaxSelfRemediateDepth = 1

// depthKey is the references entry tracking self-remediation forwarding depth.
const depthKey = "orchestratorSelfRemediateDepth"

// forwardConcurrency bounds how many completion digests are forwarded at once
// within a drain pass.
const forwardConcurrency = 4

// Options configures an Orchestrator.
type Options struct {
	Store  *bus.Store
	Roster *roster.Roster
	Poll   time.Duration
}

// Orchestrator drains the orchestrator agent's inbox and forwards digests.
type Orchestrator struct {
	store  *bus.Store
	rost   *roster.Roster
	agent  string
	poll   time.Duration
	logger *log.Logger
}

// New builds an Orchestrator from options.
func New(opts Options) *Orchestrator {
	poll := opts.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	return &Orchestrator{
		store:  opts.Store,
		rost:   opts.Roster,
		agent:  opts.Roster.Orchestrator(),
		poll:   poll,
		logger: logging.New("orchestrator"),
	}
}

// Run drains the inbox until ctx is done. With once set it performs a single
// drain pass and returns. Startup reconciles packets stranded by a prior
// crash.
func (o *Orchestrator) Run(ctx context.Context, once bool) error {
	requeued, err := o.store.Reconcile(o.agent)
	if err != nil {
		return fmt.Errorf("orchestrator: reconcile: %w", err)
	}
	if len(requeued) > 0 {
		o.logger.Info("requeued stranded digests", "count", len(requeued))
	}

	for {
		n, err := o.Drain(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if once {
			return nil
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.poll):
			}
		}
	}
}

// drainBatch buckets the packets one drain pass claimed, by kind.
type drainBatch struct {
	completes    []*bus.Packet
	reviewGroups map[string][]*bus.Packet
	reviewOrder  []string
	others       []*bus.Packet
}

// Drain claims every currently visible inbox packet and processes the batch:
// TASK_COMPLETE digests fan out individually, REVIEW_ACTION_REQUIRED packets
// coalesce per rootId. Returns the number of packets consumed.
func (o *Orchestrator) Drain(ctx context.Context) (int, error) {
	refs, err := o.store.ListNew(o.agent)
	if err != nil {
		return 0, err
	}
	batch, err := o.ingest(ctx, refs)
	if err != nil {
		return 0, err
	}

	// Completion digests are independent of each other; fan the forwarding
	// out concurrently. Review groups stay sequential so coalesced packet
	// contents remain deterministic.
	var forwarded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(forwardConcurrency)
	for _, pkt := range batch.completes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := o.forwardComplete(pkt); err != nil {
				return err
			}
			forwarded.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(forwarded.Load()), err
	}

	consumed := int(forwarded.Load())
	for _, root := range batch.reviewOrder {
		if err := o.forwardReviewActions(root, batch.reviewGroups[root]); err != nil {
			return consumed, err
		}
		consumed += len(batch.reviewGroups[root])
	}
	for _, pkt := range batch.others {
		o.logger.Warn("skipping packet of unexpected kind",
			"id", pkt.Meta.ID, "kind", pkt.Meta.Signals.Kind)
		if err := o.close(pkt.Meta.ID, bus.OutcomeSkipped, "not a digest kind the orchestrator consumes"); err != nil {
			return consumed, err
		}
		consumed++
	}
	return consumed, nil
}

// ingest claims each listed packet and buckets it. Failures scoped to one
// packet (claim races, an unreadable packet) are confined to that packet; an
// unreadable claimed packet is closed failed where possible and otherwise
// left quarantined in in_progress, and the rest of the batch proceeds.
func (o *Orchestrator) ingest(ctx context.Context, refs []bus.TaskRef) (*drainBatch, error) {
	batch := &drainBatch{reviewGroups: map[string][]*bus.Packet{}}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := o.store.Claim(o.agent, ref.ID); err != nil {
			if errors.Is(err, bus.ErrAlreadyClaimed) || errors.Is(err, bus.ErrNotFound) {
				continue
			}
			o.logger.Warn("claiming digest failed; leaving for a later pass", "id", ref.ID, "err", err)
			continue
		}
		pkt, _, err := o.store.Open(o.agent, ref.ID, false)
		if err != nil {
			o.logger.Error("claimed digest is unreadable", "id", ref.ID, "err", err)
			if cerr := o.close(ref.ID, bus.OutcomeFailed, "unreadable digest: "+err.Error()); cerr != nil {
				o.logger.Error("closing unreadable digest failed; leaving in in_progress",
					"id", ref.ID, "err", cerr)
			}
			continue
		}
		switch pkt.Meta.Signals.Kind {
		case bus.KindTaskComplete:
			batch.completes = append(batch.completes, pkt)
		case bus.KindReviewActionRequired:
			root := pkt.Meta.Signals.RootID
			if root == "" {
				root = pkt.Meta.ID
			}
			if _, seen := batch.reviewGroups[root]; !seen {
				batch.reviewOrder = append(batch.reviewOrder, root)
			}
			batch.reviewGroups[root] = append(batch.reviewGroups[root], pkt)
		default:
			batch.others = append(batch.others, pkt)
		}
	}
	return batch, nil
}

// forwardComplete turns one TASK_COMPLETE digest into ORCHESTRATOR_UPDATE
// packets for chat and, when actionable, the autopilot.
func (o *Orchestrator) forwardComplete(pkt *bus.Packet) error {
	var completion bus.CompletionRef
	ok, err := pkt.Meta.Reference("completion", &completion)
	if err != nil || !ok {
		o.logger.Warn("digest missing completion reference; skipping", "id", pkt.Meta.ID, "err", err)
		return o.close(pkt.Meta.ID, bus.OutcomeSkipped, "malformed digest: no completion reference")
	}

	reviewRequired := completion.CompletedTaskKind == bus.KindExecute &&
		completion.ReceiptOutcome == string(bus.OutcomeDone) &&
		completion.CommitSha != ""

	recipients := []string{o.rost.Chat()}
	if o.actionable(completion, reviewRequired) {
		depth := o.selfRemediateDepth(pkt)
		if o.isFailedSelfRemediation(completion) && depth >= MaxSelfRemediateDepth {
			o.logger.Warn("self-remediation depth exhausted; not re-forwarding to autopilot",
				"id", pkt.Meta.ID, "depth", depth)
		} else {
			recipients = append(recipients, o.rost.Autopilot())
		}
	}

	update := bus.Meta{
		ID:       fmt.Sprintf("ou-%s-%s", pkt.Meta.ID, uuid.NewString()[:8]),
		To:       recipients,
		From:     o.agent,
		Priority: pkt.Meta.Priority,
		Title:    fmt.Sprintf("ORCHESTRATOR_UPDATE: %s", pkt.Meta.Title),
		Signals: bus.Signals{
			Kind:           bus.KindOrchestratorUpdate,
			RootID:         pkt.Meta.Signals.RootID,
			ParentID:       pkt.Meta.ID,
			SourceKind:     completion.CompletedTaskKind,
			ReviewRequired: reviewRequired,
		},
	}
	if err := update.SetReference("completion", completion); err != nil {
		return err
	}
	if o.isFailedSelfRemediation(completion) {
		if err := update.SetReference(depthKey, o.selfRemediateDepth(pkt)+1); err != nil {
			return err
		}
	}

	body := fmt.Sprintf("Task %s (%s) closed %s.\nsourceKind=%s completedTaskKind=%s receiptOutcome=%s commitSha=%s reviewRequired=%t\n",
		completion.CompletedTaskID, completion.CompletedTaskKind, completion.ReceiptOutcome,
		pkt.Meta.Signals.SourceKind, completion.CompletedTaskKind, completion.ReceiptOutcome,
		completion.CommitSha, reviewRequired)

	if _, err := o.store.Deliver(update, body); err != nil {
		return fmt.Errorf("orchestrator: forwarding %s: %w", pkt.Meta.ID, err)
	}
	o.logger.Info("forwarded completion digest",
		"source", pkt.Meta.ID, "to", recipients, "outcome", completion.ReceiptOutcome, "reviewRequired", reviewRequired)
	return o.close(pkt.Meta.ID, bus.OutcomeDone, "forwarded to "+strings.Join(recipients, ", "))
}

// forwardReviewActions delivers one coalesced REVIEW_ACTION_REQUIRED packet
// to the autopilot for all same-root sources, then closes the sources.
func (o *Orchestrator) forwardReviewActions(root string, pkts []*bus.Packet) error {
	ids := make([]string, 0, len(pkts))
	for _, p := range pkts {
		ids = append(ids, p.Meta.ID)
	}
	sort.Strings(ids)

	first := pkts[0]
	meta := bus.Meta{
		ID:       fmt.Sprintf("rar-%s-%s", root, uuid.NewString()[:8]),
		To:       []string{o.rost.Autopilot()},
		From:     o.agent,
		Priority: first.Meta.Priority,
		Title:    fmt.Sprintf("REVIEW_ACTION_REQUIRED: %s", root),
		Signals: bus.Signals{
			Kind:         bus.KindReviewActionRequired,
			RootID:       root,
			ParentID:     first.Meta.ID,
			ReviewTarget: first.Meta.Signals.ReviewTarget,
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review action required for root %s.\n\nSource packets:\n", root)
	for _, id := range ids {
		fmt.Fprintf(&b, "- %s\n", id)
	}

	if _, err := o.store.Deliver(meta, b.String()); err != nil {
		return fmt.Errorf("orchestrator: forwarding review actions for %s: %w", root, err)
	}
	o.logger.Info("forwarded coalesced review action", "root", root, "sources", len(ids))

	note := "coalesced into " + meta.ID
	for _, p := range pkts {
		if err := o.close(p.Meta.ID, bus.OutcomeDone, note); err != nil {
			return err
		}
	}
	return nil
}

// actionable reports whether the autopilot should see this completion:
// anything needing review, or any non-done outcome.
func (o *Orchestrator) actionable(c bus.CompletionRef, reviewRequired bool) bool {
	if reviewRequired {
		return true
	}
	return c.ReceiptOutcome != string(bus.OutcomeDone) && c.ReceiptOutcome != string(bus.OutcomeSkipped)
}

// isFailedSelfRemediation reports whether this digest closes an earlier
// orchestrator update without a done outcome.
func (o *Orchestrator) isFailedSelfRemediation(c bus.CompletionRef) bool {
	return c.CompletedTaskKind == bus.KindOrchestratorUpdate &&
		c.ReceiptOutcome != string(bus.OutcomeDone)
}

// selfRemediateDepth reads the forwarding depth carried on the digest, zero
// when absent or unreadable.
func (o *Orchestrator) selfRemediateDepth(pkt *bus.Packet) int {
	var depth int
	if ok, err := pkt.Meta.Reference(depthKey, &depth); err != nil || !ok {
		return 0
	}
	return depth
}

func (o *Orchestrator) close(id string, outcome bus.Outcome, note string) error {
	_, err := o.store.Close(o.agent, id, bus.Closure{Outcome: outcome, Note: note})
	return err
}
