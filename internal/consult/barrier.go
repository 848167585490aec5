package consult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/valua-ai/cockpit/internal/bus"
	"github.com/valua-ai/cockpit/internal/logging"
)

// ErrTimeout is returned when no matching response arrives before the
// deadline.
var ErrTimeout = errors.New("consult response timeout")

// ErrDispatch is returned when the request packet cannot be delivered.
var ErrDispatch = errors.New("consult dispatch failed")

// DefaultPoll is the inbox poll interval while awaiting a response.
const DefaultPoll = 500 * time.Millisecond

// Barrier dispatches consult requests and blocks until the matching response
// packet lands in the requesting agent's inbox.
type Barrier struct {
	store        *bus.Store
	agent        string
	consultAgent string
	timeout      time.Duration
	poll         time.Duration
	logger       *log.Logger
}

// NewBarrier creates a Barrier for agent, sending requests to consultAgent.
func NewBarrier(store *bus.Store, agent, consultAgent string, timeout time.Duration) *Barrier {
	return &Barrier{
		store:        store,
		agent:        agent,
		consultAgent: consultAgent,
		timeout:      timeout,
		poll:         DefaultPoll,
		logger:       logging.New("consult"),
	}
}

// NewConsultID mints a consult correlation id.
func NewConsultID() string {
	return "consult-" + uuid.NewString()[:8]
}

// Ask delivers an OPUS_CONSULT_REQUEST for task and waits for the matching
// OPUS_CONSULT_RESPONSE. The response packet is claimed and closed here so it
// never surfaces as a regular task. Dispatch failures return ErrDispatch;
// deadline expiry returns ErrTimeout.
func (b *Barrier) Ask(ctx context.Context, req Request, task *bus.Packet) (*Response, error) {
	if req.Version == "" {
		req.Version = Version
	}
	if req.ConsultID == "" {
		req.ConsultID = NewConsultID()
	}

	notify := false
	meta := bus.Meta{
		ID:       fmt.Sprintf("%s-r%d", req.ConsultID, req.Round),
		To:       []string{b.consultAgent},
		From:     b.agent,
		Priority: "P1",
		Title:    fmt.Sprintf("Consult %s round %d for %s", req.Mode, req.Round, task.Meta.ID),
		Signals: bus.Signals{
			Kind:               bus.KindOpusConsultRequest,
			RootID:             task.Meta.Signals.RootID,
			ParentID:           task.Meta.ID,
			NotifyOrchestrator: &notify,
		},
	}
	if err := meta.SetReference(ReferenceKey, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	body := fmt.Sprintf("Consult request for task %s (%s).\n\n%s\n", task.Meta.ID, req.Mode, req.TaskContext)
	if _, err := b.store.Deliver(meta, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	b.logger.Info("consult request dispatched",
		"consultId", req.ConsultID, "round", req.Round, "mode", req.Mode, "to", b.consultAgent)

	return b.await(ctx, req.ConsultID)
}

// await polls the agent's inbox for the matching response packet.
func (b *Barrier) await(ctx context.Context, consultID string) (*Response, error) {
	deadline := time.Now().Add(b.timeout)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		resp, err := b.scanInbox(consultID)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: consultId %s after %s", ErrTimeout, consultID, b.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanInbox looks through new packets for the matching response, consuming
// it when found. Responses with invalid payloads are closed as failed and
// reported.
func (b *Barrier) scanInbox(consultID string) (*Response, error) {
	refs, err := b.store.ListNew(b.agent)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Kind != bus.KindOpusConsultResponse {
			continue
		}
		pkt, _, err := b.store.Open(b.agent, ref.ID, false)
		if err != nil {
			continue
		}
		var resp Response
		ok, err := pkt.Meta.Reference(ReferenceKey, &resp)
		if err != nil || !ok || resp.ConsultID != consultID {
			continue
		}

		if err := b.store.Claim(b.agent, ref.ID); err != nil {
			if errors.Is(err, bus.ErrAlreadyClaimed) || errors.Is(err, bus.ErrNotFound) {
				continue
			}
			return nil, err
		}

		if verr := resp.Validate(); verr != nil {
			_, _ = b.store.Close(b.agent, ref.ID, bus.Closure{
				Outcome: bus.OutcomeFailed,
				Note:    "consult response failed schema validation: " + verr.Error(),
			})
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, verr)
		}

		if _, err := b.store.Close(b.agent, ref.ID, bus.Closure{
			Outcome: bus.OutcomeDone,
			Note:    "consult response consumed",
		}); err != nil {
			b.logger.Warn("failed to close consult response packet", "id", ref.ID, "err", err)
		}
		return &resp, nil
	}
	return nil, nil
}
