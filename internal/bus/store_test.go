package bus

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valua-ai/cockpit/internal/roster"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	doc := `{
		"schemaVersion": 2,
		"agents": [
			{"name": "orchestrator", "role": "orchestrator", "workdir": "/tmp"},
			{"name": "chat", "role": "chat", "workdir": "/tmp"},
			{"name": "autopilot", "role": "autopilot", "workdir": "/tmp"},
			{"name": "navigator", "role": "worker", "workdir": "/tmp"}
		]
	}`
	r, err := roster.Parse([]byte(doc), roster.LoadOpts{})
	require.NoError(t, err)
	s := NewStore(t.TempDir(), r)
	require.NoError(t, s.Ensure())
	return s
}

func execMeta(id string) Meta {
	return Meta{
		ID:       id,
		To:       []string{"navigator"},
		From:     "orchestrator",
		Priority: "P2",
		Title:    "work",
		Signals:  Signals{Kind: KindExecute, RootID: "root-1"},
	}
}

// ---------------------------------------------------------------------------
// Deliver
// ---------------------------------------------------------------------------

func TestDeliverPlacesPacketInNew(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	res, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"navigator"}, res.Recipients)
	assert.FileExists(t, s.PacketPath("navigator", StateNew, "task-1"))
}

func TestDeliverFansOutToAllRecipients(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	meta := execMeta("task-1")
	meta.To = []string{"navigator", "chat"}
	_, err := s.Deliver(meta, "body\n")
	require.NoError(t, err)
	assert.FileExists(t, s.PacketPath("navigator", StateNew, "task-1"))
	assert.FileExists(t, s.PacketPath("chat", StateNew, "task-1"))
}

func TestDeliverRefusals(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	meta := execMeta("a/b")
	_, err := s.Deliver(meta, "body")
	assert.ErrorIs(t, err, ErrUnsafeID)

	meta = execMeta("task-1")
	meta.To = []string{"stranger"}
	_, err = s.Deliver(meta, "body")
	assert.ErrorIs(t, err, ErrRosterMismatch)

	meta = execMeta("task-1")
	meta.To = nil
	_, err = s.Deliver(meta, "body")
	assert.Error(t, err)

	meta = execMeta("task-1")
	meta.Signals.Kind = ""
	_, err = s.Deliver(meta, "body")
	assert.Error(t, err)

	// No state change from any refusal.
	refs, err := s.ListNew("navigator")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDeliverScanPolicies(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	body := "first run this\nrm -rf / \n"

	// Warn: delivery proceeds, hits reported.
	res, err := s.Deliver(execMeta("task-warn"), body)
	require.NoError(t, err)
	require.Len(t, res.ScanHits, 1)
	assert.Equal(t, "rm_rf_root", res.ScanHits[0].Rule)

	// Block: delivery refused.
	s.SetScanPolicy(ScanBlock)
	_, err = s.Deliver(execMeta("task-block"), body)
	require.ErrorIs(t, err, ErrSuspiciousContent)
	assert.NoFileExists(t, s.PacketPath("navigator", StateNew, "task-block"))
}

// ---------------------------------------------------------------------------
// Claim
// ---------------------------------------------------------------------------

func TestClaimExactlyOneWinner(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)

	const claimants = 8
	errs := make([]error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Claim("navigator", "task-1")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, winners)
	assert.FileExists(t, s.PacketPath("navigator", StateInProgress, "task-1"))
}

func TestClaimMissingTask(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	assert.ErrorIs(t, s.Claim("navigator", "nope"), ErrNotFound)
}

func TestClaimFromSeen(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)

	_, state, err := s.Open("navigator", "task-1", true)
	require.NoError(t, err)
	assert.Equal(t, StateSeen, state)

	require.NoError(t, s.Claim("navigator", "task-1"))
	state, err = s.Locate("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, state)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestCloseWritesReceiptThenMovesAndNotifies(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-1"))

	receipt, err := s.Close("navigator", "task-1", Closure{
		Outcome:   OutcomeDone,
		Note:      "all good",
		CommitSha: "abcdef1234",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, receipt.Outcome)
	assert.Equal(t, "task-1", receipt.TaskID)
	assert.Equal(t, KindExecute, receipt.Task.Signals.Kind)

	state, err := s.Locate("navigator", "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessed, state)

	// The orchestrator got a TASK_COMPLETE digest carrying the completion ref.
	digests, err := s.ListNew("orchestrator")
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, KindTaskComplete, digests[0].Kind)

	pkt, _, err := s.Open("orchestrator", digests[0].ID, false)
	require.NoError(t, err)
	var completion CompletionRef
	ok, err := pkt.Meta.Reference("completion", &completion)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "task-1", completion.CompletedTaskID)
	assert.Equal(t, "done", completion.ReceiptOutcome)
	assert.Equal(t, "abcdef1234", completion.CommitSha)
}

func TestCloseValidation(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)

	_, err = s.Close("navigator", "task-1", Closure{Outcome: "finished"})
	assert.Error(t, err)

	_, err = s.Close("navigator", "task-1", Closure{Outcome: OutcomeDone, CommitSha: "not-hex"})
	assert.Error(t, err)
}

func TestCloseRefusesLivePacketWithReceipt(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-1"))

	// A receipt that exists alongside a live packet is a consistency bug.
	require.NoError(t, os.WriteFile(s.ReceiptPath("navigator", "task-1"), []byte("{}"), 0o644))
	_, err = s.Close("navigator", "task-1", Closure{Outcome: OutcomeDone})
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestCloseIdempotentAfterCrash(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-1"))

	first, err := s.Close("navigator", "task-1", Closure{Outcome: OutcomeDone, Note: "original"})
	require.NoError(t, err)

	// Re-close after the packet is gone: returns the original receipt.
	again, err := s.Close("navigator", "task-1", Closure{Outcome: OutcomeFailed, Note: "other"})
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, again.Outcome)
	assert.Equal(t, "original", again.Note)
}

func TestCloseNotifySuppressedBySignal(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	no := false
	meta := execMeta("task-1")
	meta.Signals.NotifyOrchestrator = &no
	_, err := s.Deliver(meta, "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-1"))

	_, err = s.Close("navigator", "task-1", Closure{Outcome: OutcomeDone})
	require.NoError(t, err)

	digests, err := s.ListNew("orchestrator")
	require.NoError(t, err)
	assert.Empty(t, digests)
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdateAppendsBlockAndBumpsMtime(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "original\n")
	require.NoError(t, err)

	path := s.PacketPath("navigator", StateNew, "task-1")
	before, err := os.Stat(path)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Update("navigator", "task-1", UpdateOpts{
		From:   "chat",
		Append: "also cover the CSV case",
	}))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, after.ModTime().After(before.ModTime()))

	pkt, _, err := s.Open("navigator", "task-1", false)
	require.NoError(t, err)
	assert.Contains(t, pkt.Body, "original")
	assert.Contains(t, pkt.Body, "### Update")
	assert.Contains(t, pkt.Body, "from chat")
	assert.Contains(t, pkt.Body, "also cover the CSV case")
}

func TestUpdateRefusedOnProcessed(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-1"), "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-1"))
	_, err = s.Close("navigator", "task-1", Closure{Outcome: OutcomeDone})
	require.NoError(t, err)

	err = s.Update("navigator", "task-1", UpdateOpts{From: "chat", Append: "too late"})
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

// ---------------------------------------------------------------------------
// Listing and reconcile
// ---------------------------------------------------------------------------

func TestListNewSortsByPriorityThenAge(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	older := execMeta("task-p2-old")
	_, err := s.Deliver(older, "body\n")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	newer := execMeta("task-p2-new")
	_, err = s.Deliver(newer, "body\n")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	urgent := execMeta("task-p1")
	urgent.Priority = "P1"
	_, err = s.Deliver(urgent, "body\n")
	require.NoError(t, err)

	refs, err := s.ListNew("navigator")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "task-p1", refs[0].ID)
	assert.Equal(t, "task-p2-old", refs[1].ID)
	assert.Equal(t, "task-p2-new", refs[2].ID)
}

func TestListNewSkipsUnparseable(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.Deliver(execMeta("task-ok"), "body\n")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.PacketPath("navigator", StateNew, "task-junk"), []byte("not a packet"), 0o644))

	refs, err := s.ListNew("navigator")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "task-ok", refs[0].ID)
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	// Orphan: claimed but never receipted. Goes back to new.
	_, err := s.Deliver(execMeta("task-orphan"), "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-orphan"))

	// Crash between receipt write and the processed move: simulate by moving
	// the closed packet back to in_progress.
	_, err = s.Deliver(execMeta("task-receipted"), "body\n")
	require.NoError(t, err)
	require.NoError(t, s.Claim("navigator", "task-receipted"))
	_, err = s.Close("navigator", "task-receipted", Closure{Outcome: OutcomeDone})
	require.NoError(t, err)
	require.NoError(t, os.Rename(
		s.PacketPath("navigator", StateProcessed, "task-receipted"),
		s.PacketPath("navigator", StateInProgress, "task-receipted")))

	requeued, err := s.Reconcile("navigator")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-orphan"}, requeued)

	state, err := s.Locate("navigator", "task-orphan")
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	state, err = s.Locate("navigator", "task-receipted")
	require.NoError(t, err)
	assert.Equal(t, StateProcessed, state)
}
