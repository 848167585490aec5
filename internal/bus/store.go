package bus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/valua-ai/cockpit/internal/logging"
	"github.com/valua-ai/cockpit/internal/roster"
)

// ErrRosterMismatch is returned by Deliver when a recipient is not in the
// roster.
var ErrRosterMismatch = errors.New("recipient not in roster")

// ErrNotFound is returned when a task id cannot be located in any claimable
// state directory.
var ErrNotFound = errors.New("task not found")

// ErrAlreadyClaimed is returned by Claim when another worker won the rename
// race for the same task.
var ErrAlreadyClaimed = errors.New("task already claimed")

// CompletionRef is the conventional "completion" references entry on the
// TASK_COMPLETE digest synthesized at close time.
type CompletionRef struct {
	CompletedTaskID   string `json:"completedTaskId"`
	CompletedTaskKind string `json:"completedTaskKind"`
	ReceiptOutcome    string `json:"receiptOutcome"`
	CommitSha         string `json:"commitSha,omitempty"`
}

// Store is the filesystem-backed bus. All operations are safe for concurrent
// use across processes; coordination happens through atomic renames and
// O_CREAT|O_EXCL creates, never through in-memory locks.
type Store struct {
	root       string
	roster     *roster.Roster
	scanPolicy ScanPolicy
	logger     *log.Logger
}

// NewStore creates a Store rooted at busRoot for the given roster. The scan
// policy defaults to ScanWarn.
func NewStore(busRoot string, r *roster.Roster) *Store {
	return &Store{
		root:       busRoot,
		roster:     r,
		scanPolicy: ScanWarn,
		logger:     logging.New("bus"),
	}
}

// SetScanPolicy overrides the suspicious-content policy applied on Deliver
// and Update.
func (s *Store) SetScanPolicy(p ScanPolicy) { s.scanPolicy = p }

// Root returns the bus root directory.
func (s *Store) Root() string { return s.root }

// Roster returns the roster the store was built with.
func (s *Store) Roster() *roster.Roster { return s.roster }

// --- path helpers ---

// InboxDir returns inbox/<agent>/<state>.
func (s *Store) InboxDir(agent string, state State) string {
	return filepath.Join(s.root, "inbox", agent, string(state))
}

// PacketPath returns the packet file path for (agent, state, id).
func (s *Store) PacketPath(agent string, state State, id string) string {
	return filepath.Join(s.InboxDir(agent, state), id+".md")
}

// ReceiptPath returns receipts/<agent>/<id>.json.
func (s *Store) ReceiptPath(agent, id string) string {
	return filepath.Join(s.root, "receipts", agent, id+".json")
}

// StateDir returns the shared state/ directory.
func (s *Store) StateDir() string {
	return filepath.Join(s.root, "state")
}

// ArtifactsDir returns artifacts/<agent>.
func (s *Store) ArtifactsDir(agent string) string {
	return filepath.Join(s.root, "artifacts", agent)
}

// --- operations ---

// Ensure idempotently creates the bus directory layout for every agent in
// the roster: the four inbox state dirs, the receipts dir, the shared state
// dir, and the artifacts dir.
func (s *Store) Ensure() error {
	dirs := []string{s.StateDir()}
	for _, agent := range s.roster.Names() {
		for _, st := range States {
			dirs = append(dirs, s.InboxDir(agent, st))
		}
		dirs = append(dirs,
			filepath.Join(s.root, "receipts", agent),
			filepath.Join(s.ArtifactsDir(agent), "reviews"),
		)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("bus: ensure %s: %w", dir, err)
		}
	}
	return nil
}

// DeliverResult reports what Deliver did, including any suspicious-content
// hits recorded under the warn policy.
type DeliverResult struct {
	Recipients []string
	ScanHits   []ScanHit
}

// Deliver validates meta, scans the body for destructive-command patterns,
// and atomically places one packet copy in each recipient's new/ directory.
// Every to[] agent must exist in the roster and the id must be
// filesystem-safe; violations refuse delivery with no state change.
func (s *Store) Deliver(meta Meta, body string) (*DeliverResult, error) {
	if err := ValidateID(meta.ID); err != nil {
		return nil, err
	}
	if len(meta.To) == 0 {
		return nil, fmt.Errorf("bus: packet %s has no recipients", meta.ID)
	}
	for _, to := range meta.To {
		if !s.roster.Has(to) {
			return nil, fmt.Errorf("bus: packet %s recipient %q: %w", meta.ID, to, ErrRosterMismatch)
		}
	}
	if meta.Signals.Kind == "" {
		return nil, fmt.Errorf("bus: packet %s missing signals.kind", meta.ID)
	}

	hits := ScanSuspicious(body)
	if len(hits) > 0 {
		if s.scanPolicy == ScanBlock {
			return nil, fmt.Errorf("bus: packet %s: %d destructive-pattern hit(s): %w", meta.ID, len(hits), ErrSuspiciousContent)
		}
		s.logger.Warn("suspicious content in packet body",
			"id", meta.ID, "hits", len(hits), "rule", hits[0].Rule)
	}

	data, err := EncodePacket(meta, body)
	if err != nil {
		return nil, err
	}

	for _, to := range meta.To {
		dst := s.PacketPath(to, StateNew, meta.ID)
		if err := writeFileAtomic(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("bus: delivering %s to %s: %w", meta.ID, to, err)
		}
		s.logger.Debug("packet delivered", "id", meta.ID, "to", to, "kind", meta.Signals.Kind)
	}
	return &DeliverResult{Recipients: meta.To, ScanHits: hits}, nil
}

// Claim atomically moves a packet from new/ (or seen/) to in_progress/.
// Exactly one of several racing claimants wins; losers observe
// ErrAlreadyClaimed. A missing packet yields ErrNotFound.
func (s *Store) Claim(agent, id string) error {
	dst := s.PacketPath(agent, StateInProgress, id)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("bus: claim %s/%s: %w", agent, id, ErrAlreadyClaimed)
	}

	for _, from := range []State{StateNew, StateSeen} {
		src := s.PacketPath(agent, from, id)
		err := os.Rename(src, dst)
		if err == nil {
			return nil
		}
		if os.IsNotExist(err) {
			continue
		}
		return fmt.Errorf("bus: claim %s/%s: %w", agent, id, err)
	}

	// Neither source existed. If the packet showed up in in_progress in the
	// meantime, another claimant won the race.
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("bus: claim %s/%s: %w", agent, id, ErrAlreadyClaimed)
	}
	return fmt.Errorf("bus: claim %s/%s: %w", agent, id, ErrNotFound)
}

// Locate returns the state directory currently holding the packet.
func (s *Store) Locate(agent, id string) (State, error) {
	for _, st := range States {
		if _, err := os.Stat(s.PacketPath(agent, st, id)); err == nil {
			return st, nil
		}
	}
	return "", fmt.Errorf("bus: locate %s/%s: %w", agent, id, ErrNotFound)
}

// Open reads the packet in its current state and returns the parsed packet
// plus that state. When markSeen is true and the packet is in new/, it is
// moved to seen/ first.
func (s *Store) Open(agent, id string, markSeen bool) (*Packet, State, error) {
	state, err := s.Locate(agent, id)
	if err != nil {
		return nil, "", err
	}

	if markSeen && state == StateNew {
		src := s.PacketPath(agent, StateNew, id)
		dst := s.PacketPath(agent, StateSeen, id)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("bus: marking %s/%s seen: %w", agent, id, err)
		}
		state = StateSeen
	}

	data, err := os.ReadFile(s.PacketPath(agent, state, id))
	if err != nil {
		return nil, "", fmt.Errorf("bus: reading %s/%s: %w", agent, id, err)
	}
	pkt, err := ParsePacket(data)
	if err != nil {
		return nil, "", err
	}
	return pkt, state, nil
}

// UpdateOpts describes a packet mutation. Append is added to the body under
// an "### Update" heading attributed to From; Title and Priority, when
// non-empty, replace the frontmatter fields.
type UpdateOpts struct {
	From     string
	Append   string
	Title    string
	Priority string
}

// Update mutates a packet in place. Processed packets refuse updates. The
// appended text is re-scanned under the store's policy, the packet file is
// rewritten atomically, and its mtime is bumped so in-flight watchers fire.
func (s *Store) Update(agent, id string, opts UpdateOpts) error {
	state, err := s.Locate(agent, id)
	if err != nil {
		return err
	}
	if state == StateProcessed {
		return fmt.Errorf("bus: update %s/%s: task is processed: %w", agent, id, ErrAlreadyClosed)
	}

	if opts.Append != "" {
		if hits := ScanSuspicious(opts.Append); len(hits) > 0 {
			if s.scanPolicy == ScanBlock {
				return fmt.Errorf("bus: update %s/%s: %d destructive-pattern hit(s): %w", agent, id, len(hits), ErrSuspiciousContent)
			}
			s.logger.Warn("suspicious content in packet update",
				"id", id, "hits", len(hits), "rule", hits[0].Rule)
		}
	}

	path := s.PacketPath(agent, state, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bus: reading %s/%s: %w", agent, id, err)
	}
	pkt, err := ParsePacket(data)
	if err != nil {
		return err
	}

	if opts.Title != "" {
		pkt.Meta.Title = opts.Title
	}
	if opts.Priority != "" {
		pkt.Meta.Priority = opts.Priority
	}
	body := pkt.Body
	if opts.Append != "" {
		heading := fmt.Sprintf("\n\n### Update (%s) from %s\n\n", nowISO(), opts.From)
		body = strings.TrimRight(body, "\n") + heading + strings.TrimSpace(opts.Append) + "\n"
	}

	out, err := EncodePacket(pkt.Meta, body)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, out, 0o644); err != nil {
		return err
	}
	// Bump mtime explicitly so pure mtime pollers observe the change even on
	// coarse-granularity filesystems.
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return nil
}

// Closure describes a task close request.
type Closure struct {
	Outcome      Outcome
	Note         string
	CommitSha    string
	ReceiptExtra map[string]any

	// NotifyOrchestrator overrides digest emission. Nil means the packet's
	// own signals decide (default true for non-orchestrator agents).
	NotifyOrchestrator *bool
}

// Close writes the receipt first (fsynced), then moves the packet to
// processed/, then optionally synthesizes a TASK_COMPLETE digest to the
// orchestrator. If the packet is already gone but the receipt exists, Close
// warns and succeeds (crash-recovery idempotence); a receipt that exists
// alongside a live packet fails loudly with ErrAlreadyClosed.
func (s *Store) Close(agent, id string, c Closure) (*Receipt, error) {
	if !c.Outcome.Valid() {
		return nil, fmt.Errorf("bus: close %s/%s: invalid outcome %q", agent, id, c.Outcome)
	}
	if c.CommitSha != "" && !ValidCommitSha(c.CommitSha) {
		return nil, fmt.Errorf("bus: close %s/%s: commitSha %q is not a hex sha", agent, id, c.CommitSha)
	}

	receiptPath := s.ReceiptPath(agent, id)

	state, locErr := s.Locate(agent, id)
	if locErr != nil {
		// Packet gone. Idempotent success when the receipt already exists.
		if existing, rerr := readReceipt(receiptPath); rerr == nil {
			s.logger.Warn("close called for already-receipted task with no packet",
				"agent", agent, "id", id, "outcome", existing.Outcome)
			return existing, nil
		}
		return nil, fmt.Errorf("bus: close %s/%s: %w", agent, id, ErrNotFound)
	}

	pkt, _, err := s.Open(agent, id, false)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		TaskID:       id,
		Agent:        agent,
		Outcome:      c.Outcome,
		Note:         c.Note,
		CommitSha:    c.CommitSha,
		ClosedAt:     nowISO(),
		Task:         pkt.Meta,
		ReceiptExtra: c.ReceiptExtra,
	}
	if err := writeReceipt(receiptPath, receipt); err != nil {
		return nil, err
	}

	src := s.PacketPath(agent, state, id)
	dst := s.PacketPath(agent, StateProcessed, id)
	if err := renameFile(src, dst); err != nil {
		return nil, fmt.Errorf("bus: close %s/%s: moving to processed: %w", agent, id, err)
	}

	if s.shouldNotify(agent, pkt.Meta, c) {
		if err := s.emitTaskComplete(agent, pkt.Meta, receipt); err != nil {
			// The close itself succeeded; digest loss is logged, not fatal.
			s.logger.Error("failed to emit TASK_COMPLETE digest",
				"agent", agent, "id", id, "err", err)
		}
	}
	return receipt, nil
}

// ReadReceipt loads the receipt for (agent, id). Returns an error wrapping
// os.ErrNotExist when no receipt has been written.
func (s *Store) ReadReceipt(agent, id string) (*Receipt, error) {
	return readReceipt(s.ReceiptPath(agent, id))
}

// HasReceipt reports whether a receipt exists for (agent, id).
func (s *Store) HasReceipt(agent, id string) bool {
	_, err := os.Stat(s.ReceiptPath(agent, id))
	return err == nil
}

// LatestReceipt returns the agent's most recently written receipt, or nil
// when the agent has closed nothing yet. Unreadable receipts are skipped.
func (s *Store) LatestReceipt(agent string) (*Receipt, error) {
	dir := filepath.Join(s.root, "receipts", agent)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: listing receipts for %s: %w", agent, err)
	}
	var (
		newest    *Receipt
		newestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest != nil && !info.ModTime().After(newestMod) {
			continue
		}
		r, err := readReceipt(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable receipt", "agent", agent, "file", e.Name(), "err", err)
			continue
		}
		newest, newestMod = r, info.ModTime()
	}
	return newest, nil
}

// TaskRef identifies a packet awaiting processing.
type TaskRef struct {
	ID       string
	Priority string
	Kind     string
	ModTime  time.Time
}

// ListNew returns the packets in inbox/<agent>/new sorted by (priority
// ordinal, mtime). Unparseable packets are skipped with a warning rather
// than wedging the whole inbox.
func (s *Store) ListNew(agent string) ([]TaskRef, error) {
	dir := s.InboxDir(agent, StateNew)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: listing %s: %w", dir, err)
	}

	var refs []TaskRef
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".md")
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		pkt, err := ParsePacket(data)
		if err != nil {
			s.logger.Warn("skipping unparseable packet", "agent", agent, "file", name, "err", err)
			continue
		}
		refs = append(refs, TaskRef{
			ID:       id,
			Priority: pkt.Meta.Priority,
			Kind:     pkt.Meta.Signals.Kind,
			ModTime:  info.ModTime(),
		})
	}

	sort.SliceStable(refs, func(i, j int) bool {
		pi, pj := PriorityOrdinal(refs[i].Priority), PriorityOrdinal(refs[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return refs[i].ModTime.Before(refs[j].ModTime)
	})
	return refs, nil
}

// ListState returns the packet ids currently in the given state directory.
func (s *Store) ListState(agent string, state State) ([]string, error) {
	entries, err := os.ReadDir(s.InboxDir(agent, state))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: listing %s/%s: %w", agent, state, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Reconcile completes interrupted closes for an agent: any in_progress
// packet whose receipt already exists is moved to processed/, and any
// in_progress packet without a receipt is returned to new/ for re-claiming.
// It returns the ids that were re-queued.
func (s *Store) Reconcile(agent string) ([]string, error) {
	ids, err := s.ListState(agent, StateInProgress)
	if err != nil {
		return nil, err
	}
	var requeued []string
	for _, id := range ids {
		src := s.PacketPath(agent, StateInProgress, id)
		if s.HasReceipt(agent, id) {
			dst := s.PacketPath(agent, StateProcessed, id)
			if err := renameFile(src, dst); err != nil {
				return requeued, fmt.Errorf("bus: reconcile %s/%s: %w", agent, id, err)
			}
			s.logger.Info("reconciled receipted task to processed", "agent", agent, "id", id)
			continue
		}
		dst := s.PacketPath(agent, StateNew, id)
		if err := renameFile(src, dst); err != nil {
			return requeued, fmt.Errorf("bus: reconcile %s/%s: %w", agent, id, err)
		}
		s.logger.Info("re-queued orphaned in-progress task", "agent", agent, "id", id)
		requeued = append(requeued, id)
	}
	return requeued, nil
}

// shouldNotify decides whether closing this packet emits a TASK_COMPLETE
// digest. The explicit closure override wins, then the packet's own
// notifyOrchestrator signal; the orchestrator never notifies itself.
func (s *Store) shouldNotify(agent string, meta Meta, c Closure) bool {
	if agent == s.roster.Orchestrator() {
		return false
	}
	if c.NotifyOrchestrator != nil {
		return *c.NotifyOrchestrator
	}
	return meta.Signals.WantsOrchestratorNotify()
}

// emitTaskComplete synthesizes the TASK_COMPLETE digest carrying the closed
// task's lineage and delivers it to the orchestrator's inbox.
func (s *Store) emitTaskComplete(agent string, meta Meta, receipt *Receipt) error {
	rootID := meta.Signals.RootID
	if rootID == "" {
		rootID = meta.ID
	}
	digest := Meta{
		ID:       fmt.Sprintf("tc-%s-%s", meta.ID, uuid.NewString()[:8]),
		To:       []string{s.roster.Orchestrator()},
		From:     agent,
		Priority: meta.Priority,
		Title:    fmt.Sprintf("TASK_COMPLETE: %s", meta.Title),
		Signals: Signals{
			Kind:       KindTaskComplete,
			RootID:     rootID,
			ParentID:   meta.ID,
			SourceKind: meta.Signals.Kind,
		},
	}
	if err := digest.SetReference("completion", CompletionRef{
		CompletedTaskID:   meta.ID,
		CompletedTaskKind: meta.Signals.Kind,
		ReceiptOutcome:    string(receipt.Outcome),
		CommitSha:         receipt.CommitSha,
	}); err != nil {
		return err
	}
	// Self-remediation depth survives the close cycle so the orchestrator can
	// cap re-forwarding.
	if raw, ok := meta.References["orchestratorSelfRemediateDepth"]; ok {
		digest.References["orchestratorSelfRemediateDepth"] = raw
	}

	body := fmt.Sprintf("Task %s closed by %s with outcome %s.\n\n%s\n",
		meta.ID, agent, receipt.Outcome, receipt.Note)
	_, err := s.Deliver(digest, body)
	return err
}
