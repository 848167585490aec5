// Package bus implements the filesystem-backed agent message bus.
//
// A task packet is a markdown file with a one-line JSON frontmatter between
// two "---" delimiter lines. Packets live in exactly one of four state
// directories under inbox/<agent>/: new, seen, in_progress, processed. All
// state transitions are atomic renames, so concurrent workers coordinate
// purely through the filesystem with no shared memory.
package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Signal kinds carried in packet frontmatter.
const (
	KindUserRequest          = "USER_REQUEST"
	KindExecute              = "EXECUTE"
	KindStatus               = "STATUS"
	KindReviewActionRequired = "REVIEW_ACTION_REQUIRED"
	KindOrchestratorUpdate   = "ORCHESTRATOR_UPDATE"
	KindTaskComplete         = "TASK_COMPLETE"
	KindOpusConsultRequest   = "OPUS_CONSULT_REQUEST"
	KindOpusConsultResponse  = "OPUS_CONSULT_RESPONSE"
)

// State identifies which inbox directory a packet currently occupies.
type State string

// Packet states, in lifecycle order. Seen is an optional pre-claim marker.
const (
	StateNew        State = "new"
	StateSeen       State = "seen"
	StateInProgress State = "in_progress"
	StateProcessed  State = "processed"
)

// States lists all packet states in lifecycle order.
var States = []State{StateNew, StateSeen, StateInProgress, StateProcessed}

// ErrFrontmatter is returned when a packet's frontmatter cannot be parsed.
var ErrFrontmatter = errors.New("malformed packet frontmatter")

// ErrUnsafeID is returned for task ids containing path separators or colons.
var ErrUnsafeID = errors.New("unsafe task id")

// frontmatterDelim opens and closes the packet header.
const frontmatterDelim = "---\n"

// unsafeIDChars matches characters forbidden in task ids.
var unsafeIDChars = regexp.MustCompile(`[:/\\]|\.\.`)

// commitShaRe validates optional commit shas in receipts and references.
var commitShaRe = regexp.MustCompile(`^[0-9a-fA-F]{6,40}$`)

// ReviewTarget names what a review gate must cover.
type ReviewTarget struct {
	CommitSha string `json:"commitSha,omitempty"`
	Scope     string `json:"scope,omitempty"` // "commit" or "pr"
	PRNumber  int    `json:"prNumber,omitempty"`
}

// Signals is the tagged record routed alongside every packet. Kind is
// required; the remaining fields qualify lineage, gating, and routing.
type Signals struct {
	Kind               string        `json:"kind"`
	Phase              string        `json:"phase,omitempty"`
	RootID             string        `json:"rootId,omitempty"`
	ParentID           string        `json:"parentId,omitempty"`
	Smoke              bool          `json:"smoke,omitempty"`
	SourceKind         string        `json:"sourceKind,omitempty"`
	ReviewRequired     bool          `json:"reviewRequired,omitempty"`
	ReviewTarget       *ReviewTarget `json:"reviewTarget,omitempty"`
	NotifyOrchestrator *bool         `json:"notifyOrchestrator,omitempty"`
}

// WantsOrchestratorNotify reports whether closing this packet should emit a
// TASK_COMPLETE digest. Defaults to true when the field is absent.
func (s Signals) WantsOrchestratorNotify() bool {
	return s.NotifyOrchestrator == nil || *s.NotifyOrchestrator
}

// GitRefs is the conventional "git" references entry on EXECUTE packets.
type GitRefs struct {
	BaseSha           string `json:"baseSha,omitempty"`
	WorkBranch        string `json:"workBranch,omitempty"`
	IntegrationBranch string `json:"integrationBranch,omitempty"`
}

// Meta is the packet frontmatter.
type Meta struct {
	ID         string                     `json:"id"`
	To         []string                   `json:"to"`
	From       string                     `json:"from"`
	Priority   string                     `json:"priority,omitempty"`
	Title      string                     `json:"title,omitempty"`
	Signals    Signals                    `json:"signals"`
	References map[string]json.RawMessage `json:"references,omitempty"`
}

// GitRefs decodes the conventional "git" references entry. Returns nil when
// the entry is absent or undecodable.
func (m *Meta) GitRefs() *GitRefs {
	raw, ok := m.References["git"]
	if !ok {
		return nil
	}
	var refs GitRefs
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	return &refs
}

// SetReference encodes v under key in the references mapping.
func (m *Meta) SetReference(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encoding reference %q: %w", key, err)
	}
	if m.References == nil {
		m.References = make(map[string]json.RawMessage)
	}
	m.References[key] = raw
	return nil
}

// Reference decodes the references entry under key into target. Returns
// false when the entry is absent; decode failures return an error.
func (m *Meta) Reference(key string, target any) (bool, error) {
	raw, ok := m.References[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("bus: decoding reference %q: %w", key, err)
	}
	return true, nil
}

// Packet pairs parsed frontmatter with the markdown body.
type Packet struct {
	Meta Meta
	Body string
}

// ValidateID rejects task ids that are empty, contain path separators,
// colons, or parent-directory segments.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("bus: empty task id: %w", ErrUnsafeID)
	}
	if unsafeIDChars.MatchString(id) {
		return fmt.Errorf("bus: task id %q: %w", id, ErrUnsafeID)
	}
	return nil
}

// ValidCommitSha reports whether s looks like a hex git sha of 6-40 chars.
func ValidCommitSha(s string) bool {
	return commitShaRe.MatchString(s)
}

// EncodePacket renders a packet to its on-disk form: a one-line JSON
// frontmatter between "---" delimiters, followed by the markdown body.
func EncodePacket(meta Meta, body string) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("bus: encoding frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.Write(header)
	buf.WriteByte('\n')
	buf.WriteString(frontmatterDelim)
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// ParsePacket decodes a packet's frontmatter and body from raw bytes. The
// first four bytes must be "---\n"; the next "---\n" closes the header, which
// must contain exactly one JSON object on one logical line.
func ParsePacket(data []byte) (*Packet, error) {
	if !bytes.HasPrefix(data, []byte(frontmatterDelim)) {
		return nil, fmt.Errorf("bus: missing opening delimiter: %w", ErrFrontmatter)
	}
	rest := data[len(frontmatterDelim):]
	end := bytes.Index(rest, []byte(frontmatterDelim))
	if end < 0 {
		return nil, fmt.Errorf("bus: missing closing delimiter: %w", ErrFrontmatter)
	}
	header := bytes.TrimSpace(rest[:end])
	if len(header) == 0 || header[0] != '{' {
		return nil, fmt.Errorf("bus: frontmatter is not a JSON object: %w", ErrFrontmatter)
	}
	// Exactly one logical line of JSON.
	if bytes.ContainsRune(header, '\n') {
		return nil, fmt.Errorf("bus: frontmatter spans multiple lines: %w", ErrFrontmatter)
	}

	var meta Meta
	dec := json.NewDecoder(bytes.NewReader(header))
	if err := dec.Decode(&meta); err != nil {
		return nil, fmt.Errorf("bus: decoding frontmatter: %v: %w", err, ErrFrontmatter)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("bus: frontmatter missing id: %w", ErrFrontmatter)
	}
	if meta.Signals.Kind == "" {
		return nil, fmt.Errorf("bus: frontmatter missing signals.kind: %w", ErrFrontmatter)
	}

	body := string(rest[end+len(frontmatterDelim):])
	return &Packet{Meta: meta, Body: body}, nil
}

// PriorityOrdinal maps a priority tag to its sort ordinal. P1 sorts first;
// unknown tags sort after P3. The default priority is P2.
func PriorityOrdinal(priority string) int {
	switch strings.ToUpper(strings.TrimSpace(priority)) {
	case "P1":
		return 1
	case "P2", "":
		return 2
	case "P3":
		return 3
	default:
		return 4
	}
}
