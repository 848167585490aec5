// Package prompt assembles engine prompts as a pipeline of named segments.
// Each segment carries a deterministic hash so warm-start elision and
// restart prompts can reason about content identity without storing text.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/valua-ai/cockpit/internal/bus"
)

// Segment names in assembly order.
const (
	SegmentHeader   = "header"
	SegmentSkills   = "skills"
	SegmentTaskBody = "task"
	SegmentUpdate   = "update"
	SegmentRetry    = "retry"
	SegmentContract = "contract"
)

// Segment is one named block of prompt text.
type Segment struct {
	Name string
	Text string
}

// Hash returns the segment's content hash, covering both name and text.
func (s Segment) Hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(s.Name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(s.Text)
	return h.Sum64()
}

// Assembly is an ordered list of segments forming one prompt.
type Assembly struct {
	Segments []Segment
}

// Render joins the non-empty segments into the final prompt text.
func (a *Assembly) Render() string {
	parts := make([]string, 0, len(a.Segments))
	for _, s := range a.Segments {
		if strings.TrimSpace(s.Text) != "" {
			parts = append(parts, strings.TrimRight(s.Text, "\n"))
		}
	}
	return strings.Join(parts, "\n\n") + "\n"
}

// Hash folds the segment hashes into one assembly hash. Segment order
// matters.
func (a *Assembly) Hash() uint64 {
	h := xxhash.New()
	for _, s := range a.Segments {
		_, _ = fmt.Fprintf(h, "%016x", s.Hash())
	}
	return h.Sum64()
}

// Segment returns the named segment, or nil when absent.
func (a *Assembly) Segment(name string) *Segment {
	for i := range a.Segments {
		if a.Segments[i].Name == name {
			return &a.Segments[i]
		}
	}
	return nil
}

// BuildInput collects everything the builder needs for one task prompt.
type BuildInput struct {
	// Agent and Role identify the worker.
	Agent string
	Role  string

	// Task is the claimed packet.
	Task *bus.Packet

	// OpenTasks is a digest of other new tasks in the agent's inbox.
	OpenTasks []bus.TaskRef

	// Skills is the agent's loaded skill set; nil when the agent has none.
	Skills *SkillSet

	// ElideSkills drops the skills block for warm starts.
	ElideSkills bool

	// RetryPatch, when non-empty, is appended as a RETRY REQUIREMENT block
	// after a schema-invalid first attempt.
	RetryPatch string

	// UpdateOnly, when non-empty, replaces the task body: restart prompts
	// carry only the newest update block on top of the prior conversation.
	UpdateOnly string

	// Contract is the output-contract text for the task kind.
	Contract string

	// Now stamps the header; zero means time.Now.
	Now time.Time
}

// Build assembles the prompt for one turn.
func Build(in BuildInput) *Assembly {
	a := &Assembly{}
	a.Segments = append(a.Segments, Segment{Name: SegmentHeader, Text: header(in)})

	if in.Skills != nil && !in.ElideSkills {
		a.Segments = append(a.Segments, Segment{Name: SegmentSkills, Text: in.Skills.Block()})
	}

	if in.UpdateOnly != "" {
		a.Segments = append(a.Segments, Segment{Name: SegmentUpdate, Text: in.UpdateOnly})
	} else {
		a.Segments = append(a.Segments, Segment{Name: SegmentTaskBody, Text: taskBody(in.Task)})
	}

	if in.RetryPatch != "" {
		a.Segments = append(a.Segments, Segment{
			Name: SegmentRetry,
			Text: "## RETRY REQUIREMENT\n\n" + in.RetryPatch,
		})
	}

	if in.Contract != "" {
		a.Segments = append(a.Segments, Segment{Name: SegmentContract, Text: in.Contract})
	}
	return a
}

// header renders the deterministic header: agent identity, task lineage, and
// an open-task digest.
func header(in BuildInput) string {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Agent: %s (%s)\n", in.Agent, in.Role)
	fmt.Fprintf(&b, "Time: %s\n", now.UTC().Format(time.RFC3339))

	if in.Task != nil {
		m := in.Task.Meta
		fmt.Fprintf(&b, "Task: %s [%s] from %s", m.ID, m.Signals.Kind, m.From)
		if m.Priority != "" {
			fmt.Fprintf(&b, " priority=%s", m.Priority)
		}
		b.WriteString("\n")
		if m.Signals.RootID != "" {
			fmt.Fprintf(&b, "Lineage: root=%s", m.Signals.RootID)
			if m.Signals.ParentID != "" {
				fmt.Fprintf(&b, " parent=%s", m.Signals.ParentID)
			}
			b.WriteString("\n")
		}
	}

	if len(in.OpenTasks) > 0 {
		b.WriteString("Other open tasks in your inbox:\n")
		for _, ref := range in.OpenTasks {
			fmt.Fprintf(&b, "  - %s [%s] %s\n", ref.ID, ref.Kind, ref.Priority)
		}
	}
	return b.String()
}

// taskBody renders the packet title and body.
func taskBody(p *bus.Packet) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	if p.Meta.Title != "" {
		fmt.Fprintf(&b, "## %s\n\n", p.Meta.Title)
	}
	b.WriteString(strings.TrimSpace(p.Body))
	b.WriteString("\n")
	return b.String()
}

// LatestUpdateBlock extracts the newest "### Update" section from a packet
// body, for restart prompts after a mid-task interrupt. Returns "" when the
// body has no update blocks.
func LatestUpdateBlock(body string) string {
	idx := strings.LastIndex(body, "### Update")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(body[idx:]) + "\n"
}
