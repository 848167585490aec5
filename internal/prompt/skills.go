package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SkillSet is the loaded content of an agent's skills, in roster order. The
// fingerprint is the sha256 of all loaded files, so a warm-start record can
// tell whether the skills block would render identically.
type SkillSet struct {
	names       []string
	files       []skillFile
	fingerprint string
}

type skillFile struct {
	skill string
	path  string
	text  string
}

// skillPatterns are the file globs loaded per skill directory.
var skillPatterns = []string{"*.md", "**/*.md"}

// LoadSkills loads the named skills from <root>/<name>/. Each skill
// contributes its markdown files in path order. A missing skill directory is
// an error; an empty one is not.
func LoadSkills(root string, names []string) (*SkillSet, error) {
	set := &SkillSet{names: append([]string(nil), names...)}
	sum := sha256.New()

	for _, name := range names {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("prompt: skill %q: %w", name, err)
		}

		seen := map[string]bool{}
		var paths []string
		fsys := os.DirFS(dir)
		for _, pattern := range skillPatterns {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return nil, fmt.Errorf("prompt: globbing skill %q: %w", name, err)
			}
			for _, m := range matches {
				if !seen[m] {
					seen[m] = true
					paths = append(paths, m)
				}
			}
		}
		sort.Strings(paths)

		for _, rel := range paths {
			full := filepath.Join(dir, rel)
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, fmt.Errorf("prompt: reading skill file %s: %w", full, err)
			}
			set.files = append(set.files, skillFile{skill: name, path: rel, text: string(data)})
			sum.Write([]byte(name))
			sum.Write([]byte{0})
			sum.Write([]byte(rel))
			sum.Write([]byte{0})
			sum.Write(data)
		}
	}

	set.fingerprint = hex.EncodeToString(sum.Sum(nil))
	return set, nil
}

// Names returns the skill names in load order.
func (s *SkillSet) Names() []string { return s.names }

// Fingerprint returns the sha256 hex digest over all loaded skill files.
func (s *SkillSet) Fingerprint() string { return s.fingerprint }

// Block renders the skills segment: one $skillName invocation line per
// skill, followed by each skill's file content.
func (s *SkillSet) Block() string {
	if len(s.names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Skills\n\n")
	for _, name := range s.names {
		fmt.Fprintf(&b, "$%s\n", name)
	}
	for _, f := range s.files {
		fmt.Fprintf(&b, "\n<!-- skill:%s %s -->\n", f.skill, f.path)
		b.WriteString(strings.TrimRight(f.text, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}
