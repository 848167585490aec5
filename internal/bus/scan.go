package bus

import (
	"fmt"
	"regexp"
	"strings"
)

// ScanPolicy controls what happens when a packet body matches a destructive
// command pattern.
type ScanPolicy string

const (
	// ScanWarn records hits and lets delivery proceed.
	ScanWarn ScanPolicy = "warn"

	// ScanBlock refuses delivery on any hit.
	ScanBlock ScanPolicy = "block"
)

// ErrSuspiciousContent is returned by Deliver under ScanBlock when the body
// matches a destructive command pattern.
var ErrSuspiciousContent = fmt.Errorf("suspicious content in packet body")

// ScanHit records a single destructive-pattern match.
type ScanHit struct {
	// Rule names the pattern that matched.
	Rule string `json:"rule"`

	// Line is the 1-based line number of the match.
	Line int `json:"line"`

	// Excerpt is the matched line, truncated.
	Excerpt string `json:"excerpt"`
}

// maxExcerptLen caps the excerpt carried in a ScanHit.
const maxExcerptLen = 160

// suspiciousRules pairs rule names with compiled patterns. The patterns aim
// at commands that destroy data or bypass review, not at exhaustive shell
// analysis; the scan is an advisory tripwire, not a sandbox.
var suspiciousRules = []struct {
	name string
	re   *regexp.Regexp
}{
	{"rm_rf_root", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+/(\s|$|\*)`)},
	{"fork_bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`)},
	{"curl_pipe_sh", regexp.MustCompile(`(?i)\b(curl|wget)\b[^\n|]*\|\s*(sudo\s+)?(ba)?sh\b`)},
	{"mkfs", regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\s`)},
	{"dd_to_device", regexp.MustCompile(`(?i)\bdd\s+[^\n]*of=/dev/`)},
	{"write_to_disk_device", regexp.MustCompile(`>\s*/dev/sd[a-z]`)},
	{"force_push_protected", regexp.MustCompile(`(?i)\bgit\s+push\s+[^\n]*(--force|-f)\b[^\n]*\b(master|main)\b`)},
}

// ScanSuspicious scans body line-by-line for destructive command patterns
// and returns every hit in order of appearance.
func ScanSuspicious(body string) []ScanHit {
	var hits []ScanHit
	for i, line := range strings.Split(body, "\n") {
		for _, rule := range suspiciousRules {
			if rule.re.MatchString(line) {
				excerpt := strings.TrimSpace(line)
				if len(excerpt) > maxExcerptLen {
					excerpt = excerpt[:maxExcerptLen]
				}
				hits = append(hits, ScanHit{Rule: rule.name, Line: i + 1, Excerpt: excerpt})
			}
		}
	}
	return hits
}
