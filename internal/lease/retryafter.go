package lease

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// reTryAgainMs matches "try again in <N>ms".
	reTryAgainMs = regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*ms\b`)

	// reTryAgainUnit matches "try again in <N> s/seconds/minutes/hours".
	reTryAgainUnit = regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(s\b|seconds?|minutes?|hours?)`)

	// reResetIn matches "reset in <N> seconds/minutes/hours".
	reResetIn = regexp.MustCompile(`(?i)reset\s+(?:in\s+)?(\d+)\s*(seconds?|minutes?|hours?)`)

	// reRetryAfterHeader matches an HTTP-style "Retry-After: <N>" (seconds).
	reRetryAfterHeader = regexp.MustCompile(`(?i)retry-after:\s*(\d+)`)
)

// ParseRetryAfterMs extracts a retry-after hint in milliseconds from
// rate-limit output. Recognized forms, in priority order:
//
//	"try again in <N>ms"
//	"try again in <N>s" (and seconds/minutes/hours)
//	"reset in <N> seconds/minutes/hours"
//	"Retry-After: <N>" (seconds)
//
// Returns (0, false) when no form matches; callers then fall back to their
// exponential schedule.
func ParseRetryAfterMs(output string) (int64, bool) {
	if m := reTryAgainMs.FindStringSubmatch(output); len(m) == 2 {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n, true
		}
	}
	if m := reTryAgainUnit.FindStringSubmatch(output); len(m) == 3 {
		if d, ok := unitDuration(m[1], m[2]); ok {
			return d.Milliseconds(), true
		}
	}
	if m := reResetIn.FindStringSubmatch(output); len(m) == 3 {
		if d, ok := unitDuration(m[1], m[2]); ok {
			return d.Milliseconds(), true
		}
	}
	if m := reRetryAfterHeader.FindStringSubmatch(output); len(m) == 2 {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n * 1000, true
		}
	}
	return 0, false
}

// unitDuration converts a numeric string plus a unit word to a duration.
func unitDuration(amount, unit string) (time.Duration, bool) {
	n, err := strconv.Atoi(amount)
	if err != nil || n < 0 {
		return 0, false
	}
	unit = strings.ToLower(strings.TrimSpace(unit))
	switch {
	case unit == "s" || strings.HasPrefix(unit, "second"):
		return time.Duration(n) * time.Second, true
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(n) * time.Minute, true
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(n) * time.Hour, true
	default:
		return 0, false
	}
}
