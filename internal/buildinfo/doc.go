// Package buildinfo carries the identifiers stamped into the cockpit binary
// at build time (version, commit, build date) via -ldflags -X.
package buildinfo

// Build-time variables. Unstamped builds report the zero values below.
var (
	// Version is the semantic version or git describe output.
	Version = "dev"

	// Commit is the short git commit SHA.
	Commit = "unknown"

	// Date is the UTC build timestamp in RFC3339 format.
	Date = "unknown"
)
