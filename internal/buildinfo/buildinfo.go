// Package buildinfo exposes the release identifiers stamped into testbed
// binaries.
package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the full build description printed by -version.
func String() string {
	return fmt.Sprintf("testbed version=%s commit=%s date=%s", Version, Commit, Date)
}

// UserAgent identifies testbed clients to a testbed service.
func UserAgent() string {
	if Commit == "none" || Commit == "" {
		return "testbed/" + Version
	}
	short := Commit
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("testbed/%s (%s)", Version, short)
}
