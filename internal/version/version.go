// Package version exposes the build version reported by the health endpoint
// and the CLI. The variable is overridden at link time via -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of the server build.
	Version = "0.3.0-dev"

	// Commit is the short git hash of the build, if known.
	Commit = ""
)

// String returns the human-readable version line.
func String() string {
	if Commit != "" {
		return fmt.Sprintf("agentbatch %s (%s)", Version, Commit)
	}
	return "agentbatch " + Version
}
