// Package version holds build information set via -ldflags.
package version

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X chatus/internal/version.Version=v1.0.0 -X chatus/internal/version.Commit=$(git rev-parse --short HEAD) -X chatus/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("chatus-edge %s (commit %s, built %s)", Version, Commit, Date)
}
