// Package version holds build-time version information for the evidex binary,
// populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/evidex-go/internal/version.Version=v0.4.0 \
//	                    -X github.com/54b3r/evidex-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/evidex-go/internal/version.BuildDate=2026-01-01"
package version

import "fmt"

// Version is the semantic version of the binary. "dev" for local builds.
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date (RFC3339).
var BuildDate = "unknown"

// String renders the one-line banner printed by `evidex version` and logged
// at server startup.
func String() string {
	return fmt.Sprintf("evidex %s (commit: %s, built: %s)", Version, Commit, BuildDate)
}
