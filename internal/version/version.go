// Package version exposes build-time version metadata. The variables are
// populated via -ldflags at release build time.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic release version.
	Version = "dev"
	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)

// Full returns the human-readable version string.
func Full() string {
	if GitCommit == "unknown" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}

// GoVersion reports the toolchain the binary was compiled with.
func GoVersion() string {
	return runtime.Version()
}
