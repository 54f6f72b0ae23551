// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the metadata for -version output and the status page.
func String() string {
	return fmt.Sprintf("omrloop %s (%s, built %s)", Version, GitSHA, BuildTime)
}
