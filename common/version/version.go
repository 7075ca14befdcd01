// Package version carries the build identity stamped into the bridge
// binary at link time.
package version

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns the one-line form used in the startup banner.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
