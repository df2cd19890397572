// Package version reports build information for the kioku binary.
//
// The values are set via ldflags:
//
//	-X github.com/bdobrica/kioku/common/version.Version=v1.2.0
//
// When GitCommit or BuildTime are not set, they are read from the VCS
// stamp the Go toolchain embeds in module builds.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

var fillOnce sync.Once

// Info returns a formatted version string
func Info() string {
	fillOnce.Do(fillFromBuildInfo)
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

func fillFromBuildInfo() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && GitCommit == "unknown":
			GitCommit = s.Value
			if len(GitCommit) > 12 {
				GitCommit = GitCommit[:12]
			}
		case s.Key == "vcs.time" && BuildTime == "unknown":
			BuildTime = s.Value
		}
	}
}
