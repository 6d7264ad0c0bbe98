// Package buildinfo describes the build of the rails binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// BuildInfo holds all sorts of information about the build of an executable artifact.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// New creates the build info from linker-provided values. When no commit hash was stamped at
// link time, the VCS revision recorded by the Go toolchain is used, if any.
func New(version, commitHash, buildDate string) BuildInfo {
	i := BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	if commitHash != "" && commitHash != "n/a" {
		return i
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				i.CommitHash = s.Value
			case "vcs.time":
				if buildDate == "" || buildDate == "<unknown>" {
					i.BuildDate = s.Value
				}
			}
		}
	}

	return i
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	return fmt.Sprintf("version %s (%s) built on %s", i.Version, i.CommitHash, i.BuildDate)
}
