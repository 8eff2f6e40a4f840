package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release of the build, set via ldflags.
	Version = "0.1.0"
	// Commit is the short git SHA set at build time.
	Commit = "none"
	// BuildTime is the UTC build timestamp set at build time.
	BuildTime = "unknown"
)

// Short returns only the release string.
func Short() string {
	return Version
}

// Full returns the release with commit, build time and toolchain.
func Full() string {
	return fmt.Sprintf("pybundle %s (commit: %s, built at: %s, %s %s/%s)",
		Version, commit(), BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// commit falls back to the VCS revision recorded by the toolchain for plain `go build`.
func commit() string {
	if Commit != "none" {
		return Commit
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}

	return Commit
}
