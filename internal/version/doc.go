// Package version exposes build metadata for pybundle.
//
// Version, Commit and BuildTime are injected with -ldflags; the commit falls
// back to the VCS stamp of the toolchain for local builds.
package version
