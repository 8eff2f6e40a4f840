// Package index locates pre-built artifacts for a distribution and target platform.
//
// Local sources are searched first and never time out: the installed copy
// itself, the bundle catalog, and wheel or sdist files in cache directories.
// The remote PyPI JSON API is consulted only when nothing local fits.
// Materialize turns a chosen candidate into a directory of files plus the
// metadata needed to pick the distribution's file set.
package index
