// Package packager runs the packaging pipeline: it reads the local Python
// environment, resolves the declared dependencies for the target platform,
// assembles the build root and publishes the zip archive.
package packager
