// Package catalog implements the bundle catalog: a YAML file listing
// pre-built dependency tarballs per name, version, runtime and architecture.
//
// Bundles cover distributions that publish no usable wheel for the target,
// for example packages built once inside a Lambda-compatible image. The
// FileRepository loads the catalog and resolves bundle paths relative to it.
package catalog
