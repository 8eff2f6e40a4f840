// Package archive writes the deployment zip and unpacks downloaded artifacts.
//
// Zip output is reproducible: entries are sorted, timestamps are fixed and
// permission bits are uniform, so identical trees produce identical bytes.
// Unpacking refuses members that would land outside the destination.
package archive
