// Package assembler merges the user's package, staged dependency files and the
// generated shim into one deterministic build root.
package assembler
