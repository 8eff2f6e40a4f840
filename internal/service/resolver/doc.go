// Package resolver computes the transitive closure of declared requirements
// against an installed environment and selects one artifact per impure
// distribution for the target platform.
package resolver
