// Package extractor computes the minimal file set each resolved distribution
// contributes to the build root.
//
// File sets come from the distribution's top-level names (top_level.txt, or
// the first path segments of its RECORD when that file is missing). Test
// suites, bytecode caches and metadata directories are never staged.
package extractor
