// Package dist holds the domain model of a packaging run: installed package
// metadata, requirements and environment markers, platform and wheel tags,
// candidate artifacts, the resolution set, staged files and the package
// descriptor, together with the fatal error taxonomy shared by all stages.
package dist
