package dist

import (
	"regexp"
	"strings"
)

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// NormalizeName returns the PEP 503 normalized form of a distribution name.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// FilesystemName returns the name the way wheels and dist-info directories spell it.
func FilesystemName(name string) string {
	return nameSeparators.ReplaceAllString(strings.TrimSpace(name), "_")
}
