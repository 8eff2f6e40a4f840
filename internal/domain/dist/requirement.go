package dist

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Requirement is a declared dependency: a name with optional extras,
// a version specifier and an environment marker.
type Requirement struct {
	// Name is the distribution name as written by the declaring party.
	Name string
	// Extras are the optional feature sets requested for the dependency.
	Extras []string
	// Specifier is the PEP 440 version specifier, empty when any version is accepted.
	Specifier string
	// Marker is the PEP 508 environment marker, empty when unconditional.
	Marker string
}

var requirementPattern = regexp.MustCompile(`^([A-Za-z0-9][-A-Za-z0-9._]*[A-Za-z0-9]|[A-Za-z0-9])\s*(\[[^\]]*\])?`)

// ParseRequirement parses a PEP 508 requirement string such as
// `requests[socks] (>=2.0,<3); python_version >= "3.6"`.
func ParseRequirement(s string) (Requirement, error) {
	text, marker, _ := strings.Cut(s, ";")
	text = strings.TrimSpace(text)

	match := requirementPattern.FindStringSubmatch(text)
	if match == nil {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, s)
	}

	req := Requirement{
		Name:   match[1],
		Marker: strings.TrimSpace(marker),
	}

	if match[2] != "" {
		for extra := range strings.SplitSeq(strings.Trim(match[2], "[]"), ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, NormalizeName(extra))
			}
		}
	}

	rest := strings.TrimSpace(text[len(match[0]):])
	if strings.HasPrefix(rest, "@") {
		// Direct URL reference; the installed copy is authoritative.
		return req, nil
	}

	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")"))
	if rest != "" {
		if _, err := pep440.NewSpecifiers(rest); err != nil {
			return Requirement{}, fmt.Errorf("%w: %q: %w", ErrInvalidRequirement, s, err)
		}
	}

	req.Specifier = rest

	return req, nil
}

// Key returns the normalized name of the required distribution.
func (r Requirement) Key() string {
	return NormalizeName(r.Name)
}

func (r Requirement) String() string {
	var b strings.Builder

	b.WriteString(r.Name)

	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}

	b.WriteString(r.Specifier)

	if r.Marker != "" {
		b.WriteString("; " + r.Marker)
	}

	return b.String()
}

// HasExtra reports whether the requirement asks for the given extra.
func (r Requirement) HasExtra(extra string) bool {
	return slices.Contains(r.Extras, NormalizeName(extra))
}

// Satisfies reports whether version matches the PEP 440 specifier.
// An empty specifier matches every version.
func Satisfies(version, specifier string) (bool, error) {
	if strings.TrimSpace(specifier) == "" {
		return true, nil
	}

	v, err := pep440.Parse(version)
	if err != nil {
		return false, fmt.Errorf("parse version %q: %w", version, err)
	}

	specs, err := pep440.NewSpecifiers(specifier, pep440.WithPreRelease(true))
	if err != nil {
		return false, fmt.Errorf("parse specifier %q: %w", specifier, err)
	}

	return specs.Check(v), nil
}

// EqualVersions reports whether two version strings denote the same PEP 440 version.
func EqualVersions(a, b string) bool {
	va, errA := pep440.Parse(a)
	vb, errB := pep440.Parse(b)

	if errA != nil || errB != nil {
		return a == b
	}

	return va.Equal(vb)
}

// CompareVersions orders two PEP 440 versions, falling back to string order when either is invalid.
func CompareVersions(a, b string) int {
	va, errA := pep440.Parse(a)
	vb, errB := pep440.Parse(b)

	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}

	return va.Compare(vb)
}
