package dist

import (
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	packageurl "github.com/package-url/packageurl-go"
)

// Metadata is the read-only record of one installed distribution.
type Metadata struct {
	// Name is the distribution name as declared in its metadata.
	Name string
	// Key is the normalized name used for lookups.
	Key string
	// Version is the installed version.
	Version string
	// Requires lists declared runtime requirements, markers not yet evaluated.
	Requires []Requirement
	// TopLevel lists importable top-level names from top_level.txt, nil when the file is absent.
	TopLevel []string
	// Files lists installed files relative to Location (RECORD or installed-files.txt).
	Files []string
	// Location is the directory the top-level names resolve under.
	Location string
	// MetadataDir is the .dist-info, .egg-info or EGG-INFO directory.
	MetadataDir string
	// Tags are the wheel tags recorded at install time, empty for non-wheel installs.
	Tags []Tag
	// HasExtensions is true when any installed file is a compiled extension module.
	HasExtensions bool
}

// Pure reports whether the distribution runs on any platform tag.
func (m *Metadata) Pure() bool {
	return !m.HasExtensions
}

// HasManifest reports whether the file set of the distribution can be determined.
func (m *Metadata) HasManifest() bool {
	return m.TopLevel != nil || len(m.Files) > 0
}

// Environment is an immutable snapshot of installed distributions keyed by normalized name.
type Environment interface {
	Lookup(name string) (*Metadata, bool)
	Packages() []*Metadata
}

var extensionSuffixes = []string{".so", ".pyd", ".dylib"}

// IsExtensionFile reports whether a file name is a compiled extension module or shared library.
func IsExtensionFile(name string) bool {
	base := path.Base(name)
	for _, suffix := range extensionSuffixes {
		if strings.HasSuffix(base, suffix) || strings.Contains(base, suffix+".") {
			return true
		}
	}

	return false
}

// ArtifactKind tells how a candidate artifact is stored.
type ArtifactKind string

const (
	// KindWheel is a PEP 427 wheel archive.
	KindWheel ArtifactKind = "wheel"
	// KindBundle is a pre-built tarball from the bundle catalog.
	KindBundle ArtifactKind = "bundle"
	// KindInstalled is the installed copy, usable when built for the target platform.
	KindInstalled ArtifactKind = "installed"
	// KindSource is a source distribution.
	KindSource ArtifactKind = "sdist"
)

// Candidate is a located pre-built distribution for one name, version and platform tag.
type Candidate struct {
	Name    string
	Version string
	Kind    ArtifactKind
	Tier    Tier
	// Location is a local path, or a URL when Remote is set.
	Location string
	Remote   bool
	Filename string
	// Digest is the expected sha256 hex digest, known for remote artifacts.
	Digest string
	// TopLevel is the manifest supplied by the bundle catalog.
	TopLevel []string
	// Score orders candidates inside a tier; lower is better.
	Score int
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", c.Kind, c.Filename, c.Tier, c.Location)
}

// PURL renders the candidate as a package URL.
func (c *Candidate) PURL() string {
	var qualifiers packageurl.Qualifiers
	if c.Filename != "" {
		qualifiers = packageurl.QualifiersFromMap(map[string]string{"file_name": c.Filename})
	}

	return packageurl.NewPackageURL("pypi", "", NormalizeName(c.Name), c.Version, qualifiers, "").ToString()
}

// Entry is the resolution outcome for one distribution.
type Entry struct {
	// Name is the normalized distribution name.
	Name    string
	Version string
	// Pure marks distributions that need no platform-specific artifact.
	Pure bool
	// Artifact is the chosen candidate, nil for pure distributions.
	Artifact *Candidate
	// Metadata is the installed record the entry was resolved from.
	Metadata *Metadata
	// Order is the breadth-first discovery index.
	Order int
	// RequiredBy lists the normalized names (or "declared") that required the distribution.
	RequiredBy []string
}

// ResolutionSet maps normalized names to exactly one Entry. Safe for concurrent inserts.
type ResolutionSet struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewResolutionSet returns an empty set.
func NewResolutionSet() *ResolutionSet {
	return &ResolutionSet{entries: make(map[string]*Entry)}
}

// Add inserts an entry and fails when the name is already present.
func (s *ResolutionSet) Add(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeName(e.Name)
	if _, exists := s.entries[key]; exists {
		return fmt.Errorf("%w: %s", errDuplicateEntry, key)
	}

	s.entries[key] = e

	return nil
}

// Get returns the entry for a name.
func (s *ResolutionSet) Get(name string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[NormalizeName(name)]

	return e, ok
}

// Len returns the number of entries.
func (s *ResolutionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Entries returns the entries in discovery order.
func (s *ResolutionSet) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Order != entries[j].Order {
			return entries[i].Order < entries[j].Order
		}

		return entries[i].Name < entries[j].Name
	})

	return entries
}

// Names returns the sorted normalized names in the set.
func (s *ResolutionSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// StagedFile is one file scheduled for the build root.
type StagedFile struct {
	// Source is the absolute path of the file to copy.
	Source string
	// Dest is the slash-separated path relative to the build root.
	Dest string
	// Package is the normalized name of the owning distribution.
	Package string
	// Mode carries the source permission bits.
	Mode fs.FileMode
}

// SortStaged orders staged files by destination, then by owning package.
func SortStaged(files []StagedFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Dest != files[j].Dest {
			return files[i].Dest < files[j].Dest
		}

		return files[i].Package < files[j].Package
	})
}
