package sitepackages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
)

// ErrNoSitePackages is returned when no site-packages directory could be located.
var ErrNoSitePackages = errors.New("no site-packages directory found")

var errNotDistribution = errors.New("not a distribution metadata entry")

// Snapshot is an immutable view of the distributions installed in a set of directories.
type Snapshot struct {
	packages map[string]*dist.Metadata
	order    []string
}

var _ dist.Environment = (*Snapshot)(nil)

// Lookup returns the metadata of an installed distribution by any spelling of its name.
func (s *Snapshot) Lookup(name string) (*dist.Metadata, bool) {
	m, ok := s.packages[dist.NormalizeName(name)]

	return m, ok
}

// Packages returns every distribution in scan order.
func (s *Snapshot) Packages() []*dist.Metadata {
	packages := make([]*dist.Metadata, 0, len(s.order))
	for _, key := range s.order {
		packages = append(packages, s.packages[key])
	}

	return packages
}

// NewSnapshot builds a snapshot from already parsed metadata. Later duplicates are ignored.
func NewSnapshot(packages ...*dist.Metadata) *Snapshot {
	s := &Snapshot{packages: make(map[string]*dist.Metadata, len(packages))}
	for _, m := range packages {
		s.add(m)
	}

	return s
}

func (s *Snapshot) add(m *dist.Metadata) bool {
	if m.Key == "" {
		m.Key = dist.NormalizeName(m.Name)
	}

	if _, exists := s.packages[m.Key]; exists {
		return false
	}

	s.packages[m.Key] = m
	s.order = append(s.order, m.Key)

	return true
}

// Scan reads every distribution installed in dirs. Earlier directories shadow later ones,
// the way sys.path does. Unreadable metadata is logged and skipped.
func Scan(ctx context.Context, dirs ...string) (*Snapshot, error) {
	if len(dirs) == 0 {
		return nil, ErrNoSitePackages
	}

	ctx = logger.WithName(ctx, "sitepackages")
	snapshot := NewSnapshot()

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read site-packages %s: %w", dir, err)
		}

		for _, entry := range entries {
			m, err := readEntry(dir, entry)
			if err != nil {
				logger.WarnKV(ctx, "skipping unreadable distribution metadata", "path", filepath.Join(dir, entry.Name()), "error", err)

				continue
			}

			if m == nil {
				continue
			}

			if !snapshot.add(m) {
				logger.DebugKV(ctx, "distribution shadowed by an earlier directory", "name", m.Name, "path", m.MetadataDir)
			}
		}
	}

	logger.DebugKV(ctx, "site-packages scanned", "directories", len(dirs), "distributions", len(snapshot.order))

	return snapshot, nil
}

// Discover returns the site-packages directories of a virtual environment root.
func Discover(venv string) ([]string, error) {
	if venv == "" {
		return nil, ErrNoSitePackages
	}

	var dirs []string

	for _, pattern := range []string{
		filepath.Join(venv, "lib", "python*", "site-packages"),
		filepath.Join(venv, "lib64", "python*", "site-packages"),
		filepath.Join(venv, "Lib", "site-packages"),
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}

		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && info.IsDir() && !containsSame(dirs, match) {
				dirs = append(dirs, match)
			}
		}
	}

	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoSitePackages, venv)
	}

	slices.Sort(dirs)

	return dirs, nil
}

// containsSame reports whether dirs already holds a path resolving to the same directory (lib64 is often a symlink).
func containsSame(dirs []string, dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}

	for _, existing := range dirs {
		if other, err := os.Stat(existing); err == nil && os.SameFile(info, other) {
			return true
		}
	}

	return false
}

// Read parses one metadata entry (a *.dist-info, *.egg-info or *.egg name) inside dir.
func Read(dir, name string) (*dist.Metadata, error) {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read distribution %s: %w", name, err)
	}

	m, err := readEntry(dir, fs.FileInfoToDirEntry(info))
	if err != nil {
		return nil, err
	}

	if m == nil {
		return nil, fmt.Errorf("%w: %s", errNotDistribution, filepath.Join(dir, name))
	}

	return m, nil
}

func readEntry(dir string, entry fs.DirEntry) (*dist.Metadata, error) {
	name := entry.Name()

	switch {
	case strings.HasSuffix(name, ".dist-info") && entry.IsDir():
		return readDistInfo(dir, name)
	case strings.HasSuffix(name, ".egg-info"):
		return readEggInfo(dir, name, entry.IsDir())
	case strings.HasSuffix(name, ".egg") && entry.IsDir():
		return readEgg(filepath.Join(dir, name))
	default:
		return nil, nil //nolint:nilnil // Not a distribution.
	}
}

func readDistInfo(location, name string) (*dist.Metadata, error) {
	metaDir := filepath.Join(location, name)

	h, err := readHeader(filepath.Join(metaDir, metadataFile))
	if err != nil {
		return nil, err
	}

	requires, err := parseRequiresDist(h.requires)
	if err != nil {
		return nil, err
	}

	topLevel, err := readLines(filepath.Join(metaDir, topLevelFile))
	if err != nil {
		return nil, err
	}

	files, err := readRecord(filepath.Join(metaDir, recordFile))
	if err != nil {
		return nil, err
	}

	tags, err := readWheelTags(filepath.Join(metaDir, wheelFile))
	if err != nil {
		return nil, err
	}

	return finish(&dist.Metadata{
		Name:        h.name,
		Version:     h.version,
		Requires:    requires,
		TopLevel:    topLevel,
		Files:       files,
		Location:    location,
		MetadataDir: metaDir,
		Tags:        tags,
	}), nil
}

// readEggInfo handles both the directory form and the single PKG-INFO file form of .egg-info.
func readEggInfo(location, name string, isDir bool) (*dist.Metadata, error) {
	metaDir := filepath.Join(location, name)
	if !isDir {
		h, err := readHeader(metaDir)
		if err != nil {
			return nil, err
		}

		return finish(&dist.Metadata{Name: h.name, Version: h.version, Location: location, MetadataDir: metaDir}), nil
	}

	m, err := readEggMetadata(location, metaDir)
	if err != nil {
		return nil, err
	}

	// installed-files.txt paths are relative to the metadata directory.
	installed, err := readLines(filepath.Join(metaDir, installedFilesFile))
	if err != nil {
		return nil, err
	}

	for _, p := range installed {
		if rel, ok := cleanRelative(path.Join(name, filepath.ToSlash(p))); ok {
			m.Files = append(m.Files, rel)
		}
	}

	return finish(m), nil
}

// readEgg handles an unzipped egg: code lives in the .egg directory, metadata under EGG-INFO.
func readEgg(eggDir string) (*dist.Metadata, error) {
	metaDir := filepath.Join(eggDir, "EGG-INFO")
	if info, err := os.Stat(metaDir); err != nil || !info.IsDir() {
		return nil, nil //nolint:nilnil // A plain directory named *.egg.
	}

	m, err := readEggMetadata(eggDir, metaDir)
	if err != nil {
		return nil, err
	}

	sources, err := readLines(filepath.Join(metaDir, sourcesFile))
	if err != nil {
		return nil, err
	}

	for _, p := range sources {
		if rel, ok := cleanRelative(p); ok && pathExists(filepath.Join(eggDir, filepath.FromSlash(rel))) {
			m.Files = append(m.Files, rel)
		}
	}

	return finish(m), nil
}

func readEggMetadata(location, metaDir string) (*dist.Metadata, error) {
	h, err := readHeader(filepath.Join(metaDir, pkgInfoFile))
	if err != nil {
		return nil, err
	}

	lines, err := readLines(filepath.Join(metaDir, requiresFile))
	if err != nil {
		return nil, err
	}

	requires, err := parseRequiresTxt(lines)
	if err != nil {
		return nil, err
	}

	topLevel, err := readLines(filepath.Join(metaDir, topLevelFile))
	if err != nil {
		return nil, err
	}

	return &dist.Metadata{
		Name:        h.name,
		Version:     h.version,
		Requires:    requires,
		TopLevel:    topLevel,
		Location:    location,
		MetadataDir: metaDir,
	}, nil
}

func parseRequiresDist(values []string) ([]dist.Requirement, error) {
	requirements := make([]dist.Requirement, 0, len(values))

	for _, value := range values {
		req, err := dist.ParseRequirement(value)
		if err != nil {
			return nil, err
		}

		requirements = append(requirements, req)
	}

	return requirements, nil
}

// finish fills derived fields: the normalized key and extension detection.
func finish(m *dist.Metadata) *dist.Metadata {
	m.Key = dist.NormalizeName(m.Name)
	m.HasExtensions = slices.ContainsFunc(m.Files, dist.IsExtensionFile)

	if !m.HasExtensions && len(m.Files) == 0 {
		m.HasExtensions = topLevelHasExtensions(m)
	}

	return m
}

// topLevelHasExtensions walks the top-level names of a distribution without a file record.
func topLevelHasExtensions(m *dist.Metadata) bool {
	for _, name := range m.TopLevel {
		root := filepath.Join(m.Location, filepath.FromSlash(name))

		found := false

		if info, err := os.Stat(root); err == nil && info.IsDir() {
			_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil || found {
					return fs.SkipDir
				}

				if !d.IsDir() && dist.IsExtensionFile(p) {
					found = true

					return fs.SkipAll
				}

				return nil
			})
		}

		if matches, _ := filepath.Glob(root + ".*"); slices.ContainsFunc(matches, dist.IsExtensionFile) {
			found = true
		}

		if found {
			return true
		}
	}

	return false
}

func pathExists(p string) bool {
	_, err := os.Stat(p)

	return err == nil
}
