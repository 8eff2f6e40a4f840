package extractor

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
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
)

const defaultWorkers = 4

var (
	excludedDirs     = []string{"test", "tests", "__pycache__", ".git"}
	excludedDirExts  = []string{".dist-info", ".egg-info", ".data"}
	excludedFileExts = []string{".pyc", ".pyo"}
	// Importable files that can sit directly in site-packages.
	moduleSuffixes = []string{".py", ".so", ".pyd"}
)

// Materializer makes a chosen artifact available locally.
type Materializer interface {
	Materialize(ctx context.Context, c dist.Candidate) (*dist.Metadata, error)
}

// Extractor stages files of resolved distributions.
type Extractor struct {
	artifacts Materializer
	workers   int
}

// New creates an Extractor. workers bounds ExtractAll concurrency.
func New(artifacts Materializer, workers int) *Extractor {
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &Extractor{artifacts: artifacts, workers: workers}
}

// Extract returns the staged files of one entry. Pure entries stage from the
// installed location; others from their materialized artifact.
func (e *Extractor) Extract(ctx context.Context, entry *dist.Entry) ([]dist.StagedFile, error) {
	m := entry.Metadata

	if !entry.Pure {
		if entry.Artifact == nil {
			return nil, fmt.Errorf("extract %s: impure entry has no artifact", entry.Name)
		}

		materialized, err := e.artifacts.Materialize(ctx, *entry.Artifact)
		if err != nil {
			return nil, err
		}

		m = materialized
	}

	files, err := Files(m, entry.Name)
	if err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "file set extracted", "package", entry.Name, "files", len(files), "location", m.Location)

	return files, nil
}

// ExtractAll extracts every entry of the set concurrently and returns files sorted by destination.
func (e *Extractor) ExtractAll(ctx context.Context, set *dist.ResolutionSet) ([]dist.StagedFile, error) {
	ctx = logger.WithName(ctx, "extractor")
	entries := set.Entries()

	var (
		mu     sync.Mutex
		staged []dist.StagedFile
		errs   = make([]error, len(entries))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, entry := range entries {
		g.Go(func() error {
			files, err := e.Extract(gctx, entry)
			if err != nil {
				errs[i] = err

				return err
			}

			mu.Lock()
			staged = append(staged, files...)
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // Errors are reported in discovery order below.

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	dist.SortStaged(staged)

	return staged, nil
}

// Files returns the file set of a distribution whose files live under m.Location:
// the names in top_level.txt joined with the top-level entries of its file record.
func Files(m *dist.Metadata, owner string) ([]dist.StagedFile, error) {
	// RECORD also names directories top_level.txt leaves out, such as the
	// <name>.libs shared libraries vendored by auditwheel.
	names := slices.Clone(m.TopLevel)
	for _, name := range topLevelFromRecord(m.Files) {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	if len(names) == 0 && !m.HasManifest() {
		return nil, &dist.MissingManifestError{Name: owner, Location: m.Location}
	}

	var staged []dist.StagedFile

	for _, name := range names {
		files, err := stageName(m.Location, filepath.ToSlash(name), owner)
		if err != nil {
			return nil, err
		}

		staged = append(staged, files...)
	}

	return staged, nil
}

// Dir stages every file under root with the exclusion rules, placing them under prefix.
func Dir(root, prefix, owner string) ([]dist.StagedFile, error) {
	var staged []dist.StagedFile

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if p != root && excludedDir(d.Name()) {
				return fs.SkipDir
			}

			return nil
		}

		if excludedFile(d.Name()) {
			return nil
		}

		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		staged = append(staged, dist.StagedFile{
			Source:  p,
			Dest:    path.Join(prefix, filepath.ToSlash(rel)),
			Package: owner,
			Mode:    info.Mode().Perm(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", root, err)
	}

	return staged, nil
}

// stageName resolves a top-level name to a package directory, a module file or extension modules.
func stageName(location, name, owner string) ([]dist.StagedFile, error) {
	base := filepath.Join(location, filepath.FromSlash(name))

	if info, err := os.Stat(base); err == nil && info.IsDir() {
		if excludedDir(path.Base(name)) {
			return nil, nil
		}

		return Dir(base, name, owner)
	}

	var staged []dist.StagedFile

	candidates := []string{base + ".py", base + ".so", base + ".pyd"}

	for _, pattern := range []string{base + ".*.so", base + ".*.pyd"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}

		candidates = append(candidates, matches...)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		staged = append(staged, dist.StagedFile{
			Source:  candidate,
			Dest:    path.Join(path.Dir(name), filepath.Base(candidate)),
			Package: owner,
			Mode:    info.Mode().Perm(),
		})
	}

	return staged, nil
}

// topLevelFromRecord derives importable top-level names from recorded file paths.
func topLevelFromRecord(files []string) []string {
	var names []string

	for _, f := range files {
		first, rest, nested := strings.Cut(f, "/")

		var name string

		switch {
		case nested:
			if excludedDir(first) || strings.HasSuffix(first, ".data") || rest == "" {
				continue
			}

			name = first
		default:
			if !slices.ContainsFunc(moduleSuffixes, func(s string) bool { return strings.HasSuffix(first, s) }) {
				continue
			}

			name, _, _ = strings.Cut(first, ".")
		}

		if name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	slices.Sort(names)

	return names
}

func excludedDir(name string) bool {
	if slices.Contains(excludedDirs, name) {
		return true
	}

	return slices.ContainsFunc(excludedDirExts, func(ext string) bool { return strings.HasSuffix(name, ext) })
}

func excludedFile(name string) bool {
	return slices.ContainsFunc(excludedFileExts, func(ext string) bool { return strings.HasSuffix(name, ext) })
}
