package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oshokin/pybundle/internal/archive"
	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/repository/sitepackages"
)

const (
	unpackedDir = "unpacked"
	dirMode     = 0o755
)

var (
	errDigestMismatch   = errors.New("sha256 digest mismatch")
	errExtensionSources = errors.New("source distribution contains extension sources")
	errNoDistribution   = errors.New("artifact carries no metadata for the distribution")
)

// Materialize makes the candidate's files available locally and returns metadata
// whose Location is the directory holding the distribution's top-level names.
// Concurrent calls for the same artifact share one download and unpack.
func (i *Index) Materialize(ctx context.Context, c dist.Candidate) (*dist.Metadata, error) {
	if c.Kind == dist.KindInstalled {
		return sitepackages.Read(c.Location, c.Filename)
	}

	v, err, _ := i.materialize.Do(string(c.Kind)+"|"+c.Location, func() (any, error) {
		return i.doMaterialize(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	m, _ := v.(*dist.Metadata) //nolint:errcheck // doMaterialize returns *dist.Metadata only.

	return m, nil
}

func (i *Index) doMaterialize(ctx context.Context, c dist.Candidate) (*dist.Metadata, error) {
	ctx = logger.WithKV(logger.WithName(ctx, "index"), "artifact", c.Filename)

	cache, err := i.cacheDir()
	if err != nil {
		return nil, err
	}

	local := c.Location
	if c.Remote {
		if local, err = i.download(ctx, cache, c); err != nil {
			return nil, unavailable(c, err)
		}
	} else if c.Digest != "" {
		if err = verifyDigest(local, c.Digest); err != nil {
			return nil, unavailable(c, err)
		}
	}

	if c.Kind == dist.KindSource {
		pure, err := inspectSdist(local)
		if err != nil {
			return nil, unavailable(c, err)
		}

		if !pure {
			return nil, unavailable(c, errExtensionSources)
		}
	}

	dir, err := unpack(cache, local, c.Kind)
	if err != nil {
		return nil, unavailable(c, err)
	}

	logger.DebugKV(ctx, "artifact materialized", "dir", dir)

	switch c.Kind {
	case dist.KindWheel:
		return wheelMetadata(ctx, dir, c)
	case dist.KindBundle:
		return bundleMetadata(dir, c)
	case dist.KindSource:
		return sdistMetadata(dir, c)
	default:
		return nil, fmt.Errorf("materialize %s: unsupported artifact kind %q", describe(c), c.Kind)
	}
}

func unavailable(c dist.Candidate, cause error) error {
	return &dist.NoCompatibleArtifactError{
		Name:    dist.NormalizeName(c.Name),
		Version: c.Version,
		Cause:   fmt.Errorf("%s: %w", c.Filename, cause),
	}
}

// download stores a remote artifact under the cache, reusing a previous download with the same digest.
func (i *Index) download(ctx context.Context, cache string, c dist.Candidate) (string, error) {
	dir := filepath.Join(cache, downloadsDir)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create downloads directory: %w", err)
	}

	target := filepath.Join(dir, filepath.Base(c.Filename))
	if exists(target) && (c.Digest == "" || verifyDigest(target, c.Digest) == nil) {
		logger.DebugKV(ctx, "reusing cached download", "path", target)

		return target, nil
	}

	logger.InfoKV(ctx, "downloading artifact", "url", c.Location)

	artifact, err := i.opts.Fetcher.Fetch(ctx, c.Location)
	if err != nil {
		return "", err
	}
	defer artifact.Body.Close()

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temporary download: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	hasher := sha256.New()

	_, err = io.Copy(io.MultiWriter(tmp, hasher), artifact.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return "", fmt.Errorf("write download: %w", err)
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); c.Digest != "" && !strings.EqualFold(got, c.Digest) {
		return "", fmt.Errorf("%w: want %s, got %s", errDigestMismatch, c.Digest, got)
	}

	if err = os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("store download: %w", err)
	}

	return target, nil
}

func verifyDigest(p, want string) error {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return err
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: want %s, got %s", errDigestMismatch, want, got)
	}

	return nil
}

// unpack extracts an artifact into the cache once; a finished directory is reused.
func unpack(cache, local string, kind dist.ArtifactKind) (string, error) {
	root := filepath.Join(cache, unpackedDir)
	if err := os.MkdirAll(root, dirMode); err != nil {
		return "", fmt.Errorf("create unpack directory: %w", err)
	}

	dir := filepath.Join(root, unpackedName(filepath.Base(local)))
	if exists(dir) {
		return dir, nil
	}

	tmp, err := os.MkdirTemp(root, ".unpack-*")
	if err != nil {
		return "", fmt.Errorf("create temporary unpack directory: %w", err)
	}

	defer func() { _ = os.RemoveAll(tmp) }()

	switch {
	case kind == dist.KindWheel || strings.HasSuffix(local, ".zip"):
		err = archive.Unzip(local, tmp)
	default:
		err = archive.Untar(local, tmp)
	}

	if err != nil {
		return "", err
	}

	if err = os.Rename(tmp, dir); err != nil && !exists(dir) {
		return "", fmt.Errorf("store unpacked artifact: %w", err)
	}

	return dir, nil
}

func unpackedName(filename string) string {
	for _, suffix := range []string{".whl", ".tar.gz", ".tgz", ".zip"} {
		if stem, ok := strings.CutSuffix(filename, suffix); ok {
			return stem
		}
	}

	return filename
}

func wheelMetadata(ctx context.Context, dir string, c dist.Candidate) (*dist.Metadata, error) {
	snapshot, err := sitepackages.Scan(ctx, dir)
	if err != nil {
		return nil, err
	}

	m, ok := snapshot.Lookup(c.Name)
	if !ok {
		return nil, unavailable(c, errNoDistribution)
	}

	return m, nil
}

// bundleMetadata uses the catalog manifest, or the tarball's own member list when the catalog has none.
func bundleMetadata(dir string, c dist.Candidate) (*dist.Metadata, error) {
	m := &dist.Metadata{
		Name:     c.Name,
		Key:      dist.NormalizeName(c.Name),
		Version:  c.Version,
		TopLevel: c.TopLevel,
		Location: dir,
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		m.Files = append(m.Files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bundle %s: %w", c.Filename, err)
	}

	slices.Sort(m.Files)
	m.HasExtensions = slices.ContainsFunc(m.Files, dist.IsExtensionFile)

	return m, nil
}

// sdistMetadata finds the egg-info directory setuptools ships inside most sdists.
func sdistMetadata(dir string, c dist.Candidate) (*dist.Metadata, error) {
	roots := []string{dir}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 1 && entries[0].IsDir() {
		top := filepath.Join(dir, entries[0].Name())
		roots = append(roots, top, filepath.Join(top, "src"))
	}

	key := dist.NormalizeName(c.Name)

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".egg-info") {
				continue
			}

			m, err := sitepackages.Read(root, entry.Name())
			if err != nil || m.Key != key {
				continue
			}

			return m, nil
		}
	}

	return nil, &dist.MissingManifestError{Name: key, Location: dir}
}
