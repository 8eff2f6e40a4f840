package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/pybundle/internal/archive"
	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
)

const downloadsDir = "downloads"

// localFile is an artifact file found in a wheel or cache directory.
type localFile struct {
	path    string
	key     string
	version string
	kind    dist.ArtifactKind
	tags    []dist.Tag
}

var sdistSuffixes = []string{".tar.gz", ".tgz", ".zip"}

// extensionSources are member suffixes that mean an sdist would need a compiler.
var extensionSources = []string{".c", ".cc", ".cpp", ".cxx", ".pyx", ".f", ".f90", ".rs", "/Cargo.toml"}

func (i *Index) findLocal(ctx context.Context, q Query, installed *dist.Metadata) ([]dist.Candidate, error) {
	var candidates []dist.Candidate

	if c, ok := installedCandidate(q, installed); ok {
		candidates = append(candidates, c)
	}

	for _, b := range i.opts.Catalog.Find(q.Name, q.Tag) {
		if !q.accepts(b.Version) {
			continue
		}

		candidates = append(candidates, dist.Candidate{
			Name:     b.Name,
			Version:  b.Version,
			Kind:     dist.KindBundle,
			Tier:     dist.TierExact,
			Location: b.Path,
			Filename: filepath.Base(b.Path),
			Digest:   b.SHA256,
			TopLevel: b.TopLevel,
		})
	}

	files, err := i.scanLocalFiles(ctx)
	if err != nil {
		return nil, err
	}

	key := dist.NormalizeName(q.Name)

	for _, f := range files {
		if f.key != key || !q.accepts(f.version) {
			continue
		}

		c := dist.Candidate{
			Name:     q.Name,
			Version:  f.version,
			Kind:     f.kind,
			Location: f.path,
			Filename: filepath.Base(f.path),
		}

		switch f.kind {
		case dist.KindWheel:
			ranked, ok := q.Tag.Match(f.tags)
			if !ok {
				continue
			}

			c.Tier, c.Score = ranked.Tier, ranked.Preference
		case dist.KindSource:
			pure, err := inspectSdist(f.path)
			if err != nil || !pure {
				logger.DebugKV(ctx, "skipping source distribution", "path", f.path, "pure", pure, "error", err)

				continue
			}

			c.Tier = dist.TierSource
		default:
			continue
		}

		candidates = append(candidates, c)
	}

	return candidates, nil
}

// installedCandidate offers the installed copy when its wheel tags fit the target.
func installedCandidate(q Query, installed *dist.Metadata) (dist.Candidate, bool) {
	if installed == nil || len(installed.Tags) == 0 || !q.accepts(installed.Version) {
		return dist.Candidate{}, false
	}

	ranked, ok := q.Tag.Match(installed.Tags)
	if !ok {
		return dist.Candidate{}, false
	}

	return dist.Candidate{
		Name:     installed.Name,
		Version:  installed.Version,
		Kind:     dist.KindInstalled,
		Tier:     ranked.Tier,
		Location: installed.Location,
		Filename: filepath.Base(installed.MetadataDir),
		TopLevel: installed.TopLevel,
		Score:    ranked.Preference,
	}, true
}

// scanLocalFiles lists artifact files once per Index.
func (i *Index) scanLocalFiles(ctx context.Context) ([]localFile, error) {
	i.scanOnce.Do(func() {
		dirs := append([]string(nil), i.opts.WheelDirs...)
		if i.opts.CacheDir != "" {
			dirs = append(dirs, filepath.Join(i.opts.CacheDir, downloadsDir))
		}

		for _, dir := range dirs {
			files, err := scanDir(dir)
			if err != nil {
				i.scanErr = err

				return
			}

			i.localFiles = append(i.localFiles, files...)
		}

		logger.DebugKV(ctx, "local artifact directories scanned", "directories", len(dirs), "files", len(i.localFiles))
	})

	return i.localFiles, i.scanErr
}

func scanDir(dir string) ([]localFile, error) {
	var files []localFile

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}

			return err
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		if f, ok := parseArtifactName(p); ok {
			files = append(files, f)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan artifact directory %s: %w", dir, err)
	}

	return files, nil
}

func parseArtifactName(p string) (localFile, bool) {
	base := filepath.Base(p)

	if strings.HasSuffix(base, ".whl") {
		wheel, err := dist.ParseWheelFilename(base)
		if err != nil {
			return localFile{}, false
		}

		return localFile{
			path:    p,
			key:     dist.NormalizeName(wheel.Name),
			version: wheel.Version,
			kind:    dist.KindWheel,
			tags:    wheel.Tags,
		}, true
	}

	name, version, ok := parseSdistName(base)
	if !ok {
		return localFile{}, false
	}

	return localFile{path: p, key: dist.NormalizeName(name), version: version, kind: dist.KindSource}, true
}

// parseSdistName splits "python-dateutil-2.8.1.tar.gz" at the last hyphen.
func parseSdistName(base string) (string, string, bool) {
	for _, suffix := range sdistSuffixes {
		stem, ok := strings.CutSuffix(base, suffix)
		if !ok {
			continue
		}

		cut := strings.LastIndex(stem, "-")
		if cut <= 0 || cut == len(stem)-1 {
			return "", "", false
		}

		return stem[:cut], stem[cut+1:], true
	}

	return "", "", false
}

// inspectSdist reports whether a source distribution carries no extension sources.
func inspectSdist(p string) (bool, error) {
	var (
		members []string
		err     error
	)

	if strings.HasSuffix(p, ".zip") {
		members, err = archive.ListZip(p)
	} else {
		members, err = archive.ListTar(p)
	}

	if err != nil {
		return false, err
	}

	for _, member := range members {
		lower := strings.ToLower(member)
		for _, suffix := range extensionSources {
			if strings.HasSuffix(lower, suffix) {
				return false, nil
			}
		}
	}

	return true, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)

	return err == nil
}
