package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/registry/fetch"
	"github.com/oshokin/pybundle/internal/registry/pypi"
	"github.com/oshokin/pybundle/internal/repository/catalog"
)

// Registry is the remote project lookup used when no local candidate exists.
type Registry interface {
	Project(ctx context.Context, name string) (*pypi.Project, error)
}

// Options configures an Index.
type Options struct {
	// Catalog lists pre-built bundles; nil disables the tier.
	Catalog *catalog.Catalog
	// CacheDir holds downloads and unpacked artifacts.
	CacheDir string
	// WheelDirs are searched recursively for *.whl and sdist files (pip's wheel cache, for one).
	WheelDirs []string
	// Registry is the remote index; nil or Offline disables remote lookups.
	Registry Registry
	// Fetcher downloads remote artifacts.
	Fetcher fetch.Interface
	// Offline forbids network access.
	Offline bool
}

// Query asks for artifacts of one distribution.
type Query struct {
	Name string
	// Specifier restricts versions, for example "==2.25.1".
	Specifier string
	Tag       dist.PlatformTag
}

// Index answers artifact queries. Safe for concurrent use.
type Index struct {
	opts Options

	scanOnce   sync.Once
	localFiles []localFile
	scanErr    error

	materialize singleflight.Group
}

var errNoCacheDir = errors.New("cache directory is not configured")

// New creates an Index.
func New(opts Options) *Index {
	return &Index{opts: opts}
}

// Find returns candidates ordered best first. installed is the distribution's
// installed metadata, or nil when unknown. An empty result is reported as
// dist.ErrNoCompatibleArtifact.
func (i *Index) Find(ctx context.Context, q Query, installed *dist.Metadata) ([]dist.Candidate, error) {
	ctx = logger.WithKV(logger.WithName(ctx, "index"), "package", dist.NormalizeName(q.Name))

	candidates, err := i.findLocal(ctx, q, installed)
	if err != nil {
		return nil, err
	}

	if !portable(candidates) && i.remoteEnabled() {
		remote, err := i.findRemote(ctx, q)

		switch {
		case err != nil && len(candidates) == 0:
			return nil, i.notFound(q, installed, err)
		case err != nil:
			logger.WarnKV(ctx, "remote index unavailable, keeping host builds", "error", err)
		default:
			candidates = append(candidates, remote...)
		}
	}

	if len(candidates) == 0 {
		return nil, i.notFound(q, installed, nil)
	}

	preferred := ""
	if installed != nil {
		preferred = installed.Version
	}

	sortCandidates(candidates, preferred)

	if candidates[0].Tier == dist.TierHost {
		logger.WarnKV(ctx, "no portable artifact found, using a host build", "artifact", candidates[0].String())
	}

	logger.DebugKV(ctx, "artifact candidates", "query", q.Specifier, "count", len(candidates), "best", candidates[0].String())

	return candidates, nil
}

// Best returns the first candidate of Find.
func (i *Index) Best(ctx context.Context, q Query, installed *dist.Metadata) (dist.Candidate, error) {
	candidates, err := i.Find(ctx, q, installed)
	if err != nil {
		return dist.Candidate{}, err
	}

	return candidates[0], nil
}

// portable reports whether any candidate is something other than a host build.
func portable(candidates []dist.Candidate) bool {
	for _, c := range candidates {
		if c.Tier < dist.TierHost || c.Tier == dist.TierSource {
			return true
		}
	}

	return false
}

func (i *Index) remoteEnabled() bool {
	return !i.opts.Offline && i.opts.Registry != nil && i.opts.Fetcher != nil
}

func (i *Index) notFound(q Query, installed *dist.Metadata, cause error) error {
	version := q.Specifier
	if installed != nil {
		version = installed.Version
	}

	return &dist.NoCompatibleArtifactError{
		Name:    dist.NormalizeName(q.Name),
		Version: version,
		Tag:     q.Tag,
		Cause:   cause,
	}
}

// accepts reports whether a version satisfies the query. Unparseable versions never match.
func (q Query) accepts(version string) bool {
	ok, err := dist.Satisfies(version, q.Specifier)

	return err == nil && ok
}

// sortCandidates orders by tier, then the preferred version, then newer versions,
// then tag preference, then file name.
func sortCandidates(candidates []dist.Candidate, preferred string) {
	sort.SliceStable(candidates, func(a, b int) bool {
		x, y := candidates[a], candidates[b]
		if x.Tier != y.Tier {
			return x.Tier < y.Tier
		}

		if preferred != "" {
			xp, yp := dist.EqualVersions(x.Version, preferred), dist.EqualVersions(y.Version, preferred)
			if xp != yp {
				return xp
			}
		}

		if order := dist.CompareVersions(x.Version, y.Version); order != 0 {
			return order > 0
		}

		if x.Score != y.Score {
			return x.Score < y.Score
		}

		if x.Remote != y.Remote {
			return !x.Remote
		}

		return x.Filename < y.Filename
	})
}

func (i *Index) cacheDir() (string, error) {
	if i.opts.CacheDir == "" {
		return "", errNoCacheDir
	}

	return i.opts.CacheDir, nil
}

func describe(c dist.Candidate) string {
	return fmt.Sprintf("%s==%s via %s", dist.NormalizeName(c.Name), c.Version, c.Filename)
}
