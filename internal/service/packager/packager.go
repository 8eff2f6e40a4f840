package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/pybundle/internal/archive"
	"github.com/oshokin/pybundle/internal/config"
	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/registry/fetch"
	"github.com/oshokin/pybundle/internal/registry/pypi"
	"github.com/oshokin/pybundle/internal/repository/cachelock"
	"github.com/oshokin/pybundle/internal/repository/catalog"
	"github.com/oshokin/pybundle/internal/repository/sitepackages"
	"github.com/oshokin/pybundle/internal/service/assembler"
	"github.com/oshokin/pybundle/internal/service/extractor"
	"github.com/oshokin/pybundle/internal/service/index"
	"github.com/oshokin/pybundle/internal/service/resolver"
	"github.com/oshokin/pybundle/internal/service/shim"
)

const (
	workspacePattern = "pybundle-*"
	buildDirName     = "build"
	archiveName      = "bundle.zip"
	cacheDirMode     = 0o755

	// virtualEnvVariable points at the active virtual environment.
	virtualEnvVariable = "VIRTUAL_ENV"
)

var errConfigRequired = errors.New("configuration is required")

// Options contains inputs for the packager entry point.
type Options struct {
	// Config is a validated configuration.
	Config *config.Config
	// Environment overrides site-packages discovery when set.
	Environment dist.Environment
}

// Result describes a published archive.
type Result struct {
	// Archive is the published archive path.
	Archive string
	// Checksum is the hex sha512 of the archive.
	Checksum string
	// TreeDigest is the hex sha512 over the build root listing.
	TreeDigest string
	// Handler is the entry point to configure on the hosting platform.
	Handler    string
	Resolution *dist.ResolutionSet
}

// packager holds the collaborators of one run.
type packager struct {
	cfg        *config.Config
	descriptor dist.Descriptor
	tag        dist.PlatformTag
	env        dist.Environment
	index      *index.Index
}

// Run executes the packaging workflow. On any failure nothing is published
// and the per-run workspace is removed.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	ctx = logger.WithName(ctx, "packager")

	if opts == nil || opts.Config == nil {
		return nil, errConfigRequired
	}

	p, err := newPackager(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("initialize packager: %w", err)
	}

	result, err := p.run(ctx)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Package published",
		"archive", result.Archive,
		"dependencies", result.Resolution.Len(),
		"handler", result.Handler,
		"sha512", result.Checksum)

	return result, nil
}

func newPackager(ctx context.Context, opts *Options) (*packager, error) {
	cfg := opts.Config

	descriptor, err := cfg.Descriptor()
	if err != nil {
		return nil, err
	}

	tag, err := descriptor.PlatformTag()
	if err != nil {
		return nil, err
	}

	env := opts.Environment
	if env == nil {
		if env, err = loadEnvironment(ctx, cfg.Environment.SitePackages); err != nil {
			return nil, err
		}
	}

	idx, err := newIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &packager{
		cfg:        cfg,
		descriptor: descriptor,
		tag:        tag,
		env:        env,
		index:      idx,
	}, nil
}

func (p *packager) run(ctx context.Context) (*Result, error) {
	logger.InfoKV(ctx, "Packaging", "package", p.descriptor.Name, "type", p.descriptor.Type, "target", p.tag)

	declared, err := p.declared(ctx)
	if err != nil {
		return nil, err
	}

	res := resolver.New(resolver.Options{
		Environment: p.env,
		Index:       p.index,
		Exclude:     append([]string{p.descriptor.Name}, p.cfg.Environment.Exclude...),
		Workers:     p.cfg.Index.Workers,
	})

	set, err := res.Resolve(ctx, declared, p.tag)
	if err != nil {
		return nil, err
	}

	workspace, err := os.MkdirTemp("", workspacePattern)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	defer func() {
		if removeErr := os.RemoveAll(workspace); removeErr != nil {
			logger.WarnKV(ctx, "Unable to remove workspace", "path", workspace, "error", removeErr)
		}
	}()

	archivePath, tree, err := p.build(ctx, workspace, set)
	if err != nil {
		return nil, err
	}

	digest, err := tree.Digest()
	if err != nil {
		return nil, err
	}

	checksum, err := publish(ctx, archivePath, p.descriptor.Output)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Archive:    p.descriptor.Output,
		Checksum:   checksum,
		TreeDigest: digest,
		Handler:    tree.Handler,
		Resolution: set,
	}

	if p.cfg.Output.Report != "" {
		if err = writeReport(p.cfg.Output.Report, newReport(p.descriptor, p.tag, result)); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// builtTree is an assembled tree together with its shim handler.
type builtTree struct {
	*assembler.Tree
	Handler string
}

// build extracts, assembles and archives into the workspace while holding the cache lock.
func (p *packager) build(ctx context.Context, workspace string, set *dist.ResolutionSet) (string, *builtTree, error) {
	if err := os.MkdirAll(p.cfg.Index.CacheDir, cacheDirMode); err != nil {
		return "", nil, fmt.Errorf("create cache directory: %w", err)
	}

	lock, err := cachelock.Acquire(ctx, p.cfg.Index.CacheDir, p.cfg.Index.LockTimeout)
	if err != nil {
		return "", nil, err
	}

	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.WarnKV(ctx, "Unable to release cache lock", "error", releaseErr)
		}
	}()

	staged, err := extractor.New(p.index, p.cfg.Index.Workers).ExtractAll(ctx, set)
	if err != nil {
		return "", nil, err
	}

	user, err := assembler.LoadUserPackage(p.descriptor, p.env)
	if err != nil {
		return "", nil, err
	}

	entry, err := shim.Generate(p.descriptor)
	if err != nil {
		return "", nil, err
	}

	tree, err := assembler.Assemble(ctx, filepath.Join(workspace, buildDirName), staged, user, entry)
	if err != nil {
		return "", nil, err
	}

	archivePath := filepath.Join(workspace, archiveName)
	if err = (archive.ZipArchiver{}).WriteFile(ctx, tree.Root, archivePath); err != nil {
		return "", nil, err
	}

	return archivePath, &builtTree{Tree: tree, Handler: entry.Handler}, nil
}

// declared returns configured requirements, or the user package's own when none are configured.
func (p *packager) declared(ctx context.Context) ([]dist.Requirement, error) {
	reqs, err := p.cfg.Declared()
	if err != nil {
		return nil, err
	}

	if len(reqs) > 0 {
		return reqs, nil
	}

	m, ok := p.env.Lookup(p.descriptor.Name)
	if !ok {
		logger.WarnKV(ctx, "No dependencies declared and the package is not installed", "package", p.descriptor.Name)
		return nil, nil
	}

	logger.DebugKV(ctx, "Using the installed package requirements", "package", m.Name, "requires", len(m.Requires))

	return m.Requires, nil
}

// loadEnvironment scans the configured site-packages, or those of the active virtual environment.
func loadEnvironment(ctx context.Context, dirs []string) (dist.Environment, error) {
	if len(dirs) == 0 {
		discovered, err := sitepackages.Discover(os.Getenv(virtualEnvVariable))
		if err != nil {
			return nil, fmt.Errorf("locate site-packages (set environment.site_packages or activate a virtual environment): %w", err)
		}

		dirs = discovered
	}

	return sitepackages.Scan(ctx, dirs...)
}

// newIndex wires the catalog, caches and, unless offline, the remote registry.
func newIndex(ctx context.Context, cfg *config.Config) (*index.Index, error) {
	opts := index.Options{
		CacheDir:  cfg.Index.CacheDir,
		WheelDirs: cfg.Index.WheelDirs,
		Offline:   cfg.Index.Offline,
	}

	if cfg.Index.Bundles != "" {
		bundles, err := catalog.NewFileRepository(cfg.Index.Bundles).Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load bundle catalog: %w", err)
		}

		opts.Catalog = bundles
	}

	if !cfg.Index.Offline {
		fetcher := fetch.NewBreaker(fetch.NewFetcher(
			fetch.WithTimeout(cfg.Index.Timeout),
			fetch.WithMaxRetries(cfg.Index.Retries),
		))

		registry, err := pypi.New(cfg.Index.URL, fetcher)
		if err != nil {
			return nil, err
		}

		opts.Registry = registry
		opts.Fetcher = fetcher
	}

	return index.New(opts), nil
}
