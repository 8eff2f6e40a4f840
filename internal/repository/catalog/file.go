package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/pybundle/internal/domain/dist"
)

// Bundle is one pre-built tarball entry.
type Bundle struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Runtime is the interpreter identifier the bundle was built for, "python3.9" or "3.9".
	Runtime string `yaml:"runtime"`
	Arch    string `yaml:"arch"`
	// Path points at the .tar.gz file; relative paths are resolved against the catalog file.
	Path string `yaml:"path"`
	// SHA256 is the optional hex digest of the tarball.
	SHA256 string `yaml:"sha256,omitempty"`
	// TopLevel lists the importable names the tarball contains.
	TopLevel []string `yaml:"top_level,omitempty"`
}

// Catalog is the parsed catalog document.
type Catalog struct {
	Bundles []Bundle `yaml:"bundles"`
}

// Repository defines the read and write operations on a bundle catalog.
type Repository interface {
	Load(ctx context.Context) (*Catalog, error)
	Save(ctx context.Context, catalog *Catalog) error
}

// FileRepository persists the catalog as YAML on disk.
type FileRepository struct {
	// path is the filesystem location of the catalog file.
	path string
	// mu serializes access to the catalog file.
	mu sync.Mutex
}

// ErrNotFound is returned when the catalog file does not exist.
var ErrNotFound = errors.New("bundle catalog not found")

const filePermissions = 0o644

// NewFileRepository creates a repository reading and writing YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the catalog and makes every bundle path absolute.
func (r *FileRepository) Load(_ context.Context) (*Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read bundle catalog: %w", err)
	}

	var catalog Catalog
	if err = yaml.Unmarshal(contents, &catalog); err != nil {
		return nil, fmt.Errorf("decode bundle catalog: %w", err)
	}

	base := filepath.Dir(r.path)
	for i := range catalog.Bundles {
		if p := catalog.Bundles[i].Path; p != "" && !filepath.IsAbs(p) {
			catalog.Bundles[i].Path = filepath.Join(base, filepath.FromSlash(p))
		}
	}

	return &catalog, nil
}

// Save writes the catalog with bundles sorted by name and version.
func (r *FileRepository) Save(_ context.Context, catalog *Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := &Catalog{Bundles: append([]Bundle(nil), catalog.Bundles...)}
	sort.SliceStable(sorted.Bundles, func(i, j int) bool {
		a, b := sorted.Bundles[i], sorted.Bundles[j]
		if a.Name != b.Name {
			return dist.NormalizeName(a.Name) < dist.NormalizeName(b.Name)
		}

		return a.Version < b.Version
	})

	data, err := yaml.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("encode bundle catalog: %w", err)
	}

	if err = os.WriteFile(r.path, data, filePermissions); err != nil {
		return fmt.Errorf("write bundle catalog: %w", err)
	}

	return nil
}

// Find returns the bundles of a distribution built for exactly the target runtime and architecture.
func (c *Catalog) Find(name string, tag dist.PlatformTag) []Bundle {
	if c == nil {
		return nil
	}

	key := dist.NormalizeName(name)

	var found []Bundle

	for _, b := range c.Bundles {
		if dist.NormalizeName(b.Name) != key {
			continue
		}

		target, err := dist.ParsePlatformTag(b.Runtime, b.Arch)
		if err != nil || target.Runtime != tag.Runtime || target.Arch != tag.Arch {
			continue
		}

		found = append(found, b)
	}

	return found
}
