package packager

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/pybundle/internal/archive"
	"github.com/oshokin/pybundle/internal/config"
	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/repository/sitepackages"
	"github.com/oshokin/pybundle/internal/repository/sitepackages/sitepackagestest"
)

const speedups = "markupsafe/_speedups.cpython-39-x86_64-linux-gnu.so"

// writeSite builds a site-packages tree with requests and its dependencies.
func writeSite(t *testing.T) string {
	t.Helper()

	site := t.TempDir()

	for _, d := range []sitepackagestest.Dist{
		{
			Name:    "requests",
			Version: "2.25.1",
			Requires: []string{
				"urllib3 (<1.27,>=1.21.1)",
				"idna (<3,>=2.5)",
				`PySocks (!=1.5.7,>=1.5.6); extra == "socks"`,
			},
			TopLevel: []string{"requests"},
			Files:    map[string]string{"requests/__init__.py": "# requests\n", "requests/tests/test_x.py": ""},
		},
		{
			Name:     "urllib3",
			Version:  "1.26.5",
			TopLevel: []string{"urllib3"},
			Files:    map[string]string{"urllib3/__init__.py": "# urllib3\n", "urllib3/__pycache__/x.cpython-39.pyc": ""},
		},
		{
			Name:     "idna",
			Version:  "2.10",
			TopLevel: []string{"idna"},
			Files:    map[string]string{"idna/__init__.py": "# idna\n"},
		},
		{
			Name:     "MarkupSafe",
			Version:  "2.0.1",
			TopLevel: []string{"markupsafe"},
			Tags:     []string{"cp39-cp39-manylinux2014_x86_64"},
			Files:    map[string]string{"markupsafe/__init__.py": "# markupsafe\n", speedups: "ELF"},
		},
		{
			Name:     "boto3",
			Version:  "1.17.0",
			TopLevel: []string{"boto3"},
			Files:    map[string]string{"boto3/__init__.py": ""},
		},
	} {
		sitepackagestest.Write(t, site, d)
	}

	return site
}

func testConfig(t *testing.T, site string, dependencies ...string) *config.Config {
	t.Helper()

	src := filepath.Join(t.TempDir(), "myapp")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "__init__.py"), []byte("app = None\n"), 0o644))

	out := t.TempDir()

	cfg := &config.Config{
		Package: config.PackageConfig{
			Name:    "myapp",
			Type:    "web-adapter",
			Entry:   "from myapp import app",
			Source:  src,
			Runtime: "python3.9",
		},
		Dependencies: dependencies,
		Output: config.OutputConfig{
			Path:   filepath.Join(out, "dist", "myapp.zip"),
			Report: filepath.Join(out, "report.yaml"),
		},
		Environment: config.EnvironmentConfig{SitePackages: []string{site}},
		Index: config.IndexConfig{
			Offline:     true,
			CacheDir:    t.TempDir(),
			Workers:     2,
			Timeout:     time.Second,
			LockTimeout: time.Second,
		},
	}
	require.NoError(t, config.Validate(cfg))

	return cfg
}

// TestRunPackagesDependencies checks the archive layout, checksum and report of a full run.
func TestRunPackagesDependencies(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeSite(t), "requests", "markupsafe", "boto3")

	result, err := Run(context.Background(), &Options{Config: cfg})
	require.NoError(t, err)
	require.Equal(t, cfg.Output.Path, result.Archive)
	require.Equal(t, "index.handler", result.Handler)
	require.Equal(t, []string{"idna", "markupsafe", "requests", "urllib3"}, result.Resolution.Names())

	members, err := archive.ListZip(result.Archive)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"idna/__init__.py",
		"index.py",
		"markupsafe/__init__.py",
		speedups,
		"myapp/__init__.py",
		"requests/__init__.py",
		"urllib3/__init__.py",
	}, members)

	data, err := os.ReadFile(result.Archive)
	require.NoError(t, err)

	sum := sha512.Sum512(data)
	require.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)

	markupsafe, ok := result.Resolution.Get("markupsafe")
	require.True(t, ok)
	require.False(t, markupsafe.Pure)
	require.Equal(t, dist.KindInstalled, markupsafe.Artifact.Kind)

	contents, err := os.ReadFile(cfg.Output.Report)
	require.NoError(t, err)

	var report Report
	require.NoError(t, yaml.Unmarshal(contents, &report))
	require.Equal(t, result.Checksum, report.SHA512)
	require.Equal(t, "python3.9", report.Runtime)
	require.Len(t, report.Dependencies, 4)
	require.Equal(t, "pkg:pypi/requests@2.25.1", report.Dependencies[0].PURL)
}

// TestRunIsDeterministic checks that repeated runs publish byte-identical archives over the previous one.
func TestRunIsDeterministic(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeSite(t), "requests")

	first, err := Run(context.Background(), &Options{Config: cfg})
	require.NoError(t, err)

	second, err := Run(context.Background(), &Options{Config: cfg})
	require.NoError(t, err)
	require.Equal(t, first.Checksum, second.Checksum)
	require.Equal(t, first.TreeDigest, second.TreeDigest)

	entries, err := os.ReadDir(filepath.Dir(cfg.Output.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestRunUsesInstalledRequirements checks that the user package's own requirements are used when none are declared.
func TestRunUsesInstalledRequirements(t *testing.T) {
	t.Parallel()

	site := writeSite(t)
	sitepackagestest.Write(t, site, sitepackagestest.Dist{
		Name:     "myapp",
		Version:  "0.1.0",
		Requires: []string{"idna"},
		TopLevel: []string{"myapp"},
		Files:    map[string]string{"myapp/__init__.py": "app = None\n"},
	})

	cfg := testConfig(t, site)
	cfg.Package.Source = ""

	env, err := sitepackages.Scan(context.Background(), site)
	require.NoError(t, err)

	result, err := Run(context.Background(), &Options{Config: cfg, Environment: env})
	require.NoError(t, err)
	require.Equal(t, []string{"idna"}, result.Resolution.Names())

	members, err := archive.ListZip(result.Archive)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"idna/__init__.py", "index.py", "myapp/__init__.py"}, members)
}

// TestRunFailureLeavesNoOutput checks that a failed resolution publishes nothing.
func TestRunFailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeSite(t), "requests", "flask")

	_, err := Run(context.Background(), &Options{Config: cfg})

	var unresolved *dist.UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, "flask", unresolved.Name)

	_, err = os.Stat(cfg.Output.Path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRunCollision checks that two dependencies writing different content to one path fail the run.
func TestRunCollision(t *testing.T) {
	t.Parallel()

	site := writeSite(t)
	legacy := t.TempDir()
	sitepackagestest.Write(t, legacy, sitepackagestest.Dist{
		Name:     "legacy-idna",
		Version:  "1.0",
		TopLevel: []string{"idna"},
		Files:    map[string]string{"idna/__init__.py": "# legacy\n"},
	})

	cfg := testConfig(t, site, "idna", "legacy-idna")
	cfg.Environment.SitePackages = []string{site, legacy}

	_, err := Run(context.Background(), &Options{Config: cfg})

	var collision *dist.CollisionError
	require.ErrorAs(t, err, &collision)
	require.Equal(t, "idna/__init__.py", collision.Path)

	_, err = os.Stat(cfg.Output.Path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRunRequiresConfig checks the nil guard.
func TestRunRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), &Options{})
	require.ErrorIs(t, err, errConfigRequired)
}
