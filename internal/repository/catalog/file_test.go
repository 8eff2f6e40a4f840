package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/pybundle/internal/domain/dist"
)

// TestFileRepository_NotFound verifies Load returns ErrNotFound for a missing file.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()
	repo := NewFileRepository(filepath.Join(t.TempDir(), "missing.yaml"))
	c, err := repo.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, c)
}

// TestFileRepository_SaveLoad ensures saved bundles load back with absolute paths.
func TestFileRepository_SaveLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "bundles.yaml")
	repo := NewFileRepository(file)

	want := &Catalog{Bundles: []Bundle{
		{Name: "numpy", Version: "1.21.0", Runtime: "python3.9", Arch: "x86_64", Path: "numpy-1.21.0.tar.gz", TopLevel: []string{"numpy"}},
		{Name: "lxml", Version: "4.6.3", Runtime: "python3.9", Arch: "x86_64", Path: "/srv/lxml.tar.gz"},
	}}

	require.NoError(t, repo.Save(context.Background(), want))

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Bundles, 2)
	require.Equal(t, "lxml", got.Bundles[0].Name)
	require.Equal(t, "/srv/lxml.tar.gz", got.Bundles[0].Path)
	require.Equal(t, filepath.Join(dir, "numpy-1.21.0.tar.gz"), got.Bundles[1].Path)
	require.Equal(t, []string{"numpy"}, got.Bundles[1].TopLevel)

	_, err = os.Stat(file)
	require.NoError(t, err)
}

// TestCatalogFind matches the exact target only.
func TestCatalogFind(t *testing.T) {
	t.Parallel()

	c := &Catalog{Bundles: []Bundle{
		{Name: "NumPy", Version: "1.21.0", Runtime: "python3.9", Arch: "x86_64"},
		{Name: "numpy", Version: "1.21.0", Runtime: "python3.8", Arch: "x86_64"},
		{Name: "numpy", Version: "1.21.0", Runtime: "3.9", Arch: "arm64"},
		{Name: "numpy", Version: "1.20.0", Runtime: "python3.9", Arch: "x86_64"},
	}}

	tag, err := dist.ParsePlatformTag("python3.9", "x86_64")
	require.NoError(t, err)

	found := c.Find("numpy", tag)
	require.Len(t, found, 2)
	require.Equal(t, "NumPy", found[0].Name)
	require.Equal(t, "1.20.0", found[1].Version)

	arm, err := dist.ParsePlatformTag("3.9", "aarch64")
	require.NoError(t, err)
	require.Len(t, c.Find("numpy", arm), 1)
}
