package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, contents := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	}
}

// TestZipArchiver_Deterministic produces identical bytes for identical trees and sorted members.
func TestZipArchiver_Deterministic(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"index.py":            "handler = None\n",
		"requests/__init__.py": "",
		"urllib3/util/url.py":  "x = 1\n",
	}

	first, second := t.TempDir(), t.TempDir()
	writeTree(t, first, files)
	writeTree(t, second, files)
	require.NoError(t, os.Chtimes(filepath.Join(second, "index.py"), Epoch.AddDate(30, 0, 0), Epoch.AddDate(30, 0, 0)))

	var a, b bytes.Buffer

	require.NoError(t, ZipArchiver{}.Write(context.Background(), first, &a))
	require.NoError(t, ZipArchiver{}.Write(context.Background(), second, &b))
	require.Equal(t, a.Bytes(), b.Bytes())

	reader, err := zip.NewReader(bytes.NewReader(a.Bytes()), int64(a.Len()))
	require.NoError(t, err)

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
		require.Equal(t, EntryMode, f.Mode().Perm())
		require.True(t, f.Modified.Equal(Epoch))
	}

	require.Equal(t, []string{"index.py", "requests/__init__.py", "urllib3/util/url.py"}, names)
}

// TestUnzipRoundTrip extracts what WriteFile archived.
func TestUnzipRoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{"pkg/mod.py": "print(1)\n"})

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, ZipArchiver{}.WriteFile(context.Background(), src, zipPath))

	names, err := ListZip(zipPath)
	require.NoError(t, err)
	require.Equal(t, []string{"pkg/mod.py"}, names)

	dest := t.TempDir()
	require.NoError(t, Unzip(zipPath, dest))

	contents, err := os.ReadFile(filepath.Join(dest, "pkg", "mod.py"))
	require.NoError(t, err)
	require.Equal(t, "print(1)\n", string(contents))
}

func writeTarball(t *testing.T, path string, members map[string]string) {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, contents := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(contents)),
			Typeflag: tar.TypeReg,
		}))

		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// TestUntar extracts regular members and lists them.
func TestUntar(t *testing.T) {
	t.Parallel()

	tarball := filepath.Join(t.TempDir(), "numpy.tar.gz")
	writeTarball(t, tarball, map[string]string{"numpy/__init__.py": "", "numpy/core.so": "ELF"})

	names, err := ListTar(tarball)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"numpy/__init__.py", "numpy/core.so"}, names)

	dest := t.TempDir()
	require.NoError(t, Untar(tarball, dest))
	require.FileExists(t, filepath.Join(dest, "numpy", "core.so"))
}

// TestUntar_RejectsTraversal refuses members escaping the destination.
func TestUntar_RejectsTraversal(t *testing.T) {
	t.Parallel()

	tarball := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeTarball(t, tarball, map[string]string{"../escape.py": "boom"})

	dest := t.TempDir()
	err := Untar(tarball, dest)
	require.ErrorIs(t, err, ErrUnsafePath)
	require.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.py"))
}
