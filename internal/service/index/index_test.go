package index

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/registry/fetch"
	"github.com/oshokin/pybundle/internal/registry/pypi"
	"github.com/oshokin/pybundle/internal/repository/catalog"
	"github.com/oshokin/pybundle/internal/service/extractor"
)

func target(t *testing.T) dist.PlatformTag {
	t.Helper()

	tag, err := dist.ParsePlatformTag("python3.9", "x86_64")
	require.NoError(t, err)

	return tag
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(contents)), Typeflag: tar.TypeReg}))

		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

func wheelFiles(name, version string, files map[string]string) map[string]string {
	info := fmt.Sprintf("%s-%s.dist-info", name, version)
	out := map[string]string{
		info + "/METADATA":      fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\n", name, version),
		info + "/WHEEL":         "Wheel-Version: 1.0\nTag: cp39-cp39-manylinux2014_x86_64\n",
		info + "/top_level.txt": name + "\n",
	}

	record := ""
	for p, contents := range files {
		out[p] = contents
		record += p + ",,\n"
	}

	out[info+"/RECORD"] = record

	return out
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// TestFind_InstalledCopyMatchesTarget offers the installed copy when its wheel tags fit.
func TestFind_InstalledCopyMatchesTarget(t *testing.T) {
	t.Parallel()

	installed := &dist.Metadata{
		Name:        "PyYAML",
		Version:     "5.4.1",
		Location:    "/site",
		MetadataDir: "/site/PyYAML-5.4.1.dist-info",
		Tags:        []dist.Tag{{Interpreter: "cp39", ABI: "cp39", Platform: "manylinux1_x86_64"}},
	}

	idx := New(Options{Offline: true})

	candidates, err := idx.Find(context.Background(), Query{Name: "pyyaml", Specifier: "==5.4.1", Tag: target(t)}, installed)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, dist.KindInstalled, candidates[0].Kind)
	require.Equal(t, dist.TierExact, candidates[0].Tier)
	require.Equal(t, "PyYAML-5.4.1.dist-info", candidates[0].Filename)

	installed.Tags = []dist.Tag{{Interpreter: "cp39", ABI: "cp39", Platform: "macosx_10_9_x86_64"}}

	_, err = idx.Find(context.Background(), Query{Name: "pyyaml", Specifier: "==5.4.1", Tag: target(t)}, installed)
	require.ErrorIs(t, err, dist.ErrNoCompatibleArtifact)

	var nca *dist.NoCompatibleArtifactError
	require.ErrorAs(t, err, &nca)
	require.Equal(t, "5.4.1", nca.Version)
}

// TestFind_OrdersLocalWheelsByTier prefers the exact platform wheel over the generic one.
func TestFind_OrdersLocalWheelsByTier(t *testing.T) {
	t.Parallel()

	wheels := t.TempDir()
	nested := filepath.Join(wheels, "ab", "cd")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	for _, name := range []string{
		"simplejson-3.17.2-py3-none-any.whl",
		"simplejson-3.17.2-cp39-cp39-manylinux2014_x86_64.whl",
		"simplejson-3.17.2-cp39-cp39-macosx_10_9_x86_64.whl",
		"simplejson-3.17.0-cp39-cp39-manylinux2014_x86_64.whl",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(nested, name), []byte("x"), 0o644))
	}

	idx := New(Options{WheelDirs: []string{wheels, filepath.Join(wheels, "missing")}, Offline: true})

	candidates, err := idx.Find(context.Background(), Query{Name: "SimpleJSON", Specifier: "==3.17.2", Tag: target(t)}, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "simplejson-3.17.2-cp39-cp39-manylinux2014_x86_64.whl", candidates[0].Filename)
	require.Equal(t, dist.TierExact, candidates[0].Tier)
	require.Equal(t, dist.TierAnyPlatform, candidates[1].Tier)
}

// TestFind_CatalogBundle returns bundles for the exact target and materializes their member list.
func TestFind_CatalogBundle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tarball := filepath.Join(dir, "numpy-1.21.0.tar.gz")
	require.NoError(t, os.WriteFile(tarball, tarGzBytes(t, map[string]string{
		"numpy/__init__.py":                         "",
		"numpy/core/_multiarray.cpython-39-x86_64.so": "ELF",
	}), 0o644))

	idx := New(Options{
		Catalog:  &catalog.Catalog{Bundles: []catalog.Bundle{{Name: "numpy", Version: "1.21.0", Runtime: "python3.9", Arch: "x86_64", Path: tarball}}},
		CacheDir: t.TempDir(),
		Offline:  true,
	})

	best, err := idx.Best(context.Background(), Query{Name: "numpy", Specifier: "==1.21.0", Tag: target(t)}, nil)
	require.NoError(t, err)
	require.Equal(t, dist.KindBundle, best.Kind)

	m, err := idx.Materialize(context.Background(), best)
	require.NoError(t, err)
	require.True(t, m.HasExtensions)
	require.Contains(t, m.Files, "numpy/__init__.py")
	require.FileExists(t, filepath.Join(m.Location, "numpy", "__init__.py"))
}

// TestFind_SourceDistributionPurity accepts pure sdists and rejects ones with C sources.
func TestFind_SourceDistributionPurity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "python-dateutil-2.8.1.tar.gz"), tarGzBytes(t, map[string]string{
		"python-dateutil-2.8.1/dateutil/__init__.py":                   "",
		"python-dateutil-2.8.1/python_dateutil.egg-info/PKG-INFO":      "Metadata-Version: 1.1\nName: python-dateutil\nVersion: 2.8.1\n",
		"python-dateutil-2.8.1/python_dateutil.egg-info/top_level.txt": "dateutil\n",
	}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ujson-4.0.2.tar.gz"), tarGzBytes(t, map[string]string{
		"ujson-4.0.2/python/ujson.c": "int main;",
	}), 0o644))

	idx := New(Options{WheelDirs: []string{dir}, CacheDir: t.TempDir(), Offline: true})

	best, err := idx.Best(context.Background(), Query{Name: "python_dateutil", Specifier: "==2.8.1", Tag: target(t)}, nil)
	require.NoError(t, err)
	require.Equal(t, dist.TierSource, best.Tier)

	m, err := idx.Materialize(context.Background(), best)
	require.NoError(t, err)
	require.Equal(t, []string{"dateutil"}, m.TopLevel)
	require.DirExists(t, filepath.Join(m.Location, "dateutil"))

	_, err = idx.Find(context.Background(), Query{Name: "ujson", Specifier: "==4.0.2", Tag: target(t)}, nil)
	require.ErrorIs(t, err, dist.ErrNoCompatibleArtifact)
}

func remoteIndex(t *testing.T, wheel []byte, digest string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	var server *httptest.Server

	mux.HandleFunc("/pypi/cffi/json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, `{"info":{"name":"cffi","version":"1.14.5"},"releases":{"1.14.5":[
			{"filename":"cffi-1.14.5-cp39-cp39-manylinux1_x86_64.whl","url":"%[1]s/files/cffi.whl","packagetype":"bdist_wheel","digests":{"sha256":"%[2]s"}},
			{"filename":"cffi-1.14.5-cp39-cp39-win_amd64.whl","url":"%[1]s/files/win.whl","packagetype":"bdist_wheel","digests":{"sha256":"00"}}
		]}}`, server.URL, digest)
	})
	mux.HandleFunc("/files/cffi.whl", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(wheel)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func remoteOptions(t *testing.T, server *httptest.Server) Options {
	t.Helper()

	fetcher := fetch.NewFetcher(fetch.WithBaseDelay(time.Millisecond))

	registry, err := pypi.New(server.URL, fetcher)
	require.NoError(t, err)

	return Options{CacheDir: t.TempDir(), Registry: registry, Fetcher: fetcher}
}

// TestFind_RemoteWheel downloads a remote wheel, verifies its digest and reads its metadata.
func TestFind_RemoteWheel(t *testing.T) {
	t.Parallel()

	wheel := zipBytes(t, wheelFiles("cffi", "1.14.5", map[string]string{
		"cffi/__init__.py": "",
		"_cffi_backend.cpython-39-x86_64-linux-gnu.so": "ELF",
	}))
	server := remoteIndex(t, wheel, sha256Hex(wheel))
	idx := New(remoteOptions(t, server))

	candidates, err := idx.Find(context.Background(), Query{Name: "cffi", Specifier: "==1.14.5", Tag: target(t)}, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.True(t, candidates[0].Remote)
	require.Equal(t, "pkg:pypi/cffi@1.14.5?file_name=cffi-1.14.5-cp39-cp39-manylinux1_x86_64.whl", candidates[0].PURL())

	m, err := idx.Materialize(context.Background(), candidates[0])
	require.NoError(t, err)
	require.Equal(t, "cffi", m.Key)
	require.True(t, m.HasExtensions)
	require.FileExists(t, filepath.Join(m.Location, "cffi", "__init__.py"))
}

// TestMaterialize_KeepsVendoredLibraries unpacks the auditwheel library directory with the package.
func TestMaterialize_KeepsVendoredLibraries(t *testing.T) {
	t.Parallel()

	wheel := zipBytes(t, wheelFiles("cffi", "1.14.5", map[string]string{
		"cffi/__init__.py": "",
		"_cffi_backend.cpython-39-x86_64-linux-gnu.so": "ELF",
		"cffi.libs/libffi-9c61262e.so.8.1.0":           "ELF",
	}))
	server := remoteIndex(t, wheel, sha256Hex(wheel))
	idx := New(remoteOptions(t, server))

	best, err := idx.Best(context.Background(), Query{Name: "cffi", Specifier: "==1.14.5", Tag: target(t)}, nil)
	require.NoError(t, err)

	m, err := idx.Materialize(context.Background(), best)
	require.NoError(t, err)
	require.Equal(t, []string{"cffi"}, m.TopLevel)
	require.Contains(t, m.Files, "cffi.libs/libffi-9c61262e.so.8.1.0")

	files, err := extractor.Files(m, "cffi")
	require.NoError(t, err)

	dests := make([]string, 0, len(files))
	for _, f := range files {
		dests = append(dests, f.Dest)
	}

	require.ElementsMatch(t, []string{
		"_cffi_backend.cpython-39-x86_64-linux-gnu.so",
		"cffi.libs/libffi-9c61262e.so.8.1.0",
		"cffi/__init__.py",
	}, dests)
}

// TestFind_HostBuildYieldsToRemoteWheel queries the index when only a bare linux build is installed.
func TestFind_HostBuildYieldsToRemoteWheel(t *testing.T) {
	t.Parallel()

	wheel := zipBytes(t, wheelFiles("cffi", "1.14.5", map[string]string{"cffi/__init__.py": ""}))
	server := remoteIndex(t, wheel, sha256Hex(wheel))

	installed := &dist.Metadata{
		Name:          "cffi",
		Version:       "1.14.5",
		Location:      "/site",
		MetadataDir:   "/site/cffi-1.14.5.dist-info",
		Tags:          []dist.Tag{{Interpreter: "cp39", ABI: "cp39", Platform: "linux_x86_64"}},
		HasExtensions: true,
	}
	query := Query{Name: "cffi", Specifier: "==1.14.5", Tag: target(t)}

	candidates, err := New(remoteOptions(t, server)).Find(context.Background(), query, installed)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.True(t, candidates[0].Remote)
	require.Equal(t, dist.TierExact, candidates[0].Tier)
	require.Equal(t, dist.KindInstalled, candidates[1].Kind)
	require.Equal(t, dist.TierHost, candidates[1].Tier)

	best, err := New(Options{Offline: true}).Best(context.Background(), query, installed)
	require.NoError(t, err)
	require.Equal(t, dist.KindInstalled, best.Kind)
	require.Equal(t, dist.TierHost, best.Tier)
}

// TestMaterialize_DigestMismatch rejects a download whose sha256 differs from the index.
func TestMaterialize_DigestMismatch(t *testing.T) {
	t.Parallel()

	wheel := zipBytes(t, wheelFiles("cffi", "1.14.5", map[string]string{"cffi/__init__.py": ""}))
	server := remoteIndex(t, wheel, sha256Hex([]byte("something else")))
	idx := New(remoteOptions(t, server))

	best, err := idx.Best(context.Background(), Query{Name: "cffi", Specifier: "==1.14.5", Tag: target(t)}, nil)
	require.NoError(t, err)

	_, err = idx.Materialize(context.Background(), best)
	require.ErrorIs(t, err, dist.ErrNoCompatibleArtifact)
	require.ErrorIs(t, err, errDigestMismatch)
}

// TestFind_RemoteNotFound escalates an unknown project to NoCompatibleArtifact.
func TestFind_RemoteNotFound(t *testing.T) {
	t.Parallel()

	server := remoteIndex(t, nil, "")
	idx := New(remoteOptions(t, server))

	_, err := idx.Find(context.Background(), Query{Name: "lxml", Specifier: "==4.6.3", Tag: target(t)}, nil)
	require.ErrorIs(t, err, dist.ErrNoCompatibleArtifact)
	require.ErrorIs(t, err, pypi.ErrNotFound)
}

// TestParseSdistName splits names containing hyphens at the last one.
func TestParseSdistName(t *testing.T) {
	t.Parallel()

	name, version, ok := parseSdistName("python-dateutil-2.8.1.tar.gz")
	require.True(t, ok)
	require.Equal(t, "python-dateutil", name)
	require.Equal(t, "2.8.1", version)

	_, _, ok = parseSdistName("README.md")
	require.False(t, ok)
}
