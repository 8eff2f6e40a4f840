package dist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParsePlatformTag accepts both runtime spellings and rejects unknown architectures.
func TestParsePlatformTag(t *testing.T) {
	t.Parallel()

	tag, err := ParsePlatformTag("python3.9", "")
	require.NoError(t, err)
	require.Equal(t, PlatformTag{Runtime: "3.9", OS: "linux", Arch: "x86_64", GlibcMinor: DefaultGlibcMinor}, tag)
	require.Equal(t, "python3.9", tag.RuntimeName())

	tag, err = ParsePlatformTag("3.11", "arm64")
	require.NoError(t, err)
	require.Equal(t, "aarch64", tag.Arch)

	_, err = ParsePlatformTag("ruby2.7", "")
	require.ErrorIs(t, err, ErrInvalidRuntime)

	_, err = ParsePlatformTag("3.9", "sparc")
	require.ErrorIs(t, err, ErrInvalidRuntime)
}

// TestParseWheelFilename expands compressed tag sets and optional build tags.
func TestParseWheelFilename(t *testing.T) {
	t.Parallel()

	wheel, err := ParseWheelFilename("urllib3-1.26.5-py2.py3-none-any.whl")
	require.NoError(t, err)
	require.Equal(t, "urllib3", wheel.Name)
	require.Equal(t, "1.26.5", wheel.Version)
	require.Len(t, wheel.Tags, 2)

	wheel, err = ParseWheelFilename("numpy-1.21.0-1-cp39-cp39-manylinux_2_12_x86_64.manylinux2010_x86_64.whl")
	require.NoError(t, err)
	require.Equal(t, "1", wheel.Build)
	require.Len(t, wheel.Tags, 2)

	_, err = ParseWheelFilename("numpy-1.21.0.tar.gz")
	require.ErrorIs(t, err, ErrInvalidWheelName)

	_, err = ParseWheelFilename("broken-1.0-any.whl")
	require.ErrorIs(t, err, ErrInvalidWheelName)
}

// TestPlatformTagMatch ranks tiers from exact manylinux builds down to bare linux host builds.
func TestPlatformTagMatch(t *testing.T) {
	t.Parallel()

	tag, err := ParsePlatformTag("python3.9", "x86_64")
	require.NoError(t, err)

	exact, err := ParseTags("cp39-cp39-manylinux2014_x86_64")
	require.NoError(t, err)

	ranked, ok := tag.Match(exact)
	require.True(t, ok)
	require.Equal(t, TierExact, ranked.Tier)

	abi3, err := ParseTags("cp36-abi3-manylinux_2_17_x86_64")
	require.NoError(t, err)

	ranked, ok = tag.Match(abi3)
	require.True(t, ok)
	require.Equal(t, TierCompatible, ranked.Tier)

	pure, err := ParseTags("py2.py3-none-any")
	require.NoError(t, err)

	ranked, ok = tag.Match(pure)
	require.True(t, ok)
	require.Equal(t, TierAnyPlatform, ranked.Tier)

	host, err := ParseTags("cp39-cp39-linux_x86_64")
	require.NoError(t, err)

	ranked, ok = tag.Match(host)
	require.True(t, ok)
	require.Equal(t, TierHost, ranked.Tier)
	require.Equal(t, "host", ranked.Tier.String())

	ranked, ok = tag.Match(append(host, exact...))
	require.True(t, ok)
	require.Equal(t, TierExact, ranked.Tier)

	for _, foreign := range []string{"cp39-cp39-win_amd64", "cp38-cp38-manylinux2014_x86_64", "cp39-cp39-manylinux2014_aarch64", "cp39-cp39-manylinux_2_28_x86_64"} {
		tags, err := ParseTags(foreign)
		require.NoError(t, err)

		_, ok = tag.Match(tags)
		require.False(t, ok, foreign)
	}
}

// TestIsExtensionFile recognises versioned shared objects.
func TestIsExtensionFile(t *testing.T) {
	t.Parallel()

	require.True(t, IsExtensionFile("_cffi_backend.cpython-39-x86_64-linux-gnu.so"))
	require.True(t, IsExtensionFile("numpy.libs/libopenblas.so.0"))
	require.True(t, IsExtensionFile("pkg/_speedups.pyd"))
	require.False(t, IsExtensionFile("requests/sessions.py"))
	require.False(t, IsExtensionFile("docs/soap.txt"))
}
