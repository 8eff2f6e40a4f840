package dist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestResolutionSet_AddRejectsDuplicates ensures one entry per normalized name under concurrent inserts.
func TestResolutionSet_AddRejectsDuplicates(t *testing.T) {
	t.Parallel()

	set := NewResolutionSet()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)

	for _, name := range []string{"Typing_Extensions", "typing-extensions", "typing.extensions"} {
		wg.Add(1)

		go func(n string) {
			defer wg.Done()

			if err := set.Add(&Entry{Name: n}); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(name)
	}

	wg.Wait()

	require.Equal(t, 1, set.Len())
	require.Equal(t, 2, failures)
}

// TestResolutionSet_EntriesOrder returns entries in discovery order.
func TestResolutionSet_EntriesOrder(t *testing.T) {
	t.Parallel()

	set := NewResolutionSet()
	require.NoError(t, set.Add(&Entry{Name: "urllib3", Order: 1}))
	require.NoError(t, set.Add(&Entry{Name: "requests", Order: 0}))

	entries := set.Entries()
	require.Equal(t, "requests", entries[0].Name)
	require.Equal(t, "urllib3", entries[1].Name)
	require.Equal(t, []string{"requests", "urllib3"}, set.Names())
}

// TestCandidatePURL renders the package URL with the file name qualifier.
func TestCandidatePURL(t *testing.T) {
	t.Parallel()

	c := &Candidate{Name: "Cffi", Version: "1.15.0", Filename: "cffi-1.15.0-cp39-cp39-manylinux_2_12_x86_64.whl"}
	require.Contains(t, c.PURL(), "pkg:pypi/cffi@1.15.0")
	require.Contains(t, c.PURL(), "file_name=")
}

// TestParseAppType maps historical names onto the enumeration.
func TestParseAppType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]AppType{"": AppPlain, "flask": AppWebAdapter, "web-adapter": AppWebAdapter, "flask-eb": AppPlatformVariant} {
		got, err := ParseAppType(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseAppType("django")
	require.ErrorIs(t, err, ErrUnknownAppType)
	require.False(t, AppPlatformVariant.ProvidesAWSSDK())
}
