// Package sitepackagestest writes synthetic site-packages trees for tests.
package sitepackagestest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Dist describes one installed distribution in wheel (dist-info) layout.
type Dist struct {
	Name     string
	Version  string
	Requires []string
	// TopLevel is written to top_level.txt; nil omits the file.
	TopLevel []string
	// Files maps paths relative to site-packages to contents; they are listed in RECORD.
	Files map[string]string
	// Tags are written as WHEEL Tag lines.
	Tags []string
	// NoRecord omits the RECORD file.
	NoRecord bool
}

// Write creates the distribution under dir and returns the dist-info path.
func Write(t testing.TB, dir string, d Dist) string {
	t.Helper()

	base := strings.NewReplacer("-", "_", ".", "_").Replace(d.Name)
	metaDir := filepath.Join(dir, fmt.Sprintf("%s-%s.dist-info", base, d.Version))
	require.NoError(t, os.MkdirAll(metaDir, 0o755))

	var metadata strings.Builder

	fmt.Fprintf(&metadata, "Metadata-Version: 2.1\nName: %s\nVersion: %s\n", d.Name, d.Version)

	for _, r := range d.Requires {
		fmt.Fprintf(&metadata, "Requires-Dist: %s\n", r)
	}

	metadata.WriteString("\nLong description.\n")
	writeFile(t, filepath.Join(metaDir, "METADATA"), metadata.String())

	if d.TopLevel != nil {
		writeFile(t, filepath.Join(metaDir, "top_level.txt"), strings.Join(d.TopLevel, "\n")+"\n")
	}

	if len(d.Tags) > 0 {
		var wheel strings.Builder

		wheel.WriteString("Wheel-Version: 1.0\nRoot-Is-Purelib: true\n")

		for _, tag := range d.Tags {
			fmt.Fprintf(&wheel, "Tag: %s\n", tag)
		}

		writeFile(t, filepath.Join(metaDir, "WHEEL"), wheel.String())
	}

	paths := make([]string, 0, len(d.Files))
	for p, contents := range d.Files {
		writeFile(t, filepath.Join(dir, filepath.FromSlash(p)), contents)
		paths = append(paths, p)
	}

	slices.Sort(paths)

	if !d.NoRecord {
		var record strings.Builder
		for _, p := range paths {
			fmt.Fprintf(&record, "%s,,\n", p)
		}

		fmt.Fprintf(&record, "%s/RECORD,,\n", filepath.Base(metaDir))
		writeFile(t, filepath.Join(metaDir, "RECORD"), record.String())
	}

	return metaDir
}

func writeFile(t testing.TB, p, contents string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
}
