package sitepackages

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oshokin/pybundle/internal/domain/dist"
)

const (
	metadataFile       = "METADATA"
	pkgInfoFile        = "PKG-INFO"
	recordFile         = "RECORD"
	wheelFile          = "WHEEL"
	topLevelFile       = "top_level.txt"
	requiresFile       = "requires.txt"
	installedFilesFile = "installed-files.txt"
	sourcesFile        = "SOURCES.txt"
)

var errNoName = errors.New("metadata has no Name field")

// header holds the fields of a METADATA or PKG-INFO file the resolver needs.
type header struct {
	name     string
	version  string
	requires []string
}

// readHeader parses the RFC 822 style core metadata file.
func readHeader(file string) (*header, error) {
	contents, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, err
	}

	msg, err := mail.ReadMessage(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}

	h := &header{
		name:     strings.TrimSpace(msg.Header.Get("Name")),
		version:  strings.TrimSpace(msg.Header.Get("Version")),
		requires: msg.Header["Requires-Dist"],
	}

	if h.name == "" {
		return nil, fmt.Errorf("%s: %w", file, errNoName)
	}

	return h, nil
}

// readLines returns the non-empty trimmed lines of a text file, or nil when the file is absent.
func readLines(file string) ([]string, error) {
	f, err := os.Open(filepath.Clean(file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer f.Close()

	lines := []string{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}

	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	return lines, nil
}

// readRecord returns the slash-separated paths listed in a wheel RECORD file.
func readRecord(file string) ([]string, error) {
	f, err := os.Open(filepath.Clean(file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var files []string

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}

		if len(row) == 0 || row[0] == "" {
			continue
		}

		if p, ok := cleanRelative(row[0]); ok {
			files = append(files, p)
		}
	}

	return files, nil
}

// readWheelTags returns the Tag lines of a WHEEL file.
func readWheelTags(file string) ([]dist.Tag, error) {
	lines, err := readLines(file)
	if err != nil {
		return nil, err
	}

	var tags []dist.Tag

	for _, line := range lines {
		value, ok := strings.CutPrefix(line, "Tag:")
		if !ok {
			continue
		}

		parsed, err := dist.ParseTags(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}

		tags = append(tags, parsed...)
	}

	return tags, nil
}

// parseRequiresTxt converts setuptools requires.txt sections into requirements.
// A "[extra:marker]" header applies both the extra and the marker to the lines below it.
func parseRequiresTxt(lines []string) ([]dist.Requirement, error) {
	var (
		requirements []dist.Requirement
		sectionExtra string
		sectionMark  string
	)

	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			sectionExtra, sectionMark, _ = strings.Cut(section, ":")
			sectionExtra = strings.TrimSpace(sectionExtra)
			sectionMark = strings.TrimSpace(sectionMark)

			continue
		}

		req, err := dist.ParseRequirement(line)
		if err != nil {
			return nil, err
		}

		req.Marker = joinMarkers(req.Marker, sectionMark, sectionExtra)
		requirements = append(requirements, req)
	}

	return requirements, nil
}

func joinMarkers(own, section, extra string) string {
	var parts []string

	for _, m := range []string{own, section} {
		if m != "" {
			parts = append(parts, "("+m+")")
		}
	}

	if extra != "" {
		parts = append(parts, fmt.Sprintf("extra == %q", extra))
	}

	return strings.Join(parts, " and ")
}

// cleanRelative normalizes a manifest path and rejects paths leaving the base directory.
func cleanRelative(p string) (string, bool) {
	cleaned := path.Clean(filepath.ToSlash(p))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", false
	}

	return cleaned, true
}
