package packager

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/pybundle/internal/domain/dist"
)

const reportFileMode = 0o644

// Report is the YAML resolution report written next to the archive on request.
type Report struct {
	Package      string        `yaml:"package"`
	Type         string        `yaml:"type"`
	Runtime      string        `yaml:"runtime"`
	Arch         string        `yaml:"arch"`
	Handler      string        `yaml:"handler"`
	Archive      string        `yaml:"archive"`
	SHA512       string        `yaml:"sha512"`
	TreeDigest   string        `yaml:"tree_digest"`
	Dependencies []ReportEntry `yaml:"dependencies"`
}

// ReportEntry describes one resolved distribution.
type ReportEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// PURL identifies the packaged artifact, or the release for pure distributions.
	PURL       string   `yaml:"purl"`
	Pure       bool     `yaml:"pure"`
	Kind       string   `yaml:"kind,omitempty"`
	Tier       string   `yaml:"tier,omitempty"`
	Source     string   `yaml:"source,omitempty"`
	RequiredBy []string `yaml:"required_by,omitempty"`
}

func newReport(d dist.Descriptor, tag dist.PlatformTag, result *Result) *Report {
	report := &Report{
		Package:    d.Name,
		Type:       string(d.Type),
		Runtime:    tag.RuntimeName(),
		Arch:       tag.Arch,
		Handler:    result.Handler,
		Archive:    result.Archive,
		SHA512:     result.Checksum,
		TreeDigest: result.TreeDigest,
	}

	for _, e := range result.Resolution.Entries() {
		entry := ReportEntry{
			Name:       e.Name,
			Version:    e.Version,
			Pure:       e.Pure,
			RequiredBy: e.RequiredBy,
		}

		if e.Artifact != nil {
			entry.PURL = e.Artifact.PURL()
			entry.Kind = string(e.Artifact.Kind)
			entry.Tier = e.Artifact.Tier.String()
			entry.Source = e.Artifact.Location
		} else {
			release := dist.Candidate{Name: e.Name, Version: e.Version}
			entry.PURL = release.PURL()
		}

		report.Dependencies = append(report.Dependencies, entry)
	}

	return report
}

func writeReport(path string, report *Report) error {
	contents, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), outputDirMode); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), contents, reportFileMode); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return nil
}
