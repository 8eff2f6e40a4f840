// Package pypi reads release file listings from the PyPI JSON API.
package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/registry/fetch"
)

const (
	// DefaultURL is the public index.
	DefaultURL = "https://pypi.org"

	defaultCacheSize = 256
	maxDocumentSize  = 64 << 20

	// PackageTypeWheel marks wheel files in a release listing.
	PackageTypeWheel = "bdist_wheel"
	// PackageTypeSource marks source distributions in a release listing.
	PackageTypeSource = "sdist"
)

// ErrNotFound is returned when the index has no such project or release.
var ErrNotFound = errors.New("not found on package index")

// File is one downloadable file of a release.
type File struct {
	Filename    string            `json:"filename"`
	URL         string            `json:"url"`
	PackageType string            `json:"packagetype"`
	Digests     map[string]string `json:"digests"`
	Yanked      bool              `json:"yanked"`
	Size        int64             `json:"size"`
}

// SHA256 returns the sha256 hex digest published by the index.
func (f File) SHA256() string {
	return f.Digests["sha256"]
}

// Project is the subset of a project document needed to pick artifacts.
type Project struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Releases map[string][]File `json:"releases"`
}

// Client queries the JSON API through a fetcher and caches project documents.
type Client struct {
	baseURL string
	fetcher fetch.Interface
	cache   *lru.Cache[string, *Project]
}

// New creates a client; an empty baseURL selects DefaultURL.
func New(baseURL string, fetcher fetch.Interface) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}

	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid index URL: %w", err)
	}

	cache, err := lru.New[string, *Project](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create project cache: %w", err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		fetcher: fetcher,
		cache:   cache,
	}, nil
}

// Project returns the project document, from cache when already fetched in this run.
func (c *Client) Project(ctx context.Context, name string) (*Project, error) {
	key := dist.NormalizeName(name)
	if project, ok := c.cache.Get(key); ok {
		return project, nil
	}

	artifact, err := c.fetcher.Fetch(ctx, fmt.Sprintf("%s/pypi/%s/json", c.baseURL, url.PathEscape(key)))
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("fetch project %s: %w", key, err)
	}
	defer artifact.Body.Close()

	var project Project

	decoder := json.NewDecoder(io.LimitReader(artifact.Body, maxDocumentSize))
	if err = decoder.Decode(&project); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", key, err)
	}

	c.cache.Add(key, &project)

	return &project, nil
}

// Matching returns the non-yanked files of every release whose version accept admits.
func (p *Project) Matching(accept func(version string) bool) map[string][]File {
	matching := make(map[string][]File)

	for release, files := range p.Releases {
		if !accept(release) {
			continue
		}

		for _, f := range files {
			if !f.Yanked {
				matching[release] = append(matching[release], f)
			}
		}
	}

	return matching
}
