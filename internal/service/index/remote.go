package index

import (
	"context"
	"strings"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/registry/pypi"
)

// findRemote turns the release listing of the remote index into candidates.
// Remote sdists are listed here and inspected for purity after download.
func (i *Index) findRemote(ctx context.Context, q Query) ([]dist.Candidate, error) {
	project, err := i.opts.Registry.Project(ctx, q.Name)
	if err != nil {
		return nil, err
	}

	var candidates []dist.Candidate

	for version, files := range project.Matching(q.accepts) {
		for _, f := range files {
			c := dist.Candidate{
				Name:     q.Name,
				Version:  version,
				Location: f.URL,
				Remote:   true,
				Filename: f.Filename,
				Digest:   f.SHA256(),
			}

			switch {
			case f.PackageType == pypi.PackageTypeWheel || strings.HasSuffix(f.Filename, ".whl"):
				wheel, err := dist.ParseWheelFilename(f.Filename)
				if err != nil {
					logger.DebugKV(ctx, "skipping unparseable wheel name", "file", f.Filename, "error", err)

					continue
				}

				ranked, ok := q.Tag.Match(wheel.Tags)
				if !ok {
					continue
				}

				c.Kind, c.Tier, c.Score = dist.KindWheel, ranked.Tier, ranked.Preference
			case f.PackageType == pypi.PackageTypeSource:
				if _, _, ok := parseSdistName(f.Filename); !ok {
					continue
				}

				c.Kind, c.Tier = dist.KindSource, dist.TierSource
			default:
				continue
			}

			candidates = append(candidates, c)
		}
	}

	logger.DebugKV(ctx, "remote index queried", "candidates", len(candidates))

	return candidates, nil
}
