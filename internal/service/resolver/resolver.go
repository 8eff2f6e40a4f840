package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/service/index"
)

// DeclaredSource is the constraint source used for requirements given by the user.
const DeclaredSource = "declared"

const (
	installedSource = "installed"
	defaultWorkers  = 4
)

// ArtifactFinder selects the best artifact for a query.
type ArtifactFinder interface {
	Best(ctx context.Context, q index.Query, installed *dist.Metadata) (dist.Candidate, error)
}

// Options configures a Resolver.
type Options struct {
	Environment dist.Environment
	Index       ArtifactFinder
	// Exclude lists distributions provided by the runtime; they are neither traversed nor packaged.
	Exclude []string
	// Workers bounds concurrent index lookups.
	Workers int
}

// Resolver walks requirement graphs. A Resolver holds no per-run state and may be reused.
type Resolver struct {
	env     dist.Environment
	index   ArtifactFinder
	exclude map[string]bool
	workers int
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, name := range opts.Exclude {
		exclude[dist.NormalizeName(name)] = true
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &Resolver{
		env:     opts.Environment,
		index:   opts.Index,
		exclude: exclude,
		workers: workers,
	}
}

// node is one discovered distribution during a traversal.
type node struct {
	meta       *dist.Metadata
	order      int
	walked     map[string]bool
	requiredBy []string
}

type pending struct {
	req        dist.Requirement
	requiredBy string
}

// traversal is the state of one Resolve call.
type traversal struct {
	r           *Resolver
	tag         dist.PlatformTag
	queue       []pending
	nodes       map[string]*node
	order       []string
	constraints map[string][]dist.Constraint
}

// Resolve returns one entry per distribution reachable from declared, in
// breadth-first discovery order. Version conflicts are detected after the
// whole graph is known; no version is ever chosen silently.
func (r *Resolver) Resolve(ctx context.Context, declared []dist.Requirement, tag dist.PlatformTag) (*dist.ResolutionSet, error) {
	ctx = logger.WithName(ctx, "resolver")

	t := &traversal{
		r:           r,
		tag:         tag,
		nodes:       make(map[string]*node),
		constraints: make(map[string][]dist.Constraint),
	}

	if err := t.walkRequirements(DeclaredSource, declared, nil); err != nil {
		return nil, err
	}

	for len(t.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := t.queue[0]
		t.queue = t.queue[1:]

		if err := t.visit(ctx, item); err != nil {
			return nil, err
		}
	}

	if err := t.checkConflicts(); err != nil {
		return nil, err
	}

	set, err := t.selectArtifacts(ctx)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "dependencies resolved", "target", tag.String(), "distributions", set.Len())

	return set, nil
}

// visit records a requirement and walks the parts of the distribution not walked before.
func (t *traversal) visit(ctx context.Context, item pending) error {
	key := item.req.Key()
	if t.r.exclude[key] {
		logger.DebugKV(ctx, "skipping runtime-provided distribution", "package", key, "required_by", item.requiredBy)

		return nil
	}

	meta, ok := t.r.env.Lookup(key)
	if !ok {
		return &dist.UnresolvedDependencyError{Name: key, RequiredBy: item.requiredBy}
	}

	t.constraints[key] = append(t.constraints[key], dist.Constraint{Source: item.requiredBy, Specifier: item.req.Specifier})

	n, seen := t.nodes[key]
	if !seen {
		n = &node{meta: meta, order: len(t.order), walked: make(map[string]bool)}
		t.nodes[key] = n
		t.order = append(t.order, key)
	}

	if !slices.Contains(n.requiredBy, item.requiredBy) {
		n.requiredBy = append(n.requiredBy, item.requiredBy)
	}

	if !seen {
		logger.DebugKV(ctx, "discovered distribution", "package", key, "version", meta.Version, "required_by", item.requiredBy)

		if err := t.walkRequirements(key, meta.Requires, nil); err != nil {
			return err
		}
	}

	for _, extra := range item.req.Extras {
		if n.walked[extra] {
			continue
		}

		n.walked[extra] = true

		if err := t.walkRequirements(key, meta.Requires, []string{extra}); err != nil {
			return err
		}
	}

	return nil
}

// walkRequirements enqueues the requirements active in the target environment.
// With extras set, only requirements enabled by those extras are enqueued, since
// the unconditional ones were enqueued on the first visit.
func (t *traversal) walkRequirements(source string, requires []dist.Requirement, extras []string) error {
	base := dist.NewMarkerEnv(t.tag)
	withExtras := dist.NewMarkerEnv(t.tag, extras...)

	for _, req := range requires {
		active, err := dist.EvaluateMarker(req.Marker, withExtras)
		if err != nil {
			return fmt.Errorf("requirement %q of %s: %w", req.String(), source, err)
		}

		if !active {
			continue
		}

		if len(extras) > 0 {
			// Already enqueued by the base walk.
			if always, _ := dist.EvaluateMarker(req.Marker, base); always {
				continue
			}
		}

		t.queue = append(t.queue, pending{req: req, requiredBy: source})
	}

	return nil
}

// checkConflicts verifies every installed version against every collected constraint.
func (t *traversal) checkConflicts() error {
	for _, key := range t.order {
		installed := t.nodes[key].meta.Version
		constraints := t.constraints[key]

		for i, c := range constraints {
			ok, err := dist.Satisfies(installed, c.Specifier)
			if err != nil {
				return fmt.Errorf("check %s against %s: %w", key, c, err)
			}

			if ok {
				continue
			}

			return &dist.VersionConflictError{
				Name:      key,
				Installed: installed,
				First:     c,
				Second:    otherConstraint(installed, constraints, i),
			}
		}
	}

	return nil
}

// otherConstraint picks the constraint to report next to the rejecting one: an accepting
// constraint when possible, otherwise any other source, otherwise the installed version itself.
func otherConstraint(installed string, constraints []dist.Constraint, rejecting int) dist.Constraint {
	var fallback *dist.Constraint

	for i := range constraints {
		if i == rejecting || constraints[i].Source == constraints[rejecting].Source {
			continue
		}

		if ok, err := dist.Satisfies(installed, constraints[i].Specifier); err == nil && ok {
			return constraints[i]
		}

		if fallback == nil {
			fallback = &constraints[i]
		}
	}

	if fallback != nil {
		return *fallback
	}

	return dist.Constraint{Source: installedSource, Specifier: "==" + installed}
}

// selectArtifacts builds the resolution set, querying the index for impure distributions in parallel.
func (t *traversal) selectArtifacts(ctx context.Context) (*dist.ResolutionSet, error) {
	entries := make([]*dist.Entry, len(t.order))
	errs := make([]error, len(t.order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.r.workers)

	for i, key := range t.order {
		n := t.nodes[key]
		entries[i] = &dist.Entry{
			Name:       key,
			Version:    n.meta.Version,
			Pure:       n.meta.Pure(),
			Metadata:   n.meta,
			Order:      n.order,
			RequiredBy: n.requiredBy,
		}

		if entries[i].Pure {
			continue
		}

		g.Go(func() error {
			candidate, err := t.r.index.Best(gctx, index.Query{
				Name:      n.meta.Name,
				Specifier: "==" + n.meta.Version,
				Tag:       t.tag,
			}, n.meta)
			if err != nil {
				errs[i] = err

				return err
			}

			entries[i].Artifact = &candidate

			logger.DebugKV(ctx, "artifact selected", "package", key, "candidate", candidate.String())

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // Errors are reported in discovery order below.

	if err := firstError(errs); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := dist.NewResolutionSet()
	for _, e := range entries {
		if err := set.Add(e); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// firstError returns the first lookup failure in discovery order, skipping
// cancellations caused by that failure in sibling lookups.
func firstError(errs []error) error {
	var canceled error

	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			if canceled == nil {
				canceled = err
			}
		default:
			return err
		}
	}

	return canceled
}
