// Package virtual implements the derived-procedure framework: the derivation
// contract, the registry that activates named derivations, and the concrete
// rating-curve and profile derivations.
//
// A derivation instance is created fresh for every request and discarded at
// the end of it; all mutable state (dependency map, resolved sampling time)
// is instance state. The registry itself is read-only after startup.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hydrometrix/sos-engine/internal/domain"
)

// Dependency is one procedure a derivation consumes, with the observed
// properties it reads from it. An empty property set inherits the request's
// observed properties.
type Dependency struct {
	Procedure          string
	ObservedProperties []string
}

// Config binds a derivation instance to one request.
type Config struct {
	// Name of the virtual procedure being derived.
	Name string

	// Query is a deep copy of the request filters; derivations may rewrite
	// it freely when building dependency sub-requests.
	Query domain.Query

	Catalog  domain.Catalog
	Source   domain.SeriesSource
	Resolver *Registry

	// Presentation properties of the owning procedure.
	Location domain.Point
	Columns  []domain.Column

	// TableDir is the root directory holding rating-curve tables.
	TableDir string
	Tables   *TableCache

	Logger *slog.Logger
}

// Process is the capability contract every derivation implements. Concrete
// kinds embed Base for the shared behavior and override Compute.
type Process interface {
	// Configure binds the instance to a request. Called exactly once,
	// before any other method.
	Configure(cfg Config) error

	// Dependencies returns the declared dependency list in declaration
	// order. Empty when dependencies are discovered from an offering.
	Dependencies() []Dependency

	// Offering names the group whose members feed this derivation, or ""
	// when dependencies are declared explicitly.
	Offering() string

	// ResolveSamplingTime computes the effective time bounds of the derived
	// procedure by walking the (possibly cascading) dependency graph. It
	// must complete before Compute so that an invalid request graph never
	// produces partial work.
	ResolveSamplingTime(ctx context.Context) (domain.SamplingInterval, error)

	// Compute produces the derived series on raw dependency samples. Outer
	// aggregation, if requested, is applied by the engine afterwards.
	Compute(ctx context.Context) (domain.Series, error)
}

// Base carries the request-scoped derivation state and implements every
// Process method except Compute.
type Base struct {
	cfg      Config
	deps     []Dependency
	depIndex map[string]int
	offering string

	// members caches the offering membership resolved during sampling-time
	// resolution so Compute does not hit the catalog twice.
	members []domain.GroupMember
}

// Configure stores the request binding and resets all per-request state.
func (b *Base) Configure(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("virtual process: empty procedure name")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b.cfg = cfg
	b.depIndex = make(map[string]int)
	b.deps = nil
	b.members = nil
	return nil
}

// Declare records that this derivation consumes a procedure's data for the
// given observed properties. Declaration order is preserved; re-declaring a
// procedure replaces its property set.
func (b *Base) Declare(procedure string, properties ...string) {
	if i, ok := b.depIndex[procedure]; ok {
		b.deps[i].ObservedProperties = properties
		return
	}
	b.depIndex[procedure] = len(b.deps)
	b.deps = append(b.deps, Dependency{Procedure: procedure, ObservedProperties: properties})
}

// DeclareOffering arranges for dependencies to be discovered from the named
// group, excluding the derived procedure itself.
func (b *Base) DeclareOffering(offering string) {
	b.offering = offering
}

// Dependencies returns the declared dependency list.
func (b *Base) Dependencies() []Dependency {
	return b.deps
}

// Offering returns the discovery group, if any.
func (b *Base) Offering() string {
	return b.offering
}

// Name returns the derived procedure's name.
func (b *Base) Name() string {
	return b.cfg.Name
}

// Query returns the request filters bound at Configure.
func (b *Base) Query() domain.Query {
	return b.cfg.Query
}

// ResolveSamplingTime expands cascading virtual dependencies down to their
// physical leaves and reduces the leaves' declared intervals:
//
//   - exactly one leaf: its declared interval, taken as-is
//   - several leaves: minimum begin and maximum end across the leaves whose
//     interval is fully defined; half-defined intervals are excluded from
//     the reduction, not treated as open
//   - no candidates: the fully undefined interval
//
// Every unresolvable leaf is collected before failing, so the returned
// *domain.DependencyNotFoundError names all missing procedures at once. A
// virtual procedure appearing in its own expansion chain fails closed with
// *domain.DependencyCycleError.
func (b *Base) ResolveSamplingTime(ctx context.Context) (domain.SamplingInterval, error) {
	deps := b.deps
	if len(deps) == 0 && b.offering != "" {
		members, err := b.cfg.Catalog.GroupMembers(ctx, b.offering, b.cfg.Name)
		if err != nil {
			return domain.SamplingInterval{}, err
		}
		b.members = members
		for _, m := range members {
			b.Declare(m.Procedure, m.ObservedProperties...)
		}
		deps = b.deps
	}
	if len(deps) == 0 {
		return domain.SamplingInterval{}, nil
	}

	walk := &expansion{
		catalog:  b.cfg.Catalog,
		resolver: b.cfg.Resolver,
		found:    make(map[string]domain.Procedure),
		seen:     map[string]bool{b.cfg.Name: true},
	}
	path := []string{b.cfg.Name}
	for _, d := range deps {
		if err := walk.expand(ctx, d.Procedure, path); err != nil {
			return domain.SamplingInterval{}, err
		}
	}
	if len(walk.missing) > 0 {
		return domain.SamplingInterval{}, &domain.DependencyNotFoundError{
			Derivation: b.cfg.Name,
			Missing:    walk.missing,
		}
	}

	leaves := walk.leaves
	if len(leaves) == 0 {
		return domain.SamplingInterval{}, nil
	}
	if len(leaves) == 1 {
		return walk.found[leaves[0]].SamplingTime, nil
	}

	var merged domain.SamplingInterval
	for _, name := range leaves {
		st := walk.found[name].SamplingTime
		if !st.Defined() {
			continue
		}
		if merged.Begin == nil || st.Begin.Before(*merged.Begin) {
			merged.Begin = st.Begin
		}
		if merged.End == nil || st.End.After(*merged.End) {
			merged.End = st.End
		}
	}
	return merged, nil
}

// Fetch returns the raw series of one declared dependency, building a
// sub-request limited to that procedure and its assigned observed
// properties. Aggregation is always stripped from the sub-request: the
// derivation computes on raw samples and the engine aggregates the final
// derived output exactly once. An empty name selects the first declared
// dependency.
func (b *Base) Fetch(ctx context.Context, procedure string) (domain.Series, error) {
	if procedure == "" {
		if len(b.deps) == 0 {
			return domain.Series{}, fmt.Errorf("no dependencies declared")
		}
		procedure = b.deps[0].Procedure
	}
	i, ok := b.depIndex[procedure]
	if !ok {
		return domain.Series{}, fmt.Errorf("procedure %q has not been declared as a dependency", procedure)
	}

	sub := b.cfg.Query.ForProcedure(procedure, b.deps[i].ObservedProperties)
	return b.cfg.Source.FetchSeries(ctx, sub)
}

// expansion is the transitive dependency walk used by ResolveSamplingTime.
type expansion struct {
	catalog  domain.Catalog
	resolver *Registry
	found    map[string]domain.Procedure
	seen     map[string]bool
	leaves   []string
	missing  []string
}

func (w *expansion) expand(ctx context.Context, name string, path []string) error {
	for _, p := range path {
		if p == name {
			return &domain.DependencyCycleError{Path: append(append([]string(nil), path...), name)}
		}
	}
	if w.seen[name] {
		return nil
	}
	w.seen[name] = true

	proc, err := w.catalog.Describe(ctx, name)
	if err != nil {
		var nf *domain.ProcedureNotFoundError
		if errors.As(err, &nf) {
			w.missing = append(w.missing, name)
			return nil
		}
		return err
	}
	w.found[name] = proc

	if !proc.IsVirtual() {
		w.leaves = append(w.leaves, name)
		return nil
	}

	// Cascading virtual dependency: activate its derivation to read the
	// dependency list, never its data.
	sub, err := w.resolver.New(name)
	if err != nil {
		return &domain.DerivationError{Derivation: name, Err: err}
	}
	if err := sub.Configure(Config{Name: name, Catalog: w.catalog, Resolver: w.resolver}); err != nil {
		return &domain.DerivationError{Derivation: name, Err: err}
	}

	next := sub.Dependencies()
	if len(next) == 0 && sub.Offering() != "" {
		members, err := w.catalog.GroupMembers(ctx, sub.Offering(), name)
		if err != nil {
			return err
		}
		for _, m := range members {
			next = append(next, Dependency{Procedure: m.Procedure})
		}
	}

	childPath := append(append([]string(nil), path...), name)
	for _, d := range next {
		if err := w.expand(ctx, d.Procedure, childPath); err != nil {
			return err
		}
	}
	return nil
}
