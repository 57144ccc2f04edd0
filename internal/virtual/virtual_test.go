package virtual_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrometrix/sos-engine/internal/domain"
	"github.com/hydrometrix/sos-engine/internal/virtual"
)

// --- fakes ---

type fakeCatalog struct {
	procs  map[string]domain.Procedure
	groups map[string][]domain.GroupMember
}

func (c *fakeCatalog) Describe(_ context.Context, name string) (domain.Procedure, error) {
	p, ok := c.procs[name]
	if !ok {
		return domain.Procedure{}, &domain.ProcedureNotFoundError{Name: name}
	}
	return p, nil
}

func (c *fakeCatalog) Exists(_ context.Context, name string) (bool, error) {
	_, ok := c.procs[name]
	return ok, nil
}

func (c *fakeCatalog) GroupMembers(_ context.Context, offering, exclude string) ([]domain.GroupMember, error) {
	var out []domain.GroupMember
	for _, m := range c.groups[offering] {
		if m.Procedure != exclude {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeSource struct {
	series  map[string]domain.Series
	queries []domain.Query
}

func (s *fakeSource) FetchSeries(_ context.Context, q domain.Query) (domain.Series, error) {
	s.queries = append(s.queries, q)
	return s.series[q.Procedures[0]], nil
}

func tt(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func ttp(s string) *time.Time {
	t := tt(s)
	return &t
}

func physical(name string, begin, end *time.Time) domain.Procedure {
	return domain.Procedure{
		Name:         name,
		Kind:         domain.KindFixedPoint,
		SamplingTime: domain.SamplingInterval{Begin: begin, End: end},
	}
}

func virtualProc(name string) domain.Procedure {
	return domain.Procedure{Name: name, Kind: domain.KindVirtual}
}

// --- sampling time resolution ---

func TestResolveSamplingTime_SingleDependency(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{
		"P_TRE": physical("P_TRE", ttp("2024-01-01T00:00:00Z"), nil),
	}}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "Q_TRE", Catalog: catalog}))
	b.Declare("P_TRE")

	st, err := b.ResolveSamplingTime(context.Background())
	require.NoError(t, err)

	// A single leaf's interval passes through as declared, even half-defined.
	require.NotNil(t, st.Begin)
	assert.Equal(t, tt("2024-01-01T00:00:00Z"), *st.Begin)
	assert.Nil(t, st.End)
}

func TestResolveSamplingTime_MergesLeafIntervals(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{
		"A": physical("A", ttp("2024-01-01T00:00:00Z"), ttp("2024-01-05T00:00:00Z")),
		"B": physical("B", ttp("2024-01-03T00:00:00Z"), ttp("2024-01-10T00:00:00Z")),
	}}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V", Catalog: catalog}))
	b.Declare("A")
	b.Declare("B")

	st, err := b.ResolveSamplingTime(context.Background())
	require.NoError(t, err)
	require.True(t, st.Defined())
	assert.Equal(t, tt("2024-01-01T00:00:00Z"), *st.Begin)
	assert.Equal(t, tt("2024-01-10T00:00:00Z"), *st.End)
}

func TestResolveSamplingTime_SkipsHalfDefinedLeaves(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{
		"A": physical("A", ttp("2024-01-02T00:00:00Z"), ttp("2024-01-05T00:00:00Z")),
		"B": physical("B", ttp("2023-01-01T00:00:00Z"), nil),
	}}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V", Catalog: catalog}))
	b.Declare("A")
	b.Declare("B")

	st, err := b.ResolveSamplingTime(context.Background())
	require.NoError(t, err)
	require.True(t, st.Defined())
	assert.Equal(t, tt("2024-01-02T00:00:00Z"), *st.Begin)
	assert.Equal(t, tt("2024-01-05T00:00:00Z"), *st.End)
}

func TestResolveSamplingTime_CascadesThroughVirtualDependencies(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{
		"MID": virtualProc("MID"),
		"P1":  physical("P1", ttp("2024-01-01T00:00:00Z"), ttp("2024-01-05T00:00:00Z")),
		"P2":  physical("P2", ttp("2024-01-03T00:00:00Z"), ttp("2024-01-09T00:00:00Z")),
	}}

	registry := virtual.NewRegistry()
	registry.Register("MID", func() virtual.Process {
		return virtual.NewRatingCurve(
			virtual.Dependency{Procedure: "P1"},
			virtual.Dependency{Procedure: "P2"},
		)
	})

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "TOP", Catalog: catalog, Resolver: registry}))
	b.Declare("MID")

	st, err := b.ResolveSamplingTime(context.Background())
	require.NoError(t, err)
	require.True(t, st.Defined())
	assert.Equal(t, tt("2024-01-01T00:00:00Z"), *st.Begin)
	assert.Equal(t, tt("2024-01-09T00:00:00Z"), *st.End)
}

func TestResolveSamplingTime_BatchesAllMissingDependencies(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{}}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V", Catalog: catalog}))
	b.Declare("GHOST_1")
	b.Declare("GHOST_2")

	_, err := b.ResolveSamplingTime(context.Background())
	var nf *domain.DependencyNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "V", nf.Derivation)
	assert.ElementsMatch(t, []string{"GHOST_1", "GHOST_2"}, nf.Missing)
}

func TestResolveSamplingTime_RejectsCycles(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{
		"V": virtualProc("V"),
		"W": virtualProc("W"),
	}}

	registry := virtual.NewRegistry()
	registry.Register("V", func() virtual.Process {
		return virtual.NewRatingCurve(virtual.Dependency{Procedure: "W"})
	})
	registry.Register("W", func() virtual.Process {
		return virtual.NewRatingCurve(virtual.Dependency{Procedure: "V"})
	})

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V", Catalog: catalog, Resolver: registry}))
	b.Declare("W")

	_, err := b.ResolveSamplingTime(context.Background())
	var cycle *domain.DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"V", "W", "V"}, cycle.Path)
}

func TestResolveSamplingTime_DiamondIsNotACycle(t *testing.T) {
	catalog := &fakeCatalog{procs: map[string]domain.Procedure{
		"L": virtualProc("L"),
		"R": virtualProc("R"),
		"P": physical("P", ttp("2024-01-01T00:00:00Z"), ttp("2024-01-05T00:00:00Z")),
	}}

	registry := virtual.NewRegistry()
	for _, name := range []string{"L", "R"} {
		registry.Register(name, func() virtual.Process {
			return virtual.NewRatingCurve(virtual.Dependency{Procedure: "P"})
		})
	}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "TOP", Catalog: catalog, Resolver: registry}))
	b.Declare("L")
	b.Declare("R")

	st, err := b.ResolveSamplingTime(context.Background())
	require.NoError(t, err)
	require.True(t, st.Defined())
}

func TestResolveSamplingTime_DiscoversOfferingMembers(t *testing.T) {
	catalog := &fakeCatalog{
		procs: map[string]domain.Procedure{
			"T1": physical("T1", ttp("2024-01-01T00:00:00Z"), ttp("2024-01-05T00:00:00Z")),
			"T2": physical("T2", ttp("2024-01-02T00:00:00Z"), ttp("2024-01-08T00:00:00Z")),
		},
		groups: map[string][]domain.GroupMember{
			"temperature_profile": {
				{Procedure: "PROFILE", Elevation: 100},
				{Procedure: "T1", Elevation: 95},
				{Procedure: "T2", Elevation: 90},
			},
		},
	}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "PROFILE", Catalog: catalog}))
	b.DeclareOffering("temperature_profile")

	st, err := b.ResolveSamplingTime(context.Background())
	require.NoError(t, err)
	require.True(t, st.Defined())
	assert.Equal(t, tt("2024-01-01T00:00:00Z"), *st.Begin)
	assert.Equal(t, tt("2024-01-08T00:00:00Z"), *st.End)
	assert.Len(t, b.Dependencies(), 2)
}

// --- dependency fetch ---

func TestFetch_StripsAggregationFromSubRequests(t *testing.T) {
	source := &fakeSource{series: map[string]domain.Series{}}
	q := domain.Query{
		Procedures:         []string{"V"},
		ObservedProperties: []string{"height"},
		Aggregation:        &domain.AggregationSpec{Interval: "PT1H", Function: "AVG"},
	}

	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V", Query: q, Source: source}))
	b.Declare("P_TRE", "river:water:height")

	_, err := b.Fetch(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, source.queries, 1)
	sub := source.queries[0]
	assert.Equal(t, []string{"P_TRE"}, sub.Procedures)
	assert.Equal(t, []string{"river:water:height"}, sub.ObservedProperties)
	assert.Nil(t, sub.Aggregation)
}

func TestFetch_RejectsUndeclaredProcedure(t *testing.T) {
	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V", Source: &fakeSource{}}))
	b.Declare("A")

	_, err := b.Fetch(context.Background(), "B")
	require.Error(t, err)
}

func TestDeclare_ReplacesPropertySet(t *testing.T) {
	var b virtual.Base
	require.NoError(t, b.Configure(virtual.Config{Name: "V"}))
	b.Declare("A", "x")
	b.Declare("B", "y")
	b.Declare("A", "z")

	deps := b.Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, "A", deps[0].Procedure)
	assert.Equal(t, []string{"z"}, deps[0].ObservedProperties)
	assert.Equal(t, "B", deps[1].Procedure)
}
