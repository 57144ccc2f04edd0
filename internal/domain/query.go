package domain

import (
	"context"
	"time"
)

// TimeRange is a closed request window. The engine treats samples with
// Begin < t <= End as inside the window, matching the bucket convention of
// the temporal aggregator.
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

// AggregationSpec requests temporal reduction of the result series.
// Interval is an ISO-8601 duration and may carry calendar components
// (years, months) alongside fixed ones (days, seconds).
type AggregationSpec struct {
	Interval string
	Function string
	NoData   float64
	NoDataQI int
}

// QualityFilter drops rows whose quality-index columns fail a comparison.
type QualityFilter struct {
	Op        string // one of "<", "<=", ">", ">=", "="
	Threshold float64
}

// Query is the engine's view of one observation request. A Query is owned by
// a single request; derivations receive deep copies so that per-dependency
// rewrites never leak back into the caller's filters.
type Query struct {
	RequestID          string
	Offering           string
	Procedures         []string
	ObservedProperties []string
	Window             *TimeRange
	QualityIndex       bool
	QualityFilter      *QualityFilter
	Aggregation        *AggregationSpec
}

// Clone returns a deep copy of the query.
func (q Query) Clone() Query {
	out := q
	out.Procedures = append([]string(nil), q.Procedures...)
	out.ObservedProperties = append([]string(nil), q.ObservedProperties...)
	if q.Window != nil {
		w := *q.Window
		out.Window = &w
	}
	if q.QualityFilter != nil {
		f := *q.QualityFilter
		out.QualityFilter = &f
	}
	if q.Aggregation != nil {
		a := *q.Aggregation
		out.Aggregation = &a
	}
	return out
}

// ForProcedure narrows a copy of the query to a single procedure and an
// explicit observed-property set, dropping any aggregation so the callee
// always computes on raw samples.
func (q Query) ForProcedure(name string, properties []string) Query {
	out := q.Clone()
	out.Procedures = []string{name}
	if len(properties) > 0 {
		out.ObservedProperties = append([]string(nil), properties...)
	}
	out.Aggregation = nil
	return out
}

// GroupMember is one procedure feeding an offering, as reported by the
// catalog. Members are ordered by descending elevation so that profile
// composition walks from the shallowest sensor down.
type GroupMember struct {
	Procedure          string
	Elevation          float64
	ObservedProperties []string
}

// Catalog resolves procedure metadata. Implementations are read-only.
type Catalog interface {
	// Describe returns the procedure's metadata or a *ProcedureNotFoundError.
	Describe(ctx context.Context, name string) (Procedure, error)

	// Exists reports whether a procedure is registered.
	Exists(ctx context.Context, name string) (bool, error)

	// GroupMembers lists the procedures feeding an offering, excluding the
	// named procedure, ordered by descending elevation.
	GroupMembers(ctx context.Context, offering, exclude string) ([]GroupMember, error)
}

// SeriesSource fetches raw measurement series from the backing store. The
// query names exactly one procedure; the source returns rows filtered by the
// query's observed properties and window, with paired quality columns when
// quality reporting is requested. Sources never aggregate.
type SeriesSource interface {
	FetchSeries(ctx context.Context, q Query) (Series, error)
}

// Observation is the per-procedure hand-off artifact for the encoder layer:
// the resolved series plus the metadata the wire format needs.
type Observation struct {
	Procedure    Procedure
	SamplingTime SamplingInterval
	Series       Series
	ComputedAt   time.Time
}
