// Package engine orchestrates observation retrieval: it resolves each
// requested procedure through the catalog, fetches or derives its series,
// applies quality filtering and temporal aggregation, and hands the results
// to the encoder layer as Observations.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hydrometrix/sos-engine/internal/aggregate"
	"github.com/hydrometrix/sos-engine/internal/domain"
	"github.com/hydrometrix/sos-engine/internal/observability"
	"github.com/hydrometrix/sos-engine/internal/virtual"
)

// Exporter publishes derived series to downstream consumers. Export is
// best-effort: failures are logged and counted, never surfaced to the
// requesting client.
type Exporter interface {
	ExportDerived(ctx context.Context, obs domain.Observation) error
}

// Config wires the engine's collaborators.
type Config struct {
	Catalog  domain.Catalog
	Source   domain.SeriesSource
	Registry *virtual.Registry

	// TableDir is the root directory of rating-curve tables; Tables is the
	// shared parse cache over them.
	TableDir string
	Tables   *virtual.TableCache

	// Exporter is optional; nil disables derived-series export.
	Exporter Exporter

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Engine answers observation requests.
type Engine struct {
	cfg Config
}

// New creates an engine from its wired collaborators.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetricsForTesting()
	}
	return &Engine{cfg: cfg}
}

// GetObservations resolves every procedure named by the query, in request
// order. Virtual procedures resolve their sampling time before any
// computation starts, so an unresolvable dependency graph fails the request
// without partial work. The first failing procedure aborts the request.
func (e *Engine) GetObservations(ctx context.Context, q domain.Query) ([]domain.Observation, error) {
	if q.RequestID == "" {
		q.RequestID = uuid.NewString()
	}
	logger := e.cfg.Logger.With("request_id", q.RequestID, "offering", q.Offering)

	start := time.Now()
	defer func() {
		e.cfg.Metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}()

	spec, err := e.parseAggregation(q)
	if err != nil {
		e.cfg.Metrics.RequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	out := make([]domain.Observation, 0, len(q.Procedures))
	for _, name := range q.Procedures {
		obs, err := e.observe(ctx, q, name, spec, logger)
		if err != nil {
			e.cfg.Metrics.RequestsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		out = append(out, obs)
	}

	e.cfg.Metrics.RequestsTotal.WithLabelValues("success").Inc()
	logger.Info("observations served", "procedures", len(out))
	return out, nil
}

// parseAggregation validates the aggregation spec up front, before any data
// is touched. Aggregation needs a request window to anchor its buckets.
func (e *Engine) parseAggregation(q domain.Query) (*aggregate.Spec, error) {
	if q.Aggregation == nil {
		return nil, nil
	}
	if q.Window == nil {
		return nil, &domain.AggregationError{Reason: "aggregation requires an explicit time window"}
	}
	spec, err := aggregate.NewSpec(*q.Aggregation)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

func (e *Engine) observe(ctx context.Context, q domain.Query, name string, spec *aggregate.Spec, logger *slog.Logger) (domain.Observation, error) {
	proc, err := e.cfg.Catalog.Describe(ctx, name)
	if err != nil {
		return domain.Observation{}, err
	}

	columns := buildColumns(proc, q)

	var (
		series   domain.Series
		sampling domain.SamplingInterval
	)
	if proc.IsVirtual() {
		series, sampling, err = e.derive(ctx, q, proc, columns, logger)
		if err != nil {
			e.cfg.Metrics.DerivationErrors.Inc()
			return domain.Observation{}, err
		}
		e.cfg.Metrics.ProceduresServed.WithLabelValues("virtual").Inc()
	} else {
		sub := q.ForProcedure(name, nil)
		series, err = e.cfg.Source.FetchSeries(ctx, sub)
		if err != nil {
			return domain.Observation{}, err
		}
		sampling = proc.SamplingTime
		e.cfg.Metrics.ProceduresServed.WithLabelValues("physical").Inc()
	}
	if len(series.Columns) == 0 {
		series.Columns = columns
	}

	if q.QualityFilter != nil && q.QualityIndex {
		series = filterByQuality(series, *q.QualityFilter)
	}

	if spec != nil {
		series.SortByTime()
		series, err = aggregate.Apply(series, q.Window.Begin, q.Window.End, *spec)
		if err != nil {
			return domain.Observation{}, err
		}
	}

	e.cfg.Metrics.RowsReturned.Observe(float64(len(series.Rows)))

	obs := domain.Observation{
		Procedure:    proc,
		SamplingTime: sampling,
		Series:       series,
		ComputedAt:   domain.Now(),
	}

	if proc.IsVirtual() && e.cfg.Exporter != nil {
		if err := e.cfg.Exporter.ExportDerived(ctx, obs); err != nil {
			e.cfg.Metrics.ExportErrors.Inc()
			logger.Warn("derived series export failed", "procedure", proc.Name, "error", err)
		} else {
			e.cfg.Metrics.SeriesExported.Inc()
		}
	}

	return obs, nil
}

// derive activates the registered derivation for a virtual procedure and
// runs it. Sampling-time resolution always precedes computation.
func (e *Engine) derive(ctx context.Context, q domain.Query, proc domain.Procedure, columns []domain.Column, logger *slog.Logger) (domain.Series, domain.SamplingInterval, error) {
	p, err := e.cfg.Registry.New(proc.Name)
	if err != nil {
		return domain.Series{}, domain.SamplingInterval{}, &domain.DerivationError{Derivation: proc.Name, Err: err}
	}

	cfg := virtual.Config{
		Name:     proc.Name,
		Query:    q.ForProcedure(proc.Name, nil),
		Catalog:  e.cfg.Catalog,
		Source:   e.cfg.Source,
		Resolver: e.cfg.Registry,
		Location: proc.Location,
		Columns:  columns,
		TableDir: e.cfg.TableDir,
		Tables:   e.cfg.Tables,
		Logger:   logger.With("derivation", proc.Name),
	}
	if err := p.Configure(cfg); err != nil {
		return domain.Series{}, domain.SamplingInterval{}, &domain.DerivationError{Derivation: proc.Name, Err: err}
	}

	sampling, err := p.ResolveSamplingTime(ctx)
	if err != nil {
		return domain.Series{}, domain.SamplingInterval{}, err
	}

	series, err := p.Compute(ctx)
	if err != nil {
		if isDomainError(err) {
			return domain.Series{}, domain.SamplingInterval{}, err
		}
		return domain.Series{}, domain.SamplingInterval{}, &domain.DerivationError{Derivation: proc.Name, Err: err}
	}
	return series, sampling, nil
}

// isDomainError reports whether err already carries a typed engine error
// that the response layer maps to a client-facing condition.
func isDomainError(err error) bool {
	var (
		notFound *domain.ProcedureNotFoundError
		deps     *domain.DependencyNotFoundError
		cycle    *domain.DependencyCycleError
		format   *domain.CalibrationFormatError
		mismatch *domain.CompositionMismatchError
		derived  *domain.DerivationError
		agg      *domain.AggregationError
	)
	return errors.As(err, &notFound) ||
		errors.As(err, &deps) ||
		errors.As(err, &cycle) ||
		errors.As(err, &format) ||
		errors.As(err, &mismatch) ||
		errors.As(err, &derived) ||
		errors.As(err, &agg)
}

// buildColumns assembles the result columns for a procedure: its observed
// properties narrowed to the requested set (in request order), each followed
// by its quality column when quality reporting is on. An empty request set
// keeps every property in registration order.
func buildColumns(proc domain.Procedure, q domain.Query) []domain.Column {
	var props []domain.ObservedProperty
	if len(q.ObservedProperties) == 0 {
		props = proc.ObservedProperties
	} else {
		for _, req := range q.ObservedProperties {
			for _, p := range proc.ObservedProperties {
				if p.Definition == req || strings.Contains(p.Definition, req) {
					props = append(props, p)
					break
				}
			}
		}
	}

	var cols []domain.Column
	for _, p := range props {
		c := domain.Column{Definition: p.Definition, Name: p.Name, UOM: p.UOM}
		cols = append(cols, c)
		if q.QualityIndex {
			cols = append(cols, c.QualityColumn())
		}
	}
	return cols
}

// filterByQuality drops rows whose quality columns fail the comparison. For
// ordering operators every quality column must pass; for equality a single
// matching column keeps the row.
func filterByQuality(s domain.Series, f domain.QualityFilter) domain.Series {
	qi := make([]int, 0, len(s.Columns))
	for i, c := range s.Columns {
		if c.IsQualityIndex() {
			qi = append(qi, i)
		}
	}
	if len(qi) == 0 {
		return s
	}

	out := domain.Series{Columns: s.Columns}
	for _, row := range s.Rows {
		if rowPassesQuality(row, qi, f) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

func rowPassesQuality(row domain.Row, qi []int, f domain.QualityFilter) bool {
	cmp := func(v float64) bool {
		switch f.Op {
		case "<":
			return v < f.Threshold
		case "<=":
			return v <= f.Threshold
		case ">":
			return v > f.Threshold
		case ">=":
			return v >= f.Threshold
		case "=":
			return v == f.Threshold
		}
		return true
	}

	if f.Op == "=" {
		for _, i := range qi {
			if i < len(row.Values) && row.Values[i].Valid && cmp(row.Values[i].Float) {
				return true
			}
		}
		return false
	}
	for _, i := range qi {
		if i >= len(row.Values) || !row.Values[i].Valid || !cmp(row.Values[i].Float) {
			return false
		}
	}
	return true
}
