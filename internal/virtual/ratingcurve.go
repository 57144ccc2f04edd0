package virtual

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gosimple/slug"

	"github.com/hydrometrix/sos-engine/internal/domain"
)

// KindRatingCurve is the registry kind for the H-Q discharge derivation.
const KindRatingCurve = "hq"

// Sentinel value and quality codes emitted for unusable samples.
const (
	noDataValue   = -999.9
	lowThreshold  = -999.0
	qiRawRejected = 110
	qiNotApplied  = 120
)

// Segment is one time- and value-ranged power-law piece of a rating curve:
// output = K + A*(v-B)^C, valid for timestamps in (ValidFrom, ValidTo] and
// values in [Low, Up).
type Segment struct {
	ValidFrom time.Time
	ValidTo   time.Time
	Low       float64
	Up        float64
	A         float64
	B         float64
	C         float64
	K         float64
}

// Contains reports whether the segment applies to a sample.
func (s Segment) Contains(ts time.Time, v float64) bool {
	return ts.After(s.ValidFrom) && !ts.After(s.ValidTo) && v >= s.Low && v < s.Up
}

// Table is a parsed rating-curve file. Segments keep file order; the first
// matching segment wins, even when a later one would also match.
type Table struct {
	Segments []Segment
}

// match returns the first segment containing the sample.
func (t Table) match(ts time.Time, v float64) (Segment, bool) {
	for _, s := range t.Segments {
		if s.Contains(ts, v) {
			return s, true
		}
	}
	return Segment{}, false
}

// window narrows the table to segments overlapping the request window.
func (t Table) window(w domain.TimeRange) Table {
	var out Table
	for _, s := range t.Segments {
		if s.ValidTo.After(w.Begin) && !s.ValidFrom.After(w.End) {
			out.Segments = append(out.Segments, s)
		}
	}
	return out
}

// tail keeps the n most recent segments in file order, tolerating fewer.
// Used in sampling-time discovery mode, when the request has no window.
func (t Table) tail(n int) Table {
	if len(t.Segments) <= n {
		return t
	}
	return Table{Segments: t.Segments[len(t.Segments)-n:]}
}

// TablePath locates the ".rcv" file for a derivation name under dir. The
// name is slugified so procedure names never escape the table directory.
func TablePath(dir, name string) string {
	s := slug.Make(name)
	return filepath.Join(dir, s, s+".rcv")
}

// LoadTable reads and parses a complete rating-curve file. The file is
// pipe-delimited with a header row; column positions are resolved by header
// name, never by fixed position.
func LoadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, &domain.CalibrationFormatError{Path: path, Reason: "cannot open: " + err.Error()}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '|'
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return Table{}, &domain.CalibrationFormatError{Path: path, Reason: err.Error()}
	}
	if len(records) == 0 {
		return Table{}, &domain.CalibrationFormatError{Path: path, Reason: "empty file"}
	}

	idx := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		idx[h] = i
	}
	for _, col := range []string{"from", "to", "low_val", "up_val", "A", "B", "C", "K"} {
		if _, ok := idx[col]; !ok {
			return Table{}, &domain.CalibrationFormatError{
				Path:   path,
				Reason: fmt.Sprintf("header %v is missing column %q", records[0], col),
			}
		}
	}

	var t Table
	for line, rec := range records[1:] {
		seg, err := parseSegment(rec, idx)
		if err != nil {
			return Table{}, &domain.CalibrationFormatError{
				Path:   path,
				Reason: fmt.Sprintf("row %d: %v", line+2, err),
			}
		}
		t.Segments = append(t.Segments, seg)
	}
	return t, nil
}

func parseSegment(rec []string, idx map[string]int) (Segment, error) {
	field := func(name string) (string, error) {
		i := idx[name]
		if i >= len(rec) {
			return "", fmt.Errorf("missing value for %q", name)
		}
		return rec[i], nil
	}
	num := func(name string) (float64, error) {
		s, err := field(name)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("column %q: %w", name, err)
		}
		return v, nil
	}
	ts := func(name string) (time.Time, error) {
		s, err := field(name)
		if err != nil {
			return time.Time{}, err
		}
		t, err := parseTime(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("column %q: %w", name, err)
		}
		return t, nil
	}

	var seg Segment
	var err error
	if seg.ValidFrom, err = ts("from"); err != nil {
		return Segment{}, err
	}
	if seg.ValidTo, err = ts("to"); err != nil {
		return Segment{}, err
	}
	if seg.Low, err = num("low_val"); err != nil {
		return Segment{}, err
	}
	if seg.Up, err = num("up_val"); err != nil {
		return Segment{}, err
	}
	if seg.A, err = num("A"); err != nil {
		return Segment{}, err
	}
	if seg.B, err = num("B"); err != nil {
		return Segment{}, err
	}
	if seg.C, err = num("C"); err != nil {
		return Segment{}, err
	}
	if seg.K, err = num("K"); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// RatingCurve derives discharge from a measured series through a piecewise
// power-law rating curve loaded from the procedure's ".rcv" table.
type RatingCurve struct {
	Base
	decl []Dependency
}

// NewRatingCurve creates an unconfigured H-Q derivation over the given
// dependency declarations. The first declared dependency supplies the input
// series.
func NewRatingCurve(deps ...Dependency) *RatingCurve {
	return &RatingCurve{decl: deps}
}

// Configure binds the instance and replays the manifest's declarations into
// the per-request dependency map.
func (p *RatingCurve) Configure(cfg Config) error {
	if err := p.Base.Configure(cfg); err != nil {
		return err
	}
	for _, d := range p.decl {
		p.Declare(d.Procedure, d.ObservedProperties...)
	}
	return nil
}

// Compute fetches the raw input series and maps every sample through the
// rating curve. Per-sample policy, first matching segment in table order:
//
//   - missing input value: -999.9 with quality 120
//   - input below the low-data threshold: -999.9 with quality 110
//   - no segment matches, or (value - B) < 0: -999.9 with quality 120
//   - otherwise: K + A*(value-B)^C rounded to 4 decimals, quality passed
//     through from the input unchanged
//
// When quality reporting is disabled the quality column is omitted and only
// (timestamp, value) pairs are produced.
func (p *RatingCurve) Compute(ctx context.Context) (domain.Series, error) {
	table, err := p.loadCurves()
	if err != nil {
		return domain.Series{}, err
	}

	data, err := p.Fetch(ctx, "")
	if err != nil {
		return domain.Series{}, err
	}

	q := p.Query()
	out := domain.Series{Columns: p.outputColumns()}
	for _, row := range data.Rows {
		var in domain.Value
		if len(row.Values) > 0 {
			in = row.Values[0]
		}
		var inQI domain.Value
		if q.QualityIndex && len(row.Values) > 1 {
			inQI = row.Values[1]
		}

		value, qi := transformSample(table, row.Time, in, inQI)
		rec := domain.Row{Time: row.Time, Values: []domain.Value{value}}
		if q.QualityIndex {
			rec.Values = append(rec.Values, qi)
		}
		out.Rows = append(out.Rows, rec)
	}
	return out, nil
}

func transformSample(table Table, ts time.Time, in, inQI domain.Value) (domain.Value, domain.Value) {
	switch {
	case !in.Valid:
		return domain.Float64(noDataValue), domain.Float64(qiNotApplied)
	case in.Float < lowThreshold:
		return domain.Float64(noDataValue), domain.Float64(qiRawRejected)
	}

	seg, ok := table.match(ts, in.Float)
	if !ok {
		return domain.Float64(noDataValue), domain.Float64(qiNotApplied)
	}
	if in.Float-seg.B < 0 {
		// Curve not invertible below the offset.
		return domain.Float64(noDataValue), domain.Float64(qiNotApplied)
	}

	v := seg.K + seg.A*math.Pow(in.Float-seg.B, seg.C)
	return domain.Float64(math.Round(v*10000) / 10000), inQI
}

// loadCurves resolves the table for this request: segments overlapping the
// request window, or only the two most recent rows when the request has no
// window (sampling-time discovery mode).
func (p *RatingCurve) loadCurves() (Table, error) {
	path := TablePath(p.cfg.TableDir, p.cfg.Name)

	var table Table
	var err error
	if p.cfg.Tables != nil {
		table, err = p.cfg.Tables.Load(path)
	} else {
		table, err = LoadTable(path)
	}
	if err != nil {
		return Table{}, err
	}

	if w := p.cfg.Query.Window; w != nil {
		return table.window(*w), nil
	}
	return table.tail(2), nil
}

func (p *RatingCurve) outputColumns() []domain.Column {
	if len(p.cfg.Columns) > 0 {
		return p.cfg.Columns
	}
	// Fallback for callers that skipped presentation properties.
	c := domain.Column{Definition: p.cfg.Name, Name: p.cfg.Name}
	cols := []domain.Column{c}
	if p.cfg.Query.QualityIndex {
		cols = append(cols, c.QualityColumn())
	}
	return cols
}
