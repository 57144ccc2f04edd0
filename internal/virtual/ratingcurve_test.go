package virtual_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrometrix/sos-engine/internal/domain"
	"github.com/hydrometrix/sos-engine/internal/virtual"
)

func writeTable(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := virtual.TablePath(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const basicTable = `from|to|low_val|up_val|A|B|C|K
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|0|2|1.5|0.5|2|10
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|2|10|3|1|1|0
`

func newCurve(t *testing.T, dir string, source *fakeSource, q domain.Query) *virtual.RatingCurve {
	t.Helper()
	p := virtual.NewRatingCurve(virtual.Dependency{Procedure: "P_TRE"})
	require.NoError(t, p.Configure(virtual.Config{
		Name:     "Q_TRE",
		Query:    q,
		Source:   source,
		TableDir: dir,
	}))
	return p
}

func heightSeries(rows ...domain.Row) domain.Series {
	c := domain.Column{Definition: "urn:ogc:def:parameter:x-sos:1.0:river:water:height", Name: "height", UOM: "m"}
	return domain.Series{Columns: []domain.Column{c, c.QualityColumn()}, Rows: rows}
}

func window(begin, end string) *domain.TimeRange {
	return &domain.TimeRange{Begin: tt(begin), End: tt(end)}
}

func TestLoadTable_HeaderOrderDoesNotMatter(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "Q_TRE", `K|C|B|A|up_val|low_val|to|from
10|2|0.5|1.5|2|0|2025-01-01T00:00:00Z|2024-01-01T00:00:00Z
`)

	table, err := virtual.LoadTable(path)
	require.NoError(t, err)
	require.Len(t, table.Segments, 1)

	s := table.Segments[0]
	assert.Equal(t, 1.5, s.A)
	assert.Equal(t, 0.5, s.B)
	assert.Equal(t, 2.0, s.C)
	assert.Equal(t, 10.0, s.K)
	assert.Equal(t, 0.0, s.Low)
	assert.Equal(t, 2.0, s.Up)
}

func TestLoadTable_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "Q_TRE", "from|to|low_val|up_val|A|B|C\n")

	_, err := virtual.LoadTable(path)
	var formatErr *domain.CalibrationFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, `"K"`)
}

func TestLoadTable_MissingFile(t *testing.T) {
	_, err := virtual.LoadTable(filepath.Join(t.TempDir(), "nope.rcv"))
	var formatErr *domain.CalibrationFormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestLoadTable_MalformedNumber(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "Q_TRE", `from|to|low_val|up_val|A|B|C|K
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|zero|2|1.5|0.5|2|10
`)

	_, err := virtual.LoadTable(path)
	var formatErr *domain.CalibrationFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, "row 2")
}

func TestCompute_AppliesPowerLaw(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "Q_TRE", basicTable)

	source := &fakeSource{series: map[string]domain.Series{
		"P_TRE": heightSeries(sampleRow("2024-06-01T10:00:00Z", 1.5, 200)),
	}}
	q := domain.Query{
		Procedures:   []string{"Q_TRE"},
		QualityIndex: true,
		Window:       window("2024-06-01T00:00:00Z", "2024-06-02T00:00:00Z"),
	}

	out, err := newCurve(t, dir, source, q).Compute(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)

	// 10 + 1.5*(1.5-0.5)^2 = 11.5; quality passes through unchanged.
	assert.Equal(t, domain.Float64(11.5), out.Rows[0].Values[0])
	assert.Equal(t, domain.Float64(200), out.Rows[0].Values[1])
}

func TestCompute_FirstMatchingSegmentWins(t *testing.T) {
	dir := t.TempDir()
	// Both segments cover v=1; the first in file order must win.
	writeTable(t, dir, "Q_TRE", `from|to|low_val|up_val|A|B|C|K
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|0|2|1|0|1|100
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|0|2|1|0|1|999
`)

	source := &fakeSource{series: map[string]domain.Series{
		"P_TRE": heightSeries(sampleRow("2024-06-01T10:00:00Z", 1, 200)),
	}}
	q := domain.Query{
		Procedures:   []string{"Q_TRE"},
		QualityIndex: true,
		Window:       window("2024-06-01T00:00:00Z", "2024-06-02T00:00:00Z"),
	}

	out, err := newCurve(t, dir, source, q).Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Float64(101), out.Rows[0].Values[0])
}

func TestCompute_SamplePolicy(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "Q_TRE", basicTable)

	tests := []struct {
		name   string
		row    domain.Row
		want   float64
		wantQI float64
	}{
		{
			name:   "missing input value",
			row:    domain.Row{Time: tt("2024-06-01T10:00:00Z"), Values: []domain.Value{domain.NoValue(), domain.Float64(200)}},
			want:   -999.9,
			wantQI: 120,
		},
		{
			name:   "below low-data threshold",
			row:    sampleRow("2024-06-01T10:00:00Z", -1000, 200),
			want:   -999.9,
			wantQI: 110,
		},
		{
			name:   "no matching segment",
			row:    sampleRow("2024-06-01T10:00:00Z", 50, 200),
			want:   -999.9,
			wantQI: 120,
		},
		{
			name:   "value below curve offset",
			row:    sampleRow("2024-06-01T10:00:00Z", 0.2, 200),
			want:   -999.9,
			wantQI: 120,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			source := &fakeSource{series: map[string]domain.Series{
				"P_TRE": heightSeries(tc.row),
			}}
			q := domain.Query{
				Procedures:   []string{"Q_TRE"},
				QualityIndex: true,
				Window:       window("2024-06-01T00:00:00Z", "2024-06-02T00:00:00Z"),
			}

			out, err := newCurve(t, dir, source, q).Compute(context.Background())
			require.NoError(t, err)
			require.Len(t, out.Rows, 1)
			assert.Equal(t, domain.Float64(tc.want), out.Rows[0].Values[0])
			assert.Equal(t, domain.Float64(tc.wantQI), out.Rows[0].Values[1])
		})
	}
}

func TestCompute_WithoutQualityReporting(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "Q_TRE", basicTable)

	c := domain.Column{Definition: "urn:height", Name: "height"}
	source := &fakeSource{series: map[string]domain.Series{
		"P_TRE": {
			Columns: []domain.Column{c},
			Rows:    []domain.Row{{Time: tt("2024-06-01T10:00:00Z"), Values: []domain.Value{domain.Float64(1.5)}}},
		},
	}}
	q := domain.Query{
		Procedures: []string{"Q_TRE"},
		Window:     window("2024-06-01T00:00:00Z", "2024-06-02T00:00:00Z"),
	}

	out, err := newCurve(t, dir, source, q).Compute(context.Background())
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Len(t, out.Rows[0].Values, 1)
	assert.Equal(t, domain.Float64(11.5), out.Rows[0].Values[0])
}

func TestCompute_SegmentValidityWindowFilters(t *testing.T) {
	dir := t.TempDir()
	// The only segment expired before the request window.
	writeTable(t, dir, "Q_TRE", `from|to|low_val|up_val|A|B|C|K
2020-01-01T00:00:00Z|2021-01-01T00:00:00Z|0|10|1|0|1|0
`)

	source := &fakeSource{series: map[string]domain.Series{
		"P_TRE": heightSeries(sampleRow("2024-06-01T10:00:00Z", 1, 200)),
	}}
	q := domain.Query{
		Procedures:   []string{"Q_TRE"},
		QualityIndex: true,
		Window:       window("2024-06-01T00:00:00Z", "2024-06-02T00:00:00Z"),
	}

	out, err := newCurve(t, dir, source, q).Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Float64(-999.9), out.Rows[0].Values[0])
	assert.Equal(t, domain.Float64(120), out.Rows[0].Values[1])
}

func TestCompute_NoWindowUsesMostRecentSegments(t *testing.T) {
	dir := t.TempDir()
	// Three segments; only the last two apply without a request window. The
	// sample matches the first segment's value range exclusively.
	writeTable(t, dir, "Q_TRE", `from|to|low_val|up_val|A|B|C|K
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|0|2|1|0|1|100
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|2|4|1|0|1|200
2024-01-01T00:00:00Z|2025-01-01T00:00:00Z|4|6|1|0|1|300
`)

	source := &fakeSource{series: map[string]domain.Series{
		"P_TRE": heightSeries(sampleRow("2024-06-01T10:00:00Z", 1, 200)),
	}}
	q := domain.Query{Procedures: []string{"Q_TRE"}, QualityIndex: true}

	out, err := newCurve(t, dir, source, q).Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Float64(-999.9), out.Rows[0].Values[0])
	assert.Equal(t, domain.Float64(120), out.Rows[0].Values[1])
}

func sampleRow(t string, v, qi float64) domain.Row {
	return domain.Row{Time: tt(t), Values: []domain.Value{domain.Float64(v), domain.Float64(qi)}}
}
