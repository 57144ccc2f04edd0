// Package aggregate buckets raw observation series into fixed time windows
// and reduces each window with a selectable function. It is invoked
// identically for physical and derived series; it has no awareness of where
// its input came from.
package aggregate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sosodev/duration"

	"github.com/hydrometrix/sos-engine/internal/domain"
)

// Func is a bucket reduction function.
type Func string

const (
	FuncSum   Func = "SUM"
	FuncMax   Func = "MAX"
	FuncMin   Func = "MIN"
	FuncAvg   Func = "AVG"
	FuncCount Func = "COUNT"
)

// ParseFunc normalizes and validates a reduction function name.
func ParseFunc(s string) (Func, error) {
	f := Func(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FuncSum, FuncMax, FuncMin, FuncAvg, FuncCount:
		return f, nil
	}
	return "", &domain.AggregationError{Reason: fmt.Sprintf("unknown function %q", s)}
}

// Interval is a parsed ISO-8601 duration. Calendar components (years,
// months) step with calendar arithmetic; the rest as fixed elapsed time.
type Interval struct {
	raw string
	d   *duration.Duration
}

// ParseInterval parses an ISO-8601 duration such as "PT1H" or "P1M".
func ParseInterval(s string) (Interval, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return Interval{}, &domain.AggregationError{Reason: fmt.Sprintf("invalid interval %q", s), Err: err}
	}
	iv := Interval{raw: s, d: d}
	if !iv.AddTo(time.Unix(0, 0).UTC()).After(time.Unix(0, 0).UTC()) {
		return Interval{}, &domain.AggregationError{Reason: fmt.Sprintf("interval %q does not advance time", s)}
	}
	return iv, nil
}

// String returns the original ISO-8601 text.
func (iv Interval) String() string {
	return iv.raw
}

// AddTo advances t by one interval.
func (iv Interval) AddTo(t time.Time) time.Time {
	t = t.AddDate(int(iv.d.Years), int(iv.d.Months), int(iv.d.Weeks)*7+int(iv.d.Days))
	secs := iv.d.Hours*3600 + iv.d.Minutes*60 + iv.d.Seconds
	if secs != 0 {
		t = t.Add(time.Duration(secs * float64(time.Second)))
	}
	return t
}

// Spec is a validated aggregation request.
type Spec struct {
	Interval Interval
	Function Func
	NoData   float64
	NoDataQI int
}

// NewSpec validates a request-level aggregation spec.
func NewSpec(req domain.AggregationSpec) (Spec, error) {
	iv, err := ParseInterval(req.Interval)
	if err != nil {
		return Spec{}, err
	}
	fn, err := ParseFunc(req.Function)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Interval: iv, Function: fn, NoData: req.NoData, NoDataQI: req.NoDataQI}, nil
}

// Apply buckets s into windows (begin, begin+i], (begin+i, begin+2i], ...
// while each window's lower edge is before end, and reduces every window.
// A sample falling exactly on a bucket edge belongs to the earlier bucket.
// A partial trailing bucket that opens before end is still produced.
//
// Rows must be ordered by non-decreasing timestamp; the pass is a single
// two-pointer sweep, so the input is never mutated.
func Apply(s domain.Series, begin, end time.Time, spec Spec) (domain.Series, error) {
	if !begin.Before(end) {
		return domain.Series{}, &domain.AggregationError{
			Reason: fmt.Sprintf("window begin %s is not before end %s", begin, end),
		}
	}

	out := domain.Series{Columns: s.Columns}
	rows := s.Rows
	idx := 0

	for lo := begin; lo.Before(end); {
		hi := spec.Interval.AddTo(lo)

		// Skip samples at or before the lower edge; a sample exactly on the
		// edge was already claimed by the previous bucket.
		for idx < len(rows) && !rows[idx].Time.After(lo) {
			idx++
		}

		bucket := make([][]float64, s.Width())
		for idx < len(rows) && !rows[idx].Time.After(hi) {
			for c, v := range rows[idx].Values {
				if c >= len(bucket) {
					break
				}
				if v.Valid {
					bucket[c] = append(bucket[c], v.Float)
				}
			}
			idx++
		}

		rec := domain.Row{Time: hi, Values: make([]domain.Value, s.Width())}
		for c := range bucket {
			if s.Columns[c].IsQualityIndex() {
				rec.Values[c] = reduceQuality(bucket[c], spec.NoDataQI)
			} else {
				rec.Values[c] = reduce(bucket[c], spec.Function, spec.NoData)
			}
		}
		out.Rows = append(out.Rows, rec)

		lo = hi
	}

	return out, nil
}

// reduceQuality takes the minimum quality code present in the bucket, or the
// quality no-data sentinel when the bucket is empty.
func reduceQuality(vals []float64, nodata int) domain.Value {
	if len(vals) == 0 {
		return domain.Float64(float64(nodata))
	}
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return domain.Float64(math.Trunc(min))
}

func reduce(vals []float64, fn Func, nodata float64) domain.Value {
	if fn == FuncCount {
		// COUNT ignores the no-data policy and counts present samples.
		return domain.Float64(float64(len(vals)))
	}
	if len(vals) == 0 {
		return domain.Float64(nodata)
	}

	switch fn {
	case FuncSum:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return domain.Float64(sum)
	case FuncMax:
		max := vals[0]
		for _, v := range vals[1:] {
			if v > max {
				max = v
			}
		}
		return domain.Float64(max)
	case FuncMin:
		min := vals[0]
		for _, v := range vals[1:] {
			if v < min {
				min = v
			}
		}
		return domain.Float64(min)
	case FuncAvg:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return domain.Float64(round4(sum / float64(len(vals))))
	}
	// Unreachable for validated specs.
	return domain.NoValue()
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
