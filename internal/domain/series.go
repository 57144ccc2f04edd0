package domain

import (
	"sort"
	"strings"
	"time"
)

// QualityIndexSuffix marks a column as a quality-index column. The temporal
// aggregator keys its reduction choice off this suffix.
const QualityIndexSuffix = ":qualityIndex"

// Column describes one value column of a Series.
type Column struct {
	Definition string
	Name       string
	UOM        string
}

// IsQualityIndex reports whether the column carries quality codes rather
// than measured values.
func (c Column) IsQualityIndex() bool {
	return strings.HasSuffix(c.Definition, QualityIndexSuffix)
}

// QualityColumn derives the paired quality-index column for a property column.
func (c Column) QualityColumn() Column {
	return Column{
		Definition: c.Definition + QualityIndexSuffix,
		Name:       c.Name + QualityIndexSuffix,
		UOM:        "-",
	}
}

// Value is one cell of a Series row. Valid is false when the store returned
// no measurement for the cell (SQL NULL or a gap in a joined column).
type Value struct {
	Float float64
	Valid bool
}

// Float64 wraps a present value.
func Float64(v float64) Value {
	return Value{Float: v, Valid: true}
}

// NoValue is an absent cell.
func NoValue() Value {
	return Value{}
}

// Row is one timestamped record of a Series.
type Row struct {
	Time   time.Time
	Values []Value
}

// Series is the tabular hand-off artifact produced by the engine: rows
// ordered by non-decreasing timestamp, one Value per Column per row.
type Series struct {
	Columns []Column
	Rows    []Row
}

// Width is the number of value columns (the timestamp is not counted).
func (s Series) Width() int {
	return len(s.Columns)
}

// SortByTime stably orders rows by ascending timestamp.
func (s *Series) SortByTime() {
	sort.SliceStable(s.Rows, func(i, j int) bool {
		return s.Rows[i].Time.Before(s.Rows[j].Time)
	})
}
