package virtual

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/hydrometrix/sos-engine/internal/domain"
)

// KindProfile is the registry kind for depth-profile composition.
const KindProfile = "profile"

// qiFullConfidence is the synthetic quality code attached to the computed
// depth column.
const qiFullConfidence = 100

// Profile composes same-timestamp readings from several depth-located
// procedures sharing an offering into one series with an appended depth
// column. Depth is the absolute difference between the composing
// procedure's reference elevation and each member's elevation.
type Profile struct {
	Base
	offeringDecl string
}

// NewProfile creates an unconfigured profile derivation. An empty offering
// falls back to the request's offering at configuration time.
func NewProfile(offering string) *Profile {
	return &Profile{offeringDecl: offering}
}

func (p *Profile) Configure(cfg Config) error {
	if err := p.Base.Configure(cfg); err != nil {
		return err
	}
	offering := p.offeringDecl
	if offering == "" {
		offering = cfg.Query.Offering
	}
	p.DeclareOffering(offering)
	return nil
}

// Compute fetches every member procedure whose observed properties
// intersect the requested set, appends the member's computed depth (and,
// under quality reporting, a full-confidence code) to each of its rows, and
// orders the concatenation by ascending timestamp with ties broken by
// descending quality (or descending primary value without quality
// reporting) so the best duplicate-timestamp sample sorts first. Rows are
// never deduplicated.
func (p *Profile) Compute(ctx context.Context) (domain.Series, error) {
	members := p.members
	if members == nil {
		var err error
		members, err = p.cfg.Catalog.GroupMembers(ctx, p.Offering(), p.cfg.Name)
		if err != nil {
			return domain.Series{}, err
		}
	}

	requested := p.cfg.Query.ObservedProperties
	out := domain.Series{Columns: p.cfg.Columns}

	for _, m := range members {
		props := intersect(requested, m.ObservedProperties)
		if len(props) == 0 {
			continue
		}
		p.Declare(m.Procedure, props...)

		series, err := p.Fetch(ctx, m.Procedure)
		if err != nil {
			return domain.Series{}, err
		}

		depth := math.Round(math.Abs(p.cfg.Location.Z-m.Elevation)*10) / 10
		for _, row := range series.Rows {
			values := append(append([]domain.Value(nil), row.Values...), domain.Float64(depth))
			if p.cfg.Query.QualityIndex {
				values = append(values, domain.Float64(qiFullConfidence))
			}
			out.Rows = append(out.Rows, domain.Row{Time: row.Time, Values: values})
		}

		if len(out.Columns) == 0 {
			out.Columns = profileColumns(series.Columns, p.cfg.Query.QualityIndex)
		}
	}

	p.sortRows(&out)

	want := len(out.Columns)
	for _, row := range out.Rows {
		if len(row.Values) != want {
			return domain.Series{}, &domain.CompositionMismatchError{
				Derivation: p.cfg.Name,
				Want:       want,
				Got:        len(row.Values),
			}
		}
	}
	return out, nil
}

// sortRows orders by timestamp ascending; duplicate timestamps sort by the
// first quality column descending (quality reporting on) or the first value
// column descending (off).
func (p *Profile) sortRows(s *domain.Series) {
	tie := 0
	if p.cfg.Query.QualityIndex {
		for i, c := range s.Columns {
			if c.IsQualityIndex() {
				tie = i
				break
			}
		}
	}
	sort.SliceStable(s.Rows, func(i, j int) bool {
		a, b := s.Rows[i], s.Rows[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if tie >= len(a.Values) || tie >= len(b.Values) {
			return false
		}
		return a.Values[tie].Float > b.Values[tie].Float
	})
}

// intersect keeps the requested definitions a member actually produces,
// preserving request order. Requested definitions may be abbreviated forms
// of the full URI.
func intersect(requested, available []string) []string {
	var out []string
	for _, req := range requested {
		for _, def := range available {
			if def == req || strings.Contains(def, req) {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// profileColumns derives fallback output columns when the caller supplied
// no presentation properties: the member columns plus the depth column.
func profileColumns(member []domain.Column, qualityIndex bool) []domain.Column {
	depth := domain.Column{Definition: "urn:ogc:def:parameter:x-sos:1.0:depth", Name: "depth", UOM: "m"}
	cols := append(append([]domain.Column(nil), member...), depth)
	if qualityIndex {
		cols = append(cols, depth.QualityColumn())
	}
	return cols
}
