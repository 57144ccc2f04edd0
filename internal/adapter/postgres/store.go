// Package postgres implements the catalog and series source on the SOS
// relational schema. All queries are read-only and parameterized; the schema
// name is the only identifier spliced into SQL, and it is always quoted.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hydrometrix/sos-engine/internal/domain"
)

// Store answers catalog and measurement queries against one schema.
type Store struct {
	db     *sql.DB
	schema string
	logger *slog.Logger
}

// New wraps an open database handle. The caller owns the handle's lifecycle.
func New(db *sql.DB, schema string, logger *slog.Logger) *Store {
	if schema == "" {
		schema = "istsos"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, schema: schema, logger: logger}
}

// CheckReadiness reports whether the database accepts connections.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) table(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + name
}

// Describe returns the procedure's metadata or a *ProcedureNotFoundError.
func (s *Store) Describe(ctx context.Context, name string) (domain.Procedure, error) {
	query := fmt.Sprintf(`
		SELECT name_prc, name_oty, stime_prc, etime_prc,
			st_x(geom_foi), st_y(geom_foi), st_z(geom_foi)
		FROM %s
		JOIN %s ON id_oty = id_oty_fk
		JOIN %s ON id_foi = id_foi_fk
		WHERE name_prc = $1`,
		s.table("procedures"), s.table("obs_type"), s.table("foi"))

	var (
		p          domain.Procedure
		kind       string
		begin, end sql.NullTime
		x, y, z    sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&p.Name, &kind, &begin, &end, &x, &y, &z)
	if err == sql.ErrNoRows {
		return domain.Procedure{}, &domain.ProcedureNotFoundError{Name: name}
	}
	if err != nil {
		return domain.Procedure{}, fmt.Errorf("describe procedure %q: %w", name, err)
	}

	p.DisplayName = p.Name
	p.Kind = domain.ProcedureKind(kind)
	if begin.Valid {
		t := begin.Time.UTC()
		p.SamplingTime.Begin = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		p.SamplingTime.End = &t
	}
	p.Location = domain.Point{X: x.Float64, Y: y.Float64, Z: z.Float64}

	props, err := s.observedProperties(ctx, name)
	if err != nil {
		return domain.Procedure{}, err
	}
	p.ObservedProperties = props
	return p, nil
}

func (s *Store) observedProperties(ctx context.Context, procedure string) ([]domain.ObservedProperty, error) {
	query := fmt.Sprintf(`
		SELECT def_opr, name_opr, name_uom
		FROM %s po
		JOIN %s ON id_prc = po.id_prc_fk
		JOIN %s ON id_opr = po.id_opr_fk
		JOIN %s ON id_uom = po.id_uom_fk
		WHERE name_prc = $1
		ORDER BY po.id_pro`,
		s.table("proc_obs"), s.table("procedures"),
		s.table("observed_properties"), s.table("uoms"))

	rows, err := s.db.QueryContext(ctx, query, procedure)
	if err != nil {
		return nil, fmt.Errorf("observed properties of %q: %w", procedure, err)
	}
	defer rows.Close()

	var props []domain.ObservedProperty
	for rows.Next() {
		var p domain.ObservedProperty
		if err := rows.Scan(&p.Definition, &p.Name, &p.UOM); err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// Exists reports whether a procedure is registered.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE name_prc = $1)`,
		s.table("procedures"))
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("procedure exists %q: %w", name, err)
	}
	return ok, nil
}

// GroupMembers lists the procedures feeding an offering, excluding the named
// procedure, ordered by descending elevation.
func (s *Store) GroupMembers(ctx context.Context, offering, exclude string) ([]domain.GroupMember, error) {
	query := fmt.Sprintf(`
		SELECT name_prc, st_z(geom_foi),
			array_agg(def_opr ORDER BY po.id_pro)
		FROM %s
		JOIN %s op ON op.id_prc_fk = id_prc
		JOIN %s ON id_off = op.id_off_fk
		JOIN %s ON id_foi = id_foi_fk
		JOIN %s po ON po.id_prc_fk = id_prc
		JOIN %s ON id_opr = po.id_opr_fk
		WHERE name_off = $1 AND name_prc <> $2
		GROUP BY id_prc, name_prc, geom_foi
		ORDER BY st_z(geom_foi) DESC`,
		s.table("procedures"), s.table("off_proc"), s.table("offerings"),
		s.table("foi"), s.table("proc_obs"), s.table("observed_properties"))

	rows, err := s.db.QueryContext(ctx, query, offering, exclude)
	if err != nil {
		return nil, fmt.Errorf("group members of %q: %w", offering, err)
	}
	defer rows.Close()

	var members []domain.GroupMember
	for rows.Next() {
		var m domain.GroupMember
		var z sql.NullFloat64
		if err := rows.Scan(&m.Procedure, &z, pq.Array(&m.ObservedProperties)); err != nil {
			return nil, err
		}
		m.Elevation = z.Float64
		members = append(members, m)
	}
	return members, rows.Err()
}

// FetchSeries returns the raw measurement series for the single procedure the
// query names, one column per matched observed property (plus a paired
// quality column under quality reporting), rows ordered by ascending
// timestamp. Cells missing for a timestamp are absent Values, not zeros.
func (s *Store) FetchSeries(ctx context.Context, q domain.Query) (domain.Series, error) {
	if len(q.Procedures) != 1 {
		return domain.Series{}, fmt.Errorf("series fetch needs exactly one procedure, got %d", len(q.Procedures))
	}
	procedure := q.Procedures[0]

	props, err := s.observedProperties(ctx, procedure)
	if err != nil {
		return domain.Series{}, err
	}
	props = narrowProperties(props, q.ObservedProperties)

	series := domain.Series{}
	for _, p := range props {
		c := domain.Column{Definition: p.Definition, Name: p.Name, UOM: p.UOM}
		series.Columns = append(series.Columns, c)
		if q.QualityIndex {
			series.Columns = append(series.Columns, c.QualityColumn())
		}
	}

	cells := make(map[time.Time][]domain.Value)
	for i, p := range props {
		if err := s.fetchColumn(ctx, procedure, p.Definition, q, i, len(props), cells); err != nil {
			return domain.Series{}, err
		}
	}

	times := make([]time.Time, 0, len(cells))
	for t := range cells {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	for _, t := range times {
		series.Rows = append(series.Rows, domain.Row{Time: t, Values: cells[t]})
	}
	return series, nil
}

// fetchColumn loads one property's measurements into the shared cell map.
func (s *Store) fetchColumn(ctx context.Context, procedure, property string, q domain.Query, col, total int, cells map[time.Time][]domain.Value) error {
	query := fmt.Sprintf(`
		SELECT time_eti, val_msr, id_qi_fk
		FROM %s m
		JOIN %s et ON et.id_eti = m.id_eti_fk
		JOIN %s po ON po.id_pro = m.id_pro_fk
		JOIN %s ON id_prc = et.id_prc_fk
		JOIN %s ON id_opr = po.id_opr_fk
		WHERE name_prc = $1 AND def_opr = $2`,
		s.table("measures"), s.table("event_time"), s.table("proc_obs"),
		s.table("procedures"), s.table("observed_properties"))

	args := []any{procedure, property}
	if q.Window != nil {
		query += fmt.Sprintf(" AND time_eti > $%d AND time_eti <= $%d", len(args)+1, len(args)+2)
		args = append(args, q.Window.Begin, q.Window.End)
	}
	query += " ORDER BY time_eti"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fetch %q of %q: %w", property, procedure, err)
	}
	defer rows.Close()

	width := total
	if q.QualityIndex {
		width = total * 2
	}

	for rows.Next() {
		var (
			ts  time.Time
			val sql.NullFloat64
			qi  sql.NullInt64
		)
		if err := rows.Scan(&ts, &val, &qi); err != nil {
			return err
		}
		ts = ts.UTC()

		row, ok := cells[ts]
		if !ok {
			row = make([]domain.Value, width)
			cells[ts] = row
		}

		idx := col
		if q.QualityIndex {
			idx = col * 2
		}
		if val.Valid {
			row[idx] = domain.Float64(val.Float64)
		}
		if q.QualityIndex && qi.Valid {
			row[idx+1] = domain.Float64(float64(qi.Int64))
		}
	}
	return rows.Err()
}

// narrowProperties keeps the registered properties matching the requested
// definitions, in request order. Requests may use abbreviated definitions.
func narrowProperties(props []domain.ObservedProperty, requested []string) []domain.ObservedProperty {
	if len(requested) == 0 {
		return props
	}
	var out []domain.ObservedProperty
	for _, req := range requested {
		if strings.HasSuffix(req, domain.QualityIndexSuffix) {
			continue
		}
		for _, p := range props {
			if p.Definition == req || strings.Contains(p.Definition, req) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
