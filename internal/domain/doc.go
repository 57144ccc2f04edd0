// Package domain models the observation-retrieval core of a Sensor
// Observation Service (SOS).
//
// # Procedures
//
// A procedure is a named data source producing one or more observed
// properties over time. Physical procedures (fixed point, mobile point,
// fixed specimen) have their measurements stored directly. Virtual
// procedures compute their observations from one or more other procedures;
// a virtual procedure may itself depend on further virtual procedures
// (cascading derivation).
//
// # Series layout
//
// A Series is a tabular result: one timestamp per row plus one value column
// per observed property, in declaration order. When quality reporting is
// enabled every property column is followed by a paired quality-index column
// whose definition carries the ":qualityIndex" suffix.
//
// # Quality index codes
//
// Quality codes describe the trust level of a value:
//
//	100  raw, full confidence (synthetic columns emit this)
//	110  raw but rejected (below the low-data threshold)
//	120  not applicable (missing input, or no calibration segment matched)
//
// Higher codes assigned by manual validation workflows pass through the
// engine untouched; the rating-curve transform never upgrades or downgrades
// an upstream flag on a successfully transformed value.
//
// # Rating-curve tables
//
// Rating-curve (".rcv") files are pipe-delimited with a header row naming the
// columns from, to, low_val, up_val, A, B, C, K in any order. Each data row
// is one piecewise power-law segment
//
//	output = K + A * (input - B)^C
//
// valid for timestamps in (from, to] and input values in [low_val, up_val).
// The first segment in table order that matches both ranges wins.
//
// # No-data sentinels
//
// -999.9 is the fixed sentinel emitted by the rating-curve transform for
// unusable samples. The temporal aggregator substitutes independently
// configurable sentinels for empty buckets: one for ordinary columns and one
// for quality-index columns.
package domain
