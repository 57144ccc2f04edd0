package domain

import "time"

// ProcedureKind classifies how a procedure produces its observations.
type ProcedureKind string

const (
	KindFixedPoint    ProcedureKind = "insitu-fixed-point"
	KindMobilePoint   ProcedureKind = "insitu-mobile-point"
	KindFixedSpecimen ProcedureKind = "insitu-fixed-specimen"
	KindVirtual       ProcedureKind = "virtual"
)

// Valid reports whether k is one of the registered procedure kinds.
func (k ProcedureKind) Valid() bool {
	switch k {
	case KindFixedPoint, KindMobilePoint, KindFixedSpecimen, KindVirtual:
		return true
	}
	return false
}

// ObservedProperty is a measured or derived variable with a unit of measure.
// Definition is the URI-like identifier used in requests and column headers.
type ObservedProperty struct {
	Definition string
	Name       string
	UOM        string
}

// Point is a location in the feature-of-interest coordinate system.
// Z is the reference elevation used by profile depth computation.
type Point struct {
	X float64
	Y float64
	Z float64
}

// SamplingInterval is the time span over which a procedure has data.
// Either bound may be nil when the procedure has not declared it.
type SamplingInterval struct {
	Begin *time.Time
	End   *time.Time
}

// Defined reports whether both bounds are set.
func (s SamplingInterval) Defined() bool {
	return s.Begin != nil && s.End != nil
}

// Undefined reports whether neither bound is set.
func (s SamplingInterval) Undefined() bool {
	return s.Begin == nil && s.End == nil
}

// Procedure is a registered sensor or computed data source. Instances are
// read-only to the engine; registration happens elsewhere.
type Procedure struct {
	Name               string
	DisplayName        string
	Kind               ProcedureKind
	SamplingTime       SamplingInterval
	Location           Point
	ObservedProperties []ObservedProperty
}

// IsVirtual reports whether observations must be derived rather than fetched.
func (p Procedure) IsVirtual() bool {
	return p.Kind == KindVirtual
}
