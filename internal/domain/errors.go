package domain

import (
	"fmt"
	"strings"
)

// ProcedureNotFoundError reports a request naming an unregistered procedure.
// It surfaces as an invalid-parameter condition, not a server failure.
type ProcedureNotFoundError struct {
	Name string
}

func (e *ProcedureNotFoundError) Error() string {
	return fmt.Sprintf("procedure %q not found", e.Name)
}

// DependencyNotFoundError reports unresolvable dependencies of a virtual
// procedure. All missing names are collected before failing so one round
// trip tells the operator everything that is broken.
type DependencyNotFoundError struct {
	Derivation string
	Missing    []string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("virtual procedure %q: dependencies not found: %s",
		e.Derivation, strings.Join(e.Missing, ", "))
}

// DependencyCycleError reports a virtual procedure that depends, directly or
// transitively, on itself. Path lists the names along the cycle.
type DependencyCycleError struct {
	Path []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("virtual procedure dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// CalibrationFormatError reports a missing or malformed rating-curve table.
type CalibrationFormatError struct {
	Path   string
	Reason string
}

func (e *CalibrationFormatError) Error() string {
	return fmt.Sprintf("rating curve table %s: %s", e.Path, e.Reason)
}

// CompositionMismatchError reports a profile series whose row width does not
// match the requested observed-property count.
type CompositionMismatchError struct {
	Derivation string
	Want       int
	Got        int
}

func (e *CompositionMismatchError) Error() string {
	return fmt.Sprintf("profile %q: observed property count %d does not match row width %d",
		e.Derivation, e.Want, e.Got)
}

// DerivationError wraps any failure inside a concrete derivation, keeping
// the originating derivation name attached for the response layer.
type DerivationError struct {
	Derivation string
	Err        error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("virtual procedure %q: %v", e.Derivation, e.Err)
}

func (e *DerivationError) Unwrap() error {
	return e.Err
}

// AggregationError reports an invalid aggregation interval or function.
type AggregationError struct {
	Reason string
	Err    error
}

func (e *AggregationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aggregation: %s: %v", e.Reason, e.Err)
	}
	return "aggregation: " + e.Reason
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}
