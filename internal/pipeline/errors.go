package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLoadPolygons matches every *PolygonLoadError.
	ErrLoadPolygons = errors.New("pipeline: load polygons")
	// ErrNoDatasets is returned for a plan without fallback chains.
	ErrNoDatasets = errors.New("pipeline: no datasets selected")
)

// PolygonLoadError reports that the tile asset could not be loaded or
// failed validation. The run stops before any aggregation.
type PolygonLoadError struct {
	Asset string
	Err   error
}

func (e *PolygonLoadError) Error() string {
	return fmt.Sprintf("pipeline: load polygons from %q: %v", e.Asset, e.Err)
}

func (e *PolygonLoadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLoadPolygons) true.
func (e *PolygonLoadError) Is(target error) bool { return target == ErrLoadPolygons }

// NoDataError reports that every dataset exhausted its fallback chain.
// Errors holds one *resolve.ExhaustedError per dataset in plan order.
type NoDataError struct {
	Errors []error
}

func (e *NoDataError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("pipeline: no dataset produced data (%d failed): %s", len(e.Errors), strings.Join(parts, " | "))
}

func (e *NoDataError) Unwrap() []error { return e.Errors }
