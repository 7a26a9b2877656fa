package model

import (
	"fmt"
	"time"
)

// SourceKind distinguishes a single raster image from a time-sliced collection.
type SourceKind string

const (
	SourceKindImage      SourceKind = "image"
	SourceKindCollection SourceKind = "collection"
)

// ClampPolicy controls where negative no-data sentinels are floored to zero.
type ClampPolicy string

const (
	// ClampSum floors the per-polygon sum after reduction.
	ClampSum ClampPolicy = "sum"
	// ClampPixel floors every cell before reduction.
	ClampPixel ClampPolicy = "pixel"
)

// RasterSource describes one candidate population raster.
type RasterSource struct {
	Name       string      `json:"name" yaml:"name"`
	Collection string      `json:"collection" yaml:"collection"`
	Kind       SourceKind  `json:"kind" yaml:"kind"`
	Start      time.Time   `json:"start,omitempty" yaml:"-"`
	End        time.Time   `json:"end,omitempty" yaml:"-"`
	Band       string      `json:"band,omitempty" yaml:"band"`
	Scale      float64     `json:"scale" yaml:"scale"`
	TileScale  int         `json:"tile_scale,omitempty" yaml:"tile_scale"`
	Clamp      ClampPolicy `json:"clamp,omitempty" yaml:"clamp"`
	Unweighted bool        `json:"unweighted,omitempty" yaml:"unweighted"`
}

// ID returns the handle used in logs and failure reports.
func (s RasterSource) ID() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Collection
}

// HasTemporalFilter reports whether a start or end date is set.
func (s RasterSource) HasTemporalFilter() bool {
	return !s.Start.IsZero() || !s.End.IsZero()
}

// String renders the descriptor for diagnostics.
func (s RasterSource) String() string {
	out := s.Collection
	if s.Band != "" {
		out += "[" + s.Band + "]"
	}
	if s.HasTemporalFilter() {
		out += fmt.Sprintf(" %s..%s", formatDate(s.Start), formatDate(s.End))
	}
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.Format(time.DateOnly)
}

// FallbackChain is an ordered list of interchangeable sources for one dataset.
// The first candidate that loads and aggregates wins.
type FallbackChain struct {
	Dataset    string         `json:"dataset"`
	Label      string         `json:"label"`
	Candidates []RasterSource `json:"candidates"`
}
