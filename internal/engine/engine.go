// Package engine defines the contract of the raster computation engine that
// performs zonal reductions. Implementations live in subpackages.
package engine

import (
	"context"
	"time"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// ReducerSum is the only reducer the pipeline requests.
const ReducerSum = "sum"

// LoadRequest selects a raster surface: one image, or a collection filtered
// by date and mosaicked last-write-wins.
type LoadRequest struct {
	Collection string
	Kind       model.SourceKind
	Start      time.Time
	End        time.Time
	Band       string
}

// LoadRequestFor builds a LoadRequest from a source descriptor.
func LoadRequestFor(src model.RasterSource) LoadRequest {
	return LoadRequest{
		Collection: src.Collection,
		Kind:       src.Kind,
		Start:      src.Start,
		End:        src.End,
		Band:       src.Band,
	}
}

// Surface is a loaded raster handle. It is only meaningful to the engine
// that produced it.
type Surface interface {
	ID() string
	// Images is the number of images composited into the surface.
	Images() int
}

// ReduceRequest asks for one reduction of a surface over a polygon set.
type ReduceRequest struct {
	Surface     Surface
	Polygons    *model.PolygonSet
	Reducer     string
	Scale       float64
	TileScale   int
	ClampPixels bool
	Unweighted  bool
}

// RegionValue is the reducer output for one polygon.
type RegionValue struct {
	ID    string
	Value float64
}

// Engine is the external raster computation engine. Polygons that do not
// intersect the surface's extent may be absent from ReduceRegions output.
type Engine interface {
	Load(ctx context.Context, req LoadRequest) (Surface, error)
	ReduceRegions(ctx context.Context, req ReduceRequest) ([]RegionValue, error)
	Close() error
}
