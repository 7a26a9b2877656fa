// Package local is an in-process raster engine over ESRI ASCII grids. It
// honours the same contract as the remote engine and backs offline runs.
package local

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/gbsc-lab/tilepop/internal/engine"
	"github.com/gbsc-lab/tilepop/internal/model"
)

// Load failures.
var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNoImages          = errors.New("no images match the filter")
	ErrBandNotFound      = errors.New("band not found")
	ErrClosed            = errors.New("engine closed")
)

// Image is one dated, single-band grid.
type Image struct {
	Date time.Time
	Band string
	Grid *Grid
}

// Engine is the in-process implementation of engine.Engine. Loading the
// same request twice returns the same surface, so the number of live
// surfaces is bounded by the distinct requests against the catalog.
type Engine struct {
	mu          sync.RWMutex
	collections map[string][]Image
	surfaces    map[string]*surface
	byRequest   map[string]*surface
	closed      bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		collections: make(map[string][]Image),
		surfaces:    make(map[string]*surface),
		byRequest:   make(map[string]*surface),
	}
}

// Register appends img to a collection. Registration order is mosaic order.
// Surfaces already loaded from the collection are released.
func (e *Engine) Register(collection string, img Image) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[collection] = append(e.collections[collection], img)
	for key, s := range e.byRequest {
		if s.collection == collection {
			delete(e.byRequest, key)
			delete(e.surfaces, s.id)
		}
	}
}

// Surfaces returns the number of live surfaces.
func (e *Engine) Surfaces() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.surfaces)
}

// Collections returns the registered collection names.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	return names
}

type surface struct {
	id         string
	collection string
	images     []Image
}

func (s *surface) ID() string  { return s.id }
func (s *surface) Images() int { return len(s.images) }

// at returns the mosaic value at (x, y): the last image with data wins.
func (s *surface) at(x, y float64) (float64, bool) {
	for i := len(s.images) - 1; i >= 0; i-- {
		if v, ok := s.images[i].Grid.At(x, y); ok {
			return v, true
		}
	}
	return 0, false
}

func (s *surface) extent() (xmin, ymin, xmax, ymax float64) {
	xmin, ymin = math.Inf(1), math.Inf(1)
	xmax, ymax = math.Inf(-1), math.Inf(-1)
	for _, img := range s.images {
		xmin = math.Min(xmin, img.Grid.XMin)
		ymin = math.Min(ymin, img.Grid.YMin)
		xmax = math.Max(xmax, img.Grid.XMax())
		ymax = math.Max(ymax, img.Grid.YMax())
	}
	return xmin, ymin, xmax, ymax
}

// Load implements engine.Engine.
func (e *Engine) Load(ctx context.Context, req engine.LoadRequest) (engine.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	images, ok := e.collections[req.Collection]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCollection, "local: %s", req.Collection)
	}
	key := requestKey(req)
	if s, ok := e.byRequest[key]; ok {
		return s, nil
	}

	var matched []Image
	bandSeen := req.Band == ""
	for _, img := range images {
		if req.Band != "" && img.Band != req.Band {
			continue
		}
		bandSeen = true
		if !req.Start.IsZero() && img.Date.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && img.Date.After(req.End) {
			continue
		}
		matched = append(matched, img)
	}
	if !bandSeen {
		return nil, eris.Wrapf(ErrBandNotFound, "local: %s band %q", req.Collection, req.Band)
	}
	if len(matched) == 0 {
		return nil, eris.Wrapf(ErrNoImages, "local: %s", req.Collection)
	}
	if req.Kind == model.SourceKindImage {
		matched = matched[len(matched)-1:]
	}

	s := &surface{id: uuid.NewString(), collection: req.Collection, images: matched}
	e.surfaces[s.id] = s
	e.byRequest[key] = s
	return s, nil
}

func requestKey(req engine.LoadRequest) string {
	date := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(time.DateOnly)
	}
	return strings.Join([]string{req.Collection, string(req.Kind), req.Band, date(req.Start), date(req.End)}, "|")
}

// ReduceRegions implements engine.Engine. Cells are sampled on the lattice of
// the highest-priority image; a cell counts when its center lies inside the
// polygon and outside its holes. Polygons whose bounds miss the surface
// extent are omitted.
func (e *Engine) ReduceRegions(ctx context.Context, req engine.ReduceRequest) ([]engine.RegionValue, error) {
	e.mu.RLock()
	closed := e.closed
	var s *surface
	if req.Surface != nil {
		s = e.surfaces[req.Surface.ID()]
	}
	e.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if s == nil {
		return nil, eris.New("local: surface not loaded by this engine")
	}
	if req.Reducer != "" && req.Reducer != engine.ReducerSum {
		return nil, eris.Errorf("local: unsupported reducer %q", req.Reducer)
	}

	top := s.images[len(s.images)-1].Grid
	exMinX, exMinY, exMaxX, exMaxY := s.extent()

	out := make([]engine.RegionValue, 0, req.Polygons.Len())
	for _, p := range req.Polygons.Polygons {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Geometry == nil {
			continue
		}
		b := p.Geometry.Bounds()
		if b.Max(0) <= exMinX || b.Min(0) >= exMaxX || b.Max(1) <= exMinY || b.Min(1) >= exMaxY {
			continue
		}

		var sum float64
		c0 := int(math.Floor((b.Min(0) - top.XMin) / top.CellSize))
		c1 := int(math.Ceil((b.Max(0) - top.XMin) / top.CellSize))
		r0 := int(math.Floor((b.Min(1) - top.YMin) / top.CellSize))
		r1 := int(math.Ceil((b.Max(1) - top.YMin) / top.CellSize))
		for r := r0; r < r1; r++ {
			y := top.YMin + (float64(r)+0.5)*top.CellSize
			for c := c0; c < c1; c++ {
				x := top.XMin + (float64(c)+0.5)*top.CellSize
				if !contains(p.Geometry, geom.Coord{x, y}) {
					continue
				}
				v, ok := s.at(x, y)
				if !ok {
					continue
				}
				if req.ClampPixels && v < 0 {
					v = 0
				}
				sum += v
			}
		}
		out = append(out, engine.RegionValue{ID: p.ID, Value: sum})
	}
	return out, nil
}

// Close releases all surfaces; later calls fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.surfaces = make(map[string]*surface)
	e.byRequest = make(map[string]*surface)
	return nil
}

func contains(g geom.T, pt geom.Coord) bool {
	switch t := g.(type) {
	case *geom.Polygon:
		return polygonContains(t, pt)
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			if polygonContains(t.Polygon(i), pt) {
				return true
			}
		}
	}
	return false
}

func polygonContains(p *geom.Polygon, pt geom.Coord) bool {
	if p.NumLinearRings() == 0 {
		return false
	}
	if !xy.IsPointInRing(p.Layout(), pt, p.LinearRing(0).FlatCoords()) {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(p.Layout(), pt, p.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}
