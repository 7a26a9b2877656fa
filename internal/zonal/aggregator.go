// Package zonal aggregates one raster source over a polygon set through the
// raster engine and normalises the result into a ResultTable.
package zonal

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/engine"
	"github.com/gbsc-lab/tilepop/internal/model"
	"github.com/gbsc-lab/tilepop/internal/resilience"
)

// DefaultCallTimeout bounds each engine call.
const DefaultCallTimeout = 5 * time.Minute

// Input validation failures. These are caller bugs and never advance a
// fallback chain.
var (
	ErrInvalidScale = errors.New("zonal: scale must be a positive number of meters")
	ErrNoPolygons   = errors.New("zonal: polygon set is empty")
)

// Aggregator is a thin adapter over engine.Engine.
type Aggregator struct {
	engine      engine.Engine
	callTimeout time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// New creates an Aggregator over eng.
func New(eng engine.Engine, opts ...Option) *Aggregator {
	a := &Aggregator{engine: eng, callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate sums src over every polygon at the given scale (meters).
// Load failures come back as *resilience.SourceUnavailableError and
// reduction failures as *resilience.TransientComputeError. A call that runs
// past the call timeout is a TransientComputeError in either phase.
// Cancellation of ctx itself is returned as is.
func (a *Aggregator) Aggregate(ctx context.Context, src model.RasterSource, polygons *model.PolygonSet, scale float64) (*model.ResultTable, error) {
	if scale <= 0 {
		return nil, ErrInvalidScale
	}
	if polygons.Len() == 0 {
		return nil, ErrNoPolygons
	}

	log := zap.L().With(
		zap.String("component", "zonal"),
		zap.String("source", src.ID()),
	)

	surface, err := a.load(ctx, src)
	if err != nil {
		return nil, err
	}
	log.Debug("surface loaded", zap.String("surface", surface.ID()), zap.Int("images", surface.Images()))

	values, err := a.reduce(ctx, src, surface, polygons, scale)
	if err != nil {
		return nil, err
	}

	table, err := buildTable(src, polygons, values)
	if err != nil {
		return nil, err
	}

	if dropped := table.Dropped(); dropped > 0 {
		log.Warn("engine dropped polygons outside the raster extent",
			zap.Int("input", table.InputCount),
			zap.Int("returned", table.Len()),
			zap.Int("dropped", dropped),
		)
	}
	log.Info("aggregation complete", zap.Int("rows", table.Len()), zap.Float64("total", table.Total()))

	return table, nil
}

func (a *Aggregator) load(ctx context.Context, src model.RasterSource) (engine.Surface, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	surface, err := a.engine.Load(callCtx, engine.LoadRequestFor(src))
	if err == nil {
		return surface, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if resilience.IsFallback(err) {
		return nil, err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, resilience.NewTransientCompute(src.ID(), eris.Wrap(err, "zonal: load timed out"), 0)
	}
	return nil, resilience.NewSourceUnavailable(src.ID(), eris.Wrap(err, "zonal: load"), 0)
}

func (a *Aggregator) reduce(ctx context.Context, src model.RasterSource, surface engine.Surface, polygons *model.PolygonSet, scale float64) ([]engine.RegionValue, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	values, err := a.engine.ReduceRegions(callCtx, engine.ReduceRequest{
		Surface:     surface,
		Polygons:    polygons,
		Reducer:     engine.ReducerSum,
		Scale:       scale,
		TileScale:   src.TileScale,
		ClampPixels: src.Clamp == model.ClampPixel,
		Unweighted:  src.Unweighted,
	})
	if err == nil {
		return values, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if resilience.IsFallback(err) {
		return nil, err
	}
	return nil, resilience.NewTransientCompute(src.ID(), eris.Wrap(err, "zonal: reduce regions"), 0)
}

// buildTable attaches geometry to the engine's values in engine order,
// floors negative sums and skips ids the polygon set does not know.
func buildTable(src model.RasterSource, polygons *model.PolygonSet, values []engine.RegionValue) (*model.ResultTable, error) {
	index := polygons.ByID()
	table := &model.ResultTable{
		Source:     src,
		InputCount: polygons.Len(),
		Rows:       make([]model.AggregateRow, 0, len(values)),
	}

	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		p, ok := index[v.ID]
		if !ok {
			zap.L().Warn("zonal: engine returned unknown polygon id", zap.String("source", src.ID()), zap.String("id", v.ID))
			continue
		}
		if _, dup := seen[v.ID]; dup {
			continue
		}
		seen[v.ID] = struct{}{}

		key, err := model.GeometryKey(p.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "zonal: geometry key for %s", p.ID)
		}
		table.Rows = append(table.Rows, model.AggregateRow{
			ID:          p.ID,
			Geometry:    p.Geometry,
			GeometryKey: key,
			Value:       model.NonNegative(v.Value),
		})
	}
	return table, nil
}
