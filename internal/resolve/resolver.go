// Package resolve walks a fallback chain of raster sources until one
// aggregates successfully.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/model"
	"github.com/gbsc-lab/tilepop/internal/resilience"
)

// ErrAllSourcesExhausted matches every *ExhaustedError via errors.Is.
var ErrAllSourcesExhausted = errors.New("all sources exhausted")

// ErrEmptyChain is returned for a chain with no candidates.
var ErrEmptyChain = errors.New("resolve: fallback chain has no candidates")

// Aggregator is the per-source aggregation step (zonal.Aggregator).
type Aggregator interface {
	Aggregate(ctx context.Context, src model.RasterSource, polygons *model.PolygonSet, scale float64) (*model.ResultTable, error)
}

// Attempt is one failed candidate.
type Attempt struct {
	Position int
	Source   model.RasterSource
	Kind     string
	Err      error
	Duration time.Duration
}

// Resolution is the outcome of a successful chain walk.
type Resolution struct {
	Dataset  string
	Label    string
	Table    *model.ResultTable
	Source   model.RasterSource
	Position int
	Duration time.Duration
	Failures []Attempt
}

// ExhaustedError reports that every candidate failed. Attempts are in chain order.
type ExhaustedError struct {
	Dataset  string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: all %d sources exhausted", e.Dataset, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; [%d] %s (%s): %v", a.Position+1, a.Source.ID(), a.Kind, a.Err)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrAllSourcesExhausted) true.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllSourcesExhausted
}

// Resolver applies the fallback policy. It keeps no state between calls.
type Resolver struct {
	agg Aggregator
}

// New creates a Resolver over agg.
func New(agg Aggregator) *Resolver {
	return &Resolver{agg: agg}
}

// Resolve tries each candidate in order and returns the first success
// unchanged. SourceUnavailable and TransientComputeFailure advance the
// chain; any other error (bad input, cancellation) stops it immediately.
func (r *Resolver) Resolve(ctx context.Context, chain model.FallbackChain, polygons *model.PolygonSet) (*Resolution, error) {
	if len(chain.Candidates) == 0 {
		return nil, ErrEmptyChain
	}

	log := zap.L().With(
		zap.String("component", "resolve"),
		zap.String("dataset", chain.Dataset),
	)

	var failures []Attempt
	for i, src := range chain.Candidates {
		start := time.Now()
		log.Info("trying source",
			zap.Int("position", i+1),
			zap.Int("candidates", len(chain.Candidates)),
			zap.String("source", src.ID()),
			zap.String("descriptor", src.String()),
		)

		table, err := r.agg.Aggregate(ctx, src, polygons, src.Scale)
		elapsed := time.Since(start)
		if err == nil {
			if len(failures) > 0 {
				log.Info("resolved after fallback",
					zap.String("source", src.ID()),
					zap.Int("failed_before", len(failures)),
				)
			}
			return &Resolution{
				Dataset:  chain.Dataset,
				Label:    chain.Label,
				Table:    table,
				Source:   src,
				Position: i,
				Duration: elapsed,
				Failures: failures,
			}, nil
		}

		if !resilience.IsFallback(err) {
			return nil, err
		}

		a := Attempt{
			Position: i,
			Source:   src,
			Kind:     resilience.Kind(err),
			Err:      err,
			Duration: elapsed,
		}
		failures = append(failures, a)
		log.Warn("source failed, trying next candidate",
			zap.String("source", src.ID()),
			zap.String("kind", a.Kind),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}

	exhausted := &ExhaustedError{Dataset: chain.Dataset, Attempts: failures}
	log.Error("all sources exhausted", zap.Int("attempts", len(failures)), zap.Error(exhausted))
	return nil, exhausted
}
