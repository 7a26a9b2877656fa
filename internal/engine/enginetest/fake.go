// Package enginetest provides a scriptable engine.Engine for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/gbsc-lab/tilepop/internal/engine"
)

// Behavior scripts how the fake responds for one collection.
type Behavior struct {
	LoadErr   error
	ReduceErr error
	// Values are returned in the order of the request's polygons; ids
	// missing from the map are dropped, as the real engine does for
	// polygons outside the raster extent.
	Values map[string]float64
	// Block makes ReduceRegions wait for ctx to finish.
	Block bool
	// BlockLoad makes Load wait for ctx to finish.
	BlockLoad bool
}

// Fake is a thread-safe scripted engine.
type Fake struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	loads     []string
	reduces   []engine.ReduceRequest
	closed    bool
}

var _ engine.Engine = (*Fake)(nil)

// New returns a Fake with the given behaviors keyed by collection.
func New(behaviors map[string]Behavior) *Fake {
	if behaviors == nil {
		behaviors = make(map[string]Behavior)
	}
	return &Fake{behaviors: behaviors}
}

// Set replaces the behavior for a collection.
func (f *Fake) Set(collection string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[collection] = b
}

type surface struct{ collection string }

func (s surface) ID() string  { return s.collection }
func (s surface) Images() int { return 1 }

// Load implements engine.Engine.
func (f *Fake) Load(ctx context.Context, req engine.LoadRequest) (engine.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.loads = append(f.loads, req.Collection)
	b, ok := f.behaviors[req.Collection]
	f.mu.Unlock()

	if b.BlockLoad {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, eris.Errorf("enginetest: unknown collection %q", req.Collection)
	}
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	return surface{collection: req.Collection}, nil
}

// ReduceRegions implements engine.Engine.
func (f *Fake) ReduceRegions(ctx context.Context, req engine.ReduceRequest) ([]engine.RegionValue, error) {
	f.mu.Lock()
	f.reduces = append(f.reduces, req)
	b := f.behaviors[req.Surface.ID()]
	f.mu.Unlock()

	if b.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.ReduceErr != nil {
		return nil, b.ReduceErr
	}

	out := make([]engine.RegionValue, 0, len(b.Values))
	for _, p := range req.Polygons.Polygons {
		if v, ok := b.Values[p.ID]; ok {
			out = append(out, engine.RegionValue{ID: p.ID, Value: v})
		}
	}
	return out, nil
}

// Close implements engine.Engine.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Loads returns the collections passed to Load, in call order.
func (f *Fake) Loads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

// Reduces returns the reduce requests seen, in call order.
func (f *Fake) Reduces() []engine.ReduceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ReduceRequest(nil), f.reduces...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
