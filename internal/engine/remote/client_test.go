package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/gbsc-lab/tilepop/internal/engine"
	"github.com/gbsc-lab/tilepop/internal/model"
	"github.com/gbsc-lab/tilepop/internal/resilience"
)

func testPolygons() *model.PolygonSet {
	sq := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{-84, 9}, {-83.9, 9}, {-83.9, 9.1}, {-84, 9.1}, {-84, 9},
	}})
	return &model.PolygonSet{Polygons: []model.Polygon{
		{ID: "T1", Geometry: sq},
		{ID: "T2", Geometry: sq},
	}}
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient("test-token", WithBaseURL(srv.URL), WithRateLimit(1000))
}

func TestLoad_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/surfaces:load", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body loadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "WorldPop/GP/100m/pop", body.Collection)
		assert.Equal(t, "collection", body.Kind)
		assert.Equal(t, "2020-01-01", body.Start)
		assert.Equal(t, "2020-12-31", body.End)
		assert.Equal(t, "population", body.Band)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(loadResponse{SurfaceID: "srf-1", Images: 3})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	s, err := c.Load(context.Background(), engine.LoadRequest{
		Collection: "WorldPop/GP/100m/pop",
		Kind:       model.SourceKindCollection,
		Start:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
		Band:       "population",
	})
	require.NoError(t, err)
	assert.Equal(t, "srf-1", s.ID())
	assert.Equal(t, 3, s.Images())
}

func TestLoad_NotFoundIsSourceUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"ImageCollection not found: JRC/GHSL/P2023A/POP_MT"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Load(context.Background(), engine.LoadRequest{Collection: "JRC/GHSL/P2023A/POP_MT"})
	require.Error(t, err)
	assert.True(t, resilience.IsSourceUnavailable(err))
	assert.Contains(t, err.Error(), "ImageCollection not found")
}

func TestLoad_EmptySurfaceID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Load(context.Background(), engine.LoadRequest{Collection: "x"})
	assert.True(t, resilience.IsSourceUnavailable(err))
}

func TestReduceRegions_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/surfaces/srf-1:reduceRegions", r.URL.Path)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body struct {
			Reducer   string  `json:"reducer"`
			Scale     float64 `json:"scale"`
			TileScale int     `json:"tile_scale"`
			Features  struct {
				Type     string `json:"type"`
				Features []struct {
					ID       string          `json:"id"`
					Geometry json.RawMessage `json:"geometry"`
				} `json:"features"`
			} `json:"features"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "sum", body.Reducer)
		assert.Equal(t, 100.0, body.Scale)
		assert.Equal(t, 4, body.TileScale)
		assert.Equal(t, "FeatureCollection", body.Features.Type)
		require.Len(t, body.Features.Features, 2)
		assert.Equal(t, "T1", body.Features.Features[0].ID)
		assert.Contains(t, string(body.Features.Features[0].Geometry), "Polygon")

		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[
			{"type":"Feature","id":"T1","properties":{"id":"T1","sum":100.5}},
			{"type":"Feature","properties":{"id":"T2","sum":null}},
			{"type":"Feature","id":7,"properties":{"sum":1}},
			{"type":"Feature","properties":{"sum":3}}
		]}`))
	}))
	defer srv.Close()

	vals, err := newTestClient(srv).ReduceRegions(context.Background(), engine.ReduceRequest{
		Surface:   &surface{id: "srf-1"},
		Polygons:  testPolygons(),
		Scale:     100,
		TileScale: 4,
	})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.Equal(t, engine.RegionValue{ID: "T1", Value: 100.5}, vals[0])
	assert.Equal(t, engine.RegionValue{ID: "T2", Value: 0}, vals[1])
	assert.Equal(t, "7", vals[2].ID)
}

func TestReduceRegions_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Too many concurrent aggregations"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ReduceRegions(context.Background(), engine.ReduceRequest{
		Surface:  &surface{id: "srf-1"},
		Polygons: testPolygons(),
		Scale:    100,
	})
	require.Error(t, err)
	assert.True(t, resilience.IsTransientCompute(err))

	var te *resilience.TransientComputeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
}

func TestReduceRegions_BadJSONIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ReduceRegions(context.Background(), engine.ReduceRequest{
		Surface:  &surface{id: "srf-1"},
		Polygons: testPolygons(),
	})
	assert.True(t, resilience.IsTransientCompute(err))
}

func TestPost_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"surface_id":"late"}`))
	}))
	defer srv.Close()

	c := NewClient("t", WithBaseURL(srv.URL), WithRateLimit(1000), WithTimeout(20*time.Millisecond))
	_, err := c.Load(context.Background(), engine.LoadRequest{Collection: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransientCompute(err))
}

func TestPost_CancelledContextIsNotClassified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(srv).Load(ctx, engine.LoadRequest{Collection: "x"})
	require.Error(t, err)
	assert.False(t, resilience.IsFallback(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPost_BreakerStopsCallingDeadEngine(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	c := NewClient("t", WithBaseURL(srv.URL), WithRateLimit(1000), WithBreaker(cb))

	for range 2 {
		_, err := c.Load(context.Background(), engine.LoadRequest{Collection: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, cb.State())

	_, err := c.Load(context.Background(), engine.LoadRequest{Collection: "JRC/GHSL/P2023A/POP_GP"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransientCompute(err))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPost_BreakerIgnoresMissingSources(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"collection not found"}`))
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	c := NewClient("t", WithBaseURL(srv.URL), WithRateLimit(1000), WithBreaker(cb))

	for range 3 {
		_, err := c.Load(context.Background(), engine.LoadRequest{Collection: "x"})
		assert.True(t, resilience.IsSourceUnavailable(err))
	}
	assert.Equal(t, resilience.CircuitClosed, cb.State())
}

func TestClose(t *testing.T) {
	t.Parallel()

	c := NewClient("t")
	require.NoError(t, c.Close())
	_, err := c.Load(context.Background(), engine.LoadRequest{Collection: "x"})
	assert.Error(t, err)
}

func TestRawID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", rawID(nil))
	assert.Equal(t, "", rawID(json.RawMessage(`null`)))
	assert.Equal(t, "T1", rawID(json.RawMessage(`"T1"`)))
	assert.Equal(t, "42", rawID(json.RawMessage(`42`)))
	assert.Equal(t, "", rawID(json.RawMessage(`{}`)))
}
