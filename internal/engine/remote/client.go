// Package remote is an HTTP client for the remote zonal-statistics engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gbsc-lab/tilepop/internal/engine"
	"github.com/gbsc-lab/tilepop/internal/resilience"
)

const (
	defaultBaseURL = "https://zonal.example.org"
	defaultTimeout = 5 * time.Minute
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets the engine endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second across all calls.
func WithRateLimit(perSec float64) Option {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// WithBreaker guards every request with cb. While it is open, calls fail
// as TransientComputeFailure without contacting the engine.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// Client implements engine.Engine over HTTP. One client is the session
// handle for a process; Close releases it.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker

	mu     sync.Mutex
	closed bool
}

var _ engine.Engine = (*Client)(nil)

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type surface struct {
	id     string
	images int
}

func (s *surface) ID() string  { return s.id }
func (s *surface) Images() int { return s.images }

type loadRequest struct {
	Collection string `json:"collection"`
	Kind       string `json:"kind,omitempty"`
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
	Band       string `json:"band,omitempty"`
}

type loadResponse struct {
	SurfaceID string `json:"surface_id"`
	Images    int    `json:"images"`
}

type reduceRequest struct {
	Reducer     string                     `json:"reducer"`
	Scale       float64                    `json:"scale"`
	TileScale   int                        `json:"tile_scale,omitempty"`
	ClampPixels bool                       `json:"clamp_pixels,omitempty"`
	Unweighted  bool                       `json:"unweighted,omitempty"`
	Features    *geojson.FeatureCollection `json:"features"`
}

type reduceResponse struct {
	Features []struct {
		ID         json.RawMessage `json:"id"`
		Properties struct {
			ID  json.RawMessage `json:"id"`
			Sum *float64        `json:"sum"`
		} `json:"properties"`
	} `json:"features"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Load implements engine.Engine.
func (c *Client) Load(ctx context.Context, req engine.LoadRequest) (engine.Surface, error) {
	body := loadRequest{
		Collection: req.Collection,
		Kind:       string(req.Kind),
		Band:       req.Band,
	}
	if !req.Start.IsZero() {
		body.Start = req.Start.Format(time.DateOnly)
	}
	if !req.End.IsZero() {
		body.End = req.End.Format(time.DateOnly)
	}

	var resp loadResponse
	if err := c.post(ctx, "/v1/surfaces:load", req.Collection, body, &resp); err != nil {
		return nil, err
	}
	if resp.SurfaceID == "" {
		return nil, resilience.NewSourceUnavailable(req.Collection, eris.New("remote: empty surface id"), http.StatusOK)
	}
	return &surface{id: resp.SurfaceID, images: resp.Images}, nil
}

// ReduceRegions implements engine.Engine.
func (c *Client) ReduceRegions(ctx context.Context, req engine.ReduceRequest) ([]engine.RegionValue, error) {
	if req.Surface == nil {
		return nil, eris.New("remote: nil surface")
	}

	fc := &geojson.FeatureCollection{}
	for _, p := range req.Polygons.Polygons {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         p.ID,
			Geometry:   p.Geometry,
			Properties: map[string]any{"id": p.ID},
		})
	}

	reducer := req.Reducer
	if reducer == "" {
		reducer = engine.ReducerSum
	}
	body := reduceRequest{
		Reducer:     reducer,
		Scale:       req.Scale,
		TileScale:   req.TileScale,
		ClampPixels: req.ClampPixels,
		Unweighted:  req.Unweighted,
		Features:    fc,
	}

	path := "/v1/surfaces/" + url.PathEscape(req.Surface.ID()) + ":reduceRegions"
	var resp reduceResponse
	if err := c.post(ctx, path, req.Surface.ID(), body, &resp); err != nil {
		return nil, err
	}

	out := make([]engine.RegionValue, 0, len(resp.Features))
	for _, f := range resp.Features {
		id := rawID(f.ID)
		if id == "" {
			id = rawID(f.Properties.ID)
		}
		if id == "" {
			zap.L().Debug("remote: skipping feature without id")
			continue
		}
		var v float64
		if f.Properties.Sum != nil {
			v = *f.Properties.Sum
		}
		out = append(out, engine.RegionValue{ID: id, Value: v})
	}
	return out, nil
}

// Close releases idle connections; later calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// post sends a JSON request and decodes a JSON response. Failures come back
// classified: 4xx access/lookup statuses as SourceUnavailable, busy or
// faulted statuses and transport errors as TransientComputeFailure.
func (c *Client) post(ctx context.Context, path, source string, in, out any) error {
	if c.isClosed() {
		return eris.New("remote: client closed")
	}
	if c.breaker == nil {
		return c.do(ctx, path, source, in, out)
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, path, source, in, out)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return resilience.NewTransientCompute(source, err, 0)
	}
	return err
}

func (c *Client) do(ctx context.Context, path, source string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "remote: rate limit wait")
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return eris.Wrap(err, "remote: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "remote: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !resilience.IsTransient(ctx.Err()) {
			return err
		}
		return resilience.NewTransientCompute(source, eris.Wrap(err, "remote: request failed"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientCompute(source, eris.Wrap(err, "remote: read response body"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		statusErr := eris.Errorf("remote: status %d: %s", resp.StatusCode, msg)
		switch {
		case resilience.IsUnavailableHTTPStatus(resp.StatusCode):
			return resilience.NewSourceUnavailable(source, statusErr, resp.StatusCode)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return resilience.NewTransientCompute(source, statusErr, resp.StatusCode)
		default:
			return statusErr
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resilience.NewTransientCompute(source, eris.Wrap(err, "remote: unmarshal response"), resp.StatusCode)
	}
	return nil
}

// rawID renders a GeoJSON id that may be a string or a number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
