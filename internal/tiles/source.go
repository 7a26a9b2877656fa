// Package tiles loads the polygon set a run aggregates over.
package tiles

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/gbsc-lab/tilepop/internal/db"
	"github.com/gbsc-lab/tilepop/internal/model"
)

// DefaultIDField is the property that identifies a tile.
const DefaultIDField = "activity"

var (
	// ErrAssetNotFound is returned when the named asset does not exist.
	ErrAssetNotFound = errors.New("tiles: asset not found")
	// ErrAssetDenied is returned when the asset exists but cannot be read.
	ErrAssetDenied = errors.New("tiles: asset access denied")
	// ErrUnknownDriver is returned by Open for an unconfigured driver name.
	ErrUnknownDriver = errors.New("tiles: unknown source driver")
)

// Source loads a PolygonSet by asset identifier.
type Source interface {
	Load(ctx context.Context, asset string) (*model.PolygonSet, error)
}

// Options configures Open.
type Options struct {
	Driver  string // geojson, shapefile or postgis
	IDField string
	Pool    db.Pool
}

// Open returns the Source for a driver name.
func Open(opts Options) (Source, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "geojson":
		return NewGeoJSONSource(opts.IDField), nil
	case "shapefile", "shp":
		return NewShapefileSource(opts.IDField), nil
	case "postgis":
		if opts.Pool == nil {
			return nil, eris.New("tiles: postgis source needs a database pool")
		}
		return NewPostGISSource(opts.Pool, opts.IDField), nil
	}
	return nil, eris.Wrapf(ErrUnknownDriver, "driver %q", opts.Driver)
}

// fileError maps filesystem failures onto the asset errors.
func fileError(asset string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return eris.Wrapf(ErrAssetNotFound, "%s", asset)
	case errors.Is(err, fs.ErrPermission):
		return eris.Wrapf(ErrAssetDenied, "%s", asset)
	}
	return eris.Wrapf(err, "tiles: open %s", asset)
}

// stringID renders an identifier attribute. Integral floats lose the
// trailing ".0" that JSON decoding gives them.
func stringID(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return "", false
	}
	return "", false
}
