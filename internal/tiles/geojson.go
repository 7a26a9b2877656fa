package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// GeoJSONSource reads a FeatureCollection (or a single Feature) from disk.
type GeoJSONSource struct {
	idField string
}

// NewGeoJSONSource creates a GeoJSONSource keyed on idField.
func NewGeoJSONSource(idField string) *GeoJSONSource {
	if idField == "" {
		idField = DefaultIDField
	}
	return &GeoJSONSource{idField: idField}
}

type rawFeature struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id,omitempty"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

type rawCollection struct {
	Type     string       `json:"type"`
	Features []rawFeature `json:"features"`
}

// Load implements Source. asset is a file path.
func (s *GeoJSONSource) Load(ctx context.Context, asset string) (*model.PolygonSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(asset)
	if err != nil {
		return nil, fileError(asset, err)
	}
	set, err := ParseGeoJSON(data, s.idField)
	if err != nil {
		return nil, eris.Wrapf(err, "tiles: load %s", asset)
	}
	set.Asset = asset

	zap.L().Info("tiles loaded",
		zap.String("component", "tiles"),
		zap.String("driver", "geojson"),
		zap.String("asset", asset),
		zap.Int("polygons", set.Len()),
	)
	return set, nil
}

// ParseGeoJSON decodes a FeatureCollection or Feature. The tile id is taken
// from properties[idField], falling back to the feature id.
func ParseGeoJSON(data []byte, idField string) (*model.PolygonSet, error) {
	if idField == "" {
		idField = DefaultIDField
	}

	var features []rawFeature
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, eris.Wrap(err, "tiles: decode geojson")
	}
	switch head.Type {
	case "FeatureCollection":
		var fc rawCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, eris.Wrap(err, "tiles: decode feature collection")
		}
		features = fc.Features
	case "Feature":
		var f rawFeature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrap(err, "tiles: decode feature")
		}
		features = []rawFeature{f}
	default:
		return nil, eris.Errorf("tiles: expected FeatureCollection or Feature, got %q", head.Type)
	}

	set := &model.PolygonSet{IDField: idField, Polygons: make([]model.Polygon, 0, len(features))}
	for i, f := range features {
		id, ok := stringID(f.Properties[idField])
		if !ok {
			id, ok = rawID(f.ID)
		}
		if !ok {
			return nil, eris.Errorf("tiles: feature %d has no %q property or id", i, idField)
		}

		g, err := decodeGeometry(f.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "tiles: feature %q", id)
		}

		props := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			if k != idField {
				props[k] = v
			}
		}
		set.Polygons = append(set.Polygons, model.Polygon{ID: id, Geometry: g, Properties: props})
	}
	return set, nil
}

func decodeGeometry(raw json.RawMessage) (geom.T, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, eris.New("missing geometry")
	}
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, eris.Wrap(err, "decode geometry")
	}
	switch g.(type) {
	case *geom.Polygon, *geom.MultiPolygon:
		return g, nil
	}
	return nil, eris.Errorf("unsupported geometry type %T", g)
}

func rawID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return stringID(v)
}
