package model

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Polygon is one tile: a stable identifier and its boundary in geographic degrees.
type Polygon struct {
	ID         string         `json:"id"`
	Geometry   geom.T         `json:"-"`
	Properties map[string]any `json:"properties,omitempty"`
}

// PolygonSet is the ordered, immutable tile set a pipeline run aggregates over.
type PolygonSet struct {
	Asset    string    `json:"asset"`
	IDField  string    `json:"id_field"`
	Polygons []Polygon `json:"polygons"`
}

// Len returns the number of polygons in the set.
func (s *PolygonSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Polygons)
}

// IDs returns the polygon identifiers in set order.
func (s *PolygonSet) IDs() []string {
	ids := make([]string, 0, s.Len())
	for _, p := range s.Polygons {
		ids = append(ids, p.ID)
	}
	return ids
}

// ByID indexes the set by identifier.
func (s *PolygonSet) ByID() map[string]Polygon {
	idx := make(map[string]Polygon, s.Len())
	for _, p := range s.Polygons {
		idx[p.ID] = p
	}
	return idx
}

// GeometryKey returns the canonical serialized boundary used for geometry
// joins. Two geometries join only when their keys are byte-equal.
func GeometryKey(g geom.T) (string, error) {
	if g == nil {
		return "", eris.New("model: nil geometry")
	}
	data, err := geojson.Marshal(g)
	if err != nil {
		return "", eris.Wrap(err, "model: marshal geometry key")
	}
	return string(data), nil
}

// ParseGeometryKey restores a geometry from its serialized key.
func ParseGeometryKey(key string) (geom.T, error) {
	var g geom.T
	if err := geojson.Unmarshal([]byte(key), &g); err != nil {
		return nil, eris.Wrap(err, "model: parse geometry key")
	}
	return g, nil
}
