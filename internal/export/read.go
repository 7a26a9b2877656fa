package export

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// ReadGeoJSON parses a FeatureCollection written by WriteGeoJSON back into
// a CombinedTable. Without the labels member, every numeric property of
// the first feature becomes a column in name order.
func ReadGeoJSON(r io.Reader) (*model.CombinedTable, error) {
	var fc struct {
		Type     string             `json:"type"`
		IDField  string             `json:"id_field"`
		Labels   []string           `json:"labels"`
		Features []*geojson.Feature `json:"features"`
	}
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, eris.Wrap(err, "export: decode GeoJSON")
	}
	if fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("export: expected FeatureCollection, got %q", fc.Type)
	}

	idField := fc.IDField
	if idField == "" {
		idField = DefaultIDColumn
	}
	labels := fc.Labels
	if labels == nil && len(fc.Features) > 0 {
		for k, v := range fc.Features[0].Properties {
			if _, ok := v.(float64); ok && k != idField {
				labels = append(labels, k)
			}
		}
		sort.Strings(labels)
	}

	t := &model.CombinedTable{IDField: fc.IDField, Labels: labels, Rows: make([]model.CombinedRow, 0, len(fc.Features))}
	for i, f := range fc.Features {
		id := f.ID
		if v, ok := f.Properties[idField].(string); ok && v != "" {
			id = v
		}
		if id == "" {
			return nil, eris.Errorf("export: feature %d has no id", i)
		}

		values := make([]float64, len(labels))
		for j, l := range labels {
			switch v := f.Properties[l].(type) {
			case float64:
				values[j] = v
			case nil:
			default:
				return nil, eris.Errorf("export: feature %s property %s is %T, want number", id, l, v)
			}
		}

		row := model.CombinedRow{ID: id, Geometry: f.Geometry, Values: values}
		if f.Geometry != nil {
			key, err := model.GeometryKey(f.Geometry)
			if err != nil {
				return nil, eris.Wrapf(err, "export: geometry key for %s", id)
			}
			row.GeometryKey = key
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
