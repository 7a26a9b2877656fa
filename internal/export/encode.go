// Package export serializes a CombinedTable to files and databases.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// DefaultIDColumn names the identifier column when the table has no IDField.
const DefaultIDColumn = "id"

// GeometryColumn names the serialized boundary column.
const GeometryColumn = "geometry"

func idColumn(t *model.CombinedTable) string {
	if t.IDField != "" {
		return t.IDField
	}
	return DefaultIDColumn
}

// cellValue is the value every format writes for v.
func cellValue(v float64) float64 {
	return model.NonNegative(v)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(cellValue(v), 'f', -1, 64)
}

// Header returns the column order: identifier, one column per label, then
// geometry when requested.
func Header(t *model.CombinedTable, withGeometry bool) []string {
	h := make([]string, 0, len(t.Labels)+2)
	h = append(h, idColumn(t))
	h = append(h, t.Labels...)
	if withGeometry {
		h = append(h, GeometryColumn)
	}
	return h
}

// WriteCSV writes t as flat CSV.
func WriteCSV(w io.Writer, t *model.CombinedTable, withGeometry bool) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header(t, withGeometry)); err != nil {
		return eris.Wrap(err, "export: write CSV header")
	}
	for _, r := range t.Rows {
		rec := make([]string, 0, len(r.Values)+2)
		rec = append(rec, r.ID)
		for _, v := range r.Values {
			rec = append(rec, formatValue(v))
		}
		if withGeometry {
			rec = append(rec, r.GeometryKey)
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write CSV row %s", r.ID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush CSV")
}

// WriteJSON writes t as an array of records. Keys keep column order.
func WriteJSON(w io.Writer, t *model.CombinedTable) error {
	cols := Header(t, true)
	keys := make([][]byte, len(cols))
	for i, c := range cols {
		k, err := json.Marshal(c)
		if err != nil {
			return eris.Wrap(err, "export: marshal column name")
		}
		keys[i] = k
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range t.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("\n  {")

		id, err := json.Marshal(r.ID)
		if err != nil {
			return eris.Wrap(err, "export: marshal id")
		}
		fields := [][]byte{id}
		for _, v := range r.Values {
			fields = append(fields, []byte(formatValue(v)))
		}
		geomValue, err := json.Marshal(r.GeometryKey)
		if err != nil {
			return eris.Wrap(err, "export: marshal geometry")
		}
		fields = append(fields, geomValue)

		for j, f := range fields {
			if j > 0 {
				buf.WriteString(", ")
			}
			buf.Write(keys[j])
			buf.WriteString(": ")
			buf.Write(f)
		}
		buf.WriteByte('}')
	}
	if len(t.Rows) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")

	_, err := w.Write(buf.Bytes())
	return eris.Wrap(err, "export: write JSON")
}

// featureCollection carries the column order as foreign members so a
// reader can restore it.
type featureCollection struct {
	Type     string             `json:"type"`
	IDField  string             `json:"id_field"`
	Labels   []string           `json:"labels"`
	Features []*geojson.Feature `json:"features"`
}

// WriteGeoJSON writes t as a FeatureCollection with geometry restored from
// each row's key and the aggregate columns as properties.
func WriteGeoJSON(w io.Writer, t *model.CombinedTable) error {
	idCol := idColumn(t)
	fc := featureCollection{
		Type:     "FeatureCollection",
		IDField:  idCol,
		Labels:   t.Labels,
		Features: make([]*geojson.Feature, 0, len(t.Rows)),
	}
	for _, r := range t.Rows {
		g := r.Geometry
		if g == nil {
			parsed, err := model.ParseGeometryKey(r.GeometryKey)
			if err != nil {
				return eris.Wrapf(err, "export: restore geometry for %s", r.ID)
			}
			g = parsed
		}
		props := make(map[string]any, len(r.Values)+1)
		props[idCol] = r.ID
		for i, v := range r.Values {
			props[t.Labels[i]] = cellValue(v)
		}
		fc.Features = append(fc.Features, &geojson.Feature{ID: r.ID, Geometry: g, Properties: props})
	}

	enc := json.NewEncoder(w)
	return eris.Wrap(enc.Encode(fc), "export: encode GeoJSON")
}

// WriteXLSX writes t to a single-sheet workbook.
func WriteXLSX(w io.Writer, t *model.CombinedTable, sheetName string) error {
	if sheetName == "" {
		sheetName = "population"
	}
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Header(t, false) {
		header.AddCell().SetString(c)
	}
	for _, r := range t.Rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.ID)
		for _, v := range r.Values {
			row.AddCell().SetFloat(cellValue(v))
		}
	}

	return eris.Wrap(f.Write(w), "export: write XLSX")
}
