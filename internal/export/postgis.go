package export

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/db"
	"github.com/gbsc-lab/tilepop/internal/model"
)

// SRID of every stored geometry.
const SRID = 4326

// DefaultTable is the PostGIS output table.
const DefaultTable = "tile_population"

// PostGISColumns is the long-form layout: one row per tile and source.
var PostGISColumns = []string{"run_id", "tile_id", "source", "population", "geom"}

// PostGISExporter writes a table in long form, replacing any earlier rows
// for the same run.
type PostGISExporter struct {
	pool  db.Pool
	table string
	runID string
}

// NewPostGISExporter creates a PostGISExporter.
func NewPostGISExporter(pool db.Pool, table, runID string) *PostGISExporter {
	if table == "" {
		table = DefaultTable
	}
	return &PostGISExporter{pool: pool, table: table, runID: runID}
}

// Format implements Exporter.
func (e *PostGISExporter) Format() Format { return FormatPostGIS }

// EnsureTable creates the output table when missing.
func (e *PostGISExporter) EnsureTable(ctx context.Context) error {
	ident := db.Identifier(e.table).Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id     TEXT NOT NULL,
	tile_id    TEXT NOT NULL,
	source     TEXT NOT NULL,
	population DOUBLE PRECISION NOT NULL,
	geom       geometry(Geometry, 4326),
	PRIMARY KEY (run_id, tile_id, source)
)`, ident)
	if _, err := e.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "export: create %s", e.table)
	}
	return nil
}

// Rows flattens t into COPY rows matching PostGISColumns.
func (e *PostGISExporter) Rows(t *model.CombinedTable) ([][]any, error) {
	rows := make([][]any, 0, len(t.Rows)*len(t.Labels))
	for _, r := range t.Rows {
		var g []byte
		if r.Geometry != nil {
			data, err := ewkb.Marshal(withSRID(r.Geometry), ewkb.NDR)
			if err != nil {
				return nil, eris.Wrapf(err, "export: encode geometry for %s", r.ID)
			}
			g = data
		}
		for i, l := range t.Labels {
			rows = append(rows, []any{e.runID, r.ID, l, cellValue(r.Values[i]), g})
		}
	}
	return rows, nil
}

func withSRID(g geom.T) geom.T {
	switch t := g.(type) {
	case *geom.Polygon:
		return t.Clone().SetSRID(SRID)
	case *geom.MultiPolygon:
		return t.Clone().SetSRID(SRID)
	}
	return g
}

// Export implements Exporter.
func (e *PostGISExporter) Export(ctx context.Context, t *model.CombinedTable) (string, error) {
	if e.runID == "" {
		return "", eris.New("export: postgis output needs a run id")
	}
	if err := e.EnsureTable(ctx); err != nil {
		return "", err
	}
	rows, err := e.Rows(t)
	if err != nil {
		return "", err
	}

	n, err := db.Replace(ctx, e.pool, db.ReplaceConfig{
		Table:     e.table,
		Columns:   PostGISColumns,
		KeyColumn: "run_id",
		Key:       e.runID,
	}, rows)
	if err != nil {
		return "", err
	}

	zap.L().Info("export written",
		zap.String("component", "export"),
		zap.String("format", string(FormatPostGIS)),
		zap.String("table", e.table),
		zap.Int64("rows", n),
	)
	return "postgis:" + e.table, nil
}
