package tiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/db"
	"github.com/gbsc-lab/tilepop/internal/model"
)

// DefaultGeomColumn is the geometry column PostGISSource reads.
const DefaultGeomColumn = "geom"

// PostGISSource reads tiles from a PostGIS table. The asset is the
// (optionally schema-qualified) table name.
type PostGISSource struct {
	pool       db.Pool
	idField    string
	geomColumn string
}

// NewPostGISSource creates a PostGISSource.
func NewPostGISSource(pool db.Pool, idField string) *PostGISSource {
	if idField == "" {
		idField = DefaultIDField
	}
	return &PostGISSource{pool: pool, idField: idField, geomColumn: DefaultGeomColumn}
}

func (s *PostGISSource) query(table string) string {
	return fmt.Sprintf("SELECT %s::text, ST_AsBinary(%s) FROM %s ORDER BY 1",
		pgx.Identifier{s.idField}.Sanitize(),
		pgx.Identifier{s.geomColumn}.Sanitize(),
		db.Identifier(table).Sanitize(),
	)
}

// Load implements Source.
func (s *PostGISSource) Load(ctx context.Context, asset string) (*model.PolygonSet, error) {
	rows, err := s.pool.Query(ctx, s.query(asset))
	if err != nil {
		return nil, pgError(asset, err)
	}
	defer rows.Close()

	set := &model.PolygonSet{Asset: asset, IDField: s.idField}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, eris.Wrapf(err, "tiles: scan %s", asset)
		}
		if id == "" {
			return nil, eris.Errorf("tiles: %s has a row with an empty %s", asset, s.idField)
		}
		if data == nil {
			return nil, eris.Errorf("tiles: %s row %q has no geometry", asset, id)
		}

		g, err := wkb.Unmarshal(data)
		if err != nil {
			return nil, eris.Wrapf(err, "tiles: decode geometry for %q", id)
		}
		switch g.(type) {
		case *geom.Polygon, *geom.MultiPolygon:
		default:
			return nil, eris.Errorf("tiles: %s row %q has unsupported geometry %T", asset, id, g)
		}
		set.Polygons = append(set.Polygons, model.Polygon{ID: id, Geometry: g})
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(asset, err)
	}

	zap.L().Info("tiles loaded",
		zap.String("component", "tiles"),
		zap.String("driver", "postgis"),
		zap.String("asset", asset),
		zap.Int("polygons", set.Len()),
	)
	return set, nil
}

func pgError(asset string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "3F000":
			return eris.Wrapf(ErrAssetNotFound, "%s: %s", asset, pgErr.Message)
		case "42501":
			return eris.Wrapf(ErrAssetDenied, "%s: %s", asset, pgErr.Message)
		}
	}
	return eris.Wrapf(err, "tiles: query %s", asset)
}
