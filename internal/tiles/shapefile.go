package tiles

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// ShapefileSource reads polygon records from an ESRI shapefile. The asset
// may be a .shp path or a .zip archive containing one.
type ShapefileSource struct {
	idField string
}

// NewShapefileSource creates a ShapefileSource keyed on idField.
func NewShapefileSource(idField string) *ShapefileSource {
	if idField == "" {
		idField = DefaultIDField
	}
	return &ShapefileSource{idField: idField}
}

// Load implements Source.
func (s *ShapefileSource) Load(ctx context.Context, asset string) (*model.PolygonSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(asset); err != nil {
		return nil, fileError(asset, err)
	}

	shpPath := asset
	if strings.EqualFold(filepath.Ext(asset), ".zip") {
		dir, err := os.MkdirTemp("", "tilepop-shp-*")
		if err != nil {
			return nil, eris.Wrap(err, "tiles: create extract dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		if err := extractZIP(asset, dir); err != nil {
			return nil, eris.Wrapf(err, "tiles: extract %s", asset)
		}
		if shpPath, err = findFileByExt(dir, ".shp"); err != nil {
			return nil, eris.Wrapf(err, "tiles: %s", asset)
		}
	}

	set, err := readShapefile(shpPath, s.idField)
	if err != nil {
		return nil, err
	}
	set.Asset = asset

	zap.L().Info("tiles loaded",
		zap.String("component", "tiles"),
		zap.String("driver", "shapefile"),
		zap.String("asset", asset),
		zap.Int("polygons", set.Len()),
	)
	return set, nil
}

func readShapefile(path, idField string) (*model.PolygonSet, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tiles: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	idIdx := -1
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(names[i], idField) {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, eris.Errorf("tiles: shapefile %s has no %q field", path, idField)
	}

	set := &model.PolygonSet{IDField: idField}
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		g := shapeToGeometry(shape)
		if g == nil {
			skipped++
			continue
		}

		id := strings.TrimSpace(strings.TrimRight(reader.Attribute(idIdx), "\x00"))
		if id == "" {
			return nil, eris.Errorf("tiles: shapefile record %d has an empty %s", n, idField)
		}

		props := make(map[string]any, len(names)-1)
		for i, name := range names {
			if i == idIdx {
				continue
			}
			if v := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00")); v != "" {
				props[name] = v
			}
		}
		set.Polygons = append(set.Polygons, model.Polygon{ID: id, Geometry: g, Properties: props})
	}

	if skipped > 0 {
		zap.L().Warn("tiles: skipped non-polygon shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return set, nil
}

// shapeToGeometry converts a shapefile polygon to go-geom. Clockwise parts
// start a new polygon and counter-clockwise parts are holes of the polygon
// before them. Returns nil for unsupported or empty shapes.
func shapeToGeometry(shape shp.Shape) geom.T {
	p, ok := shape.(*shp.Polygon)
	if !ok || p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var polys []*geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || end > int32(len(p.Points)) || end-start < 4 {
			zap.L().Debug("tiles: skipping malformed polygon ring", zap.Int32("part", i))
			continue
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if signedArea(flat) > 0 && len(polys) > 0 {
			if err := polys[len(polys)-1].Push(ring); err != nil {
				zap.L().Debug("tiles: skipping malformed hole", zap.Int32("part", i), zap.Error(err))
			}
			continue
		}
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("tiles: skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
		polys = append(polys, poly)
	}

	switch len(polys) {
	case 0:
		return nil
	case 1:
		return polys[0]
	}
	mp := geom.NewMultiPolygon(geom.XY)
	for _, poly := range polys {
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("tiles: skipping malformed multipolygon part", zap.Error(err))
		}
	}
	return mp
}

// signedArea is positive for counter-clockwise rings.
func signedArea(flat []float64) float64 {
	var a float64
	for i := 0; i+3 < len(flat); i += 2 {
		a += flat[i]*flat[i+3] - flat[i+2]*flat[i+1]
	}
	return a / 2
}

func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}
		out, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}
		_, err = io.Copy(out, rc)
		_ = out.Close()
		_ = rc.Close()
		if err != nil {
			return eris.Wrapf(err, "extract %s", f.Name)
		}
	}
	return nil
}

func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
