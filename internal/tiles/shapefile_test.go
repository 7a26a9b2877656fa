package tiles

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

// Clockwise outer ring and counter-clockwise hole, shapefile convention.
var (
	outerRing = []shp.Point{{X: 0, Y: 0}, {X: 0, Y: 4}, {X: 4, Y: 4}, {X: 4, Y: 0}, {X: 0, Y: 0}}
	holeRing  = []shp.Point{{X: 1, Y: 1}, {X: 3, Y: 1}, {X: 3, Y: 3}, {X: 1, Y: 3}, {X: 1, Y: 1}}
	otherRing = []shp.Point{{X: 10, Y: 0}, {X: 10, Y: 1}, {X: 11, Y: 1}, {X: 11, Y: 0}, {X: 10, Y: 0}}
)

func polygonShape(rings ...[]shp.Point) *shp.Polygon {
	pl := shp.NewPolyLine(rings)
	p := shp.Polygon(*pl)
	return &p
}

func TestShapeToGeometry_HoleJoinsPreviousPolygon(t *testing.T) {
	g := shapeToGeometry(polygonShape(outerRing, holeRing))
	poly, ok := g.(*geom.Polygon)
	require.True(t, ok, "got %T", g)
	assert.Equal(t, 2, poly.NumLinearRings())
}

func TestShapeToGeometry_MultiplePartsBecomeMultiPolygon(t *testing.T) {
	g := shapeToGeometry(polygonShape(outerRing, holeRing, otherRing))
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok, "got %T", g)
	assert.Equal(t, 2, mp.NumPolygons())
	assert.Equal(t, 2, mp.Polygon(0).NumLinearRings())
}

func TestShapeToGeometry_Unsupported(t *testing.T) {
	assert.Nil(t, shapeToGeometry(nil))
	assert.Nil(t, shapeToGeometry(&shp.Point{X: 1, Y: 2}))
	assert.Nil(t, shapeToGeometry(&shp.Polygon{}))
	assert.Nil(t, shapeToGeometry(polygonShape([]shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}})))
}

func writeShapefile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tiles.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("ACTIVITY", 16),
		shp.StringField("NAME", 16),
	}))

	for i, tile := range []struct {
		id, name string
		shape    *shp.Polygon
	}{
		{"T1", "ring", polygonShape(outerRing, holeRing)},
		{"T2", "square", polygonShape(otherRing)},
	} {
		w.Write(tile.shape)
		require.NoError(t, w.WriteAttribute(i, 0, tile.id))
		require.NoError(t, w.WriteAttribute(i, 1, tile.name))
	}
	w.Close()
	return path
}

func TestShapefileSource_Load(t *testing.T) {
	path := writeShapefile(t, t.TempDir())

	set, err := NewShapefileSource("activity").Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, set.IDs())
	assert.Equal(t, "ring", set.Polygons[0].Properties["NAME"])
	assert.NoError(t, Validate(set))
}

func TestShapefileSource_Zip(t *testing.T) {
	dir := t.TempDir()
	writeShapefile(t, dir)

	zipPath := filepath.Join(t.TempDir(), "tiles.zip")
	zf, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(zf)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		src, err := os.Open(filepath.Join(dir, "tiles"+ext))
		require.NoError(t, err)
		dst, err := zw.Create("tiles/tiles" + ext)
		require.NoError(t, err)
		_, err = io.Copy(dst, src)
		require.NoError(t, err)
		require.NoError(t, src.Close())
	}
	require.NoError(t, zw.Close())
	require.NoError(t, zf.Close())

	set, err := NewShapefileSource("").Load(context.Background(), zipPath)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, zipPath, set.Asset)
}

func TestShapefileSource_MissingIDField(t *testing.T) {
	path := writeShapefile(t, t.TempDir())

	_, err := NewShapefileSource("TILE_ID").Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TILE_ID")
}

func TestShapefileSource_NotFound(t *testing.T) {
	_, err := NewShapefileSource("").Load(context.Background(), filepath.Join(t.TempDir(), "nope.shp"))
	assert.ErrorIs(t, err, ErrAssetNotFound)
}
