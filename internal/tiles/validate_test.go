package tiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/gbsc-lab/tilepop/internal/model"
)

func squarePoly(x, y float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y},
	}})
}

func TestValidate_OK(t *testing.T) {
	mp := geom.NewMultiPolygon(geom.XY)
	require.NoError(t, mp.Push(squarePoly(5, 5)))
	require.NoError(t, mp.Push(squarePoly(7, 7)))

	set := &model.PolygonSet{Polygons: []model.Polygon{
		{ID: "T1", Geometry: squarePoly(0, 0)},
		{ID: "T2", Geometry: mp},
	}}
	assert.NoError(t, Validate(set))
}

func TestValidate_RepeatedVertices(t *testing.T) {
	repeated := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{0, 0}, {1, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 1}, {0, 0}, {0, 0},
	}})
	set := &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1", Geometry: repeated}}}
	assert.NoError(t, Validate(set))
}

func TestValidate_Failures(t *testing.T) {
	bowtie := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0},
	}})
	open := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{0, 0}, {1, 0}, {1, 1}, {0, 1},
	}})
	short := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{0, 0}, {1, 0}, {0, 0},
	}})
	collapsed := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{0, 0}, {1, 0}, {1, 0}, {0, 0},
	}})

	tests := []struct {
		name string
		set  *model.PolygonSet
		want string
	}{
		{"empty", &model.PolygonSet{}, "empty"},
		{"nil", nil, "empty"},
		{"empty id", &model.PolygonSet{Polygons: []model.Polygon{{Geometry: squarePoly(0, 0)}}}, "empty id"},
		{"duplicate id", &model.PolygonSet{Polygons: []model.Polygon{
			{ID: "T1", Geometry: squarePoly(0, 0)},
			{ID: "T1", Geometry: squarePoly(1, 0)},
		}}, "duplicate"},
		{"missing geometry", &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1"}}}, "missing geometry"},
		{"point", &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1", Geometry: geom.NewPointFlat(geom.XY, []float64{0, 0})}}}, "unsupported"},
		{"self intersecting", &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1", Geometry: bowtie}}}, "self-intersects"},
		{"not closed", &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1", Geometry: open}}}, "not closed"},
		{"too short", &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1", Geometry: short}}}, "at least 4"},
		{"collapsed after repeats", &model.PolygonSet{Polygons: []model.Polygon{{ID: "T1", Geometry: collapsed}}}, "distinct vertices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.set)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSegmentsIntersect(t *testing.T) {
	assert.True(t, segmentsIntersect(geom.Coord{0, 0}, geom.Coord{2, 2}, geom.Coord{0, 2}, geom.Coord{2, 0}))
	assert.False(t, segmentsIntersect(geom.Coord{0, 0}, geom.Coord{1, 0}, geom.Coord{0, 1}, geom.Coord{1, 1}))
	// Collinear overlap.
	assert.True(t, segmentsIntersect(geom.Coord{0, 0}, geom.Coord{2, 0}, geom.Coord{1, 0}, geom.Coord{3, 0}))
	// Touching end point.
	assert.True(t, segmentsIntersect(geom.Coord{0, 0}, geom.Coord{1, 1}, geom.Coord{1, 1}, geom.Coord{2, 0}))
}
