package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func square(x, y, size float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}})
}

func TestResultTable_Dropped(t *testing.T) {
	t.Parallel()

	tbl := &ResultTable{InputCount: 3, Rows: []AggregateRow{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 1, tbl.Dropped())

	var nilTable *ResultTable
	assert.Equal(t, 0, nilTable.Len())
	assert.Equal(t, 0, nilTable.Dropped())

	full := &ResultTable{InputCount: 1, Rows: []AggregateRow{{ID: "a"}}}
	assert.Equal(t, 0, full.Dropped())
}

func TestResultTable_Total(t *testing.T) {
	t.Parallel()

	tbl := &ResultTable{Rows: []AggregateRow{{Value: 1.5}, {Value: 2.5}}}
	assert.InDelta(t, 4.0, tbl.Total(), 1e-9)
}

func TestCombinedTable_TotalsAndColumn(t *testing.T) {
	t.Parallel()

	tbl := &CombinedTable{
		Labels: []string{"worldpop", "ghsl"},
		Rows: []CombinedRow{
			{ID: "T1", Values: []float64{100, 90}},
			{ID: "T2", Values: []float64{50, 40}},
		},
	}
	assert.Equal(t, []float64{150, 130}, tbl.Totals())
	assert.Equal(t, 1, tbl.Column("ghsl"))
	assert.Equal(t, -1, tbl.Column("missing"))
}

func TestNonNegative(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, NonNegative(-3.4e38))
	assert.Equal(t, 0.0, NonNegative(math.NaN()))
	assert.Equal(t, 0.0, NonNegative(math.Inf(1)))
	assert.Equal(t, 0.0, NonNegative(math.Inf(-1)))
	assert.Equal(t, 12.5, NonNegative(12.5))
}

func TestGeometryKey_RoundTrip(t *testing.T) {
	t.Parallel()

	poly := square(-84.1, 9.9, 0.01)
	key, err := GeometryKey(poly)
	require.NoError(t, err)
	assert.Contains(t, key, `"type":"Polygon"`)

	again, err := GeometryKey(poly)
	require.NoError(t, err)
	assert.Equal(t, key, again, "key must be deterministic")

	g, err := ParseGeometryKey(key)
	require.NoError(t, err)
	back, err := GeometryKey(g)
	require.NoError(t, err)
	assert.Equal(t, key, back)
}

func TestGeometryKey_Nil(t *testing.T) {
	t.Parallel()

	_, err := GeometryKey(nil)
	assert.Error(t, err)
}

func TestRasterSource_IDAndString(t *testing.T) {
	t.Parallel()

	src := RasterSource{Collection: "WorldPop/GP/100m/pop", Band: "population"}
	assert.Equal(t, "WorldPop/GP/100m/pop", src.ID())
	assert.Equal(t, "WorldPop/GP/100m/pop[population]", src.String())

	src.Name = "worldpop-gp"
	assert.Equal(t, "worldpop-gp", src.ID())
	assert.False(t, src.HasTemporalFilter())
}

func TestPolygonSet_Helpers(t *testing.T) {
	t.Parallel()

	set := &PolygonSet{Polygons: []Polygon{{ID: "T1"}, {ID: "T2"}}}
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []string{"T1", "T2"}, set.IDs())
	assert.Contains(t, set.ByID(), "T2")

	var empty *PolygonSet
	assert.Equal(t, 0, empty.Len())
}
