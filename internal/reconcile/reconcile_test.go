package reconcile

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/gbsc-lab/tilepop/internal/model"
)

func square(x float64) geom.T {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}, {x, 0},
	}})
}

func row(t *testing.T, id string, x, v float64) model.AggregateRow {
	t.Helper()
	g := square(x)
	key, err := model.GeometryKey(g)
	require.NoError(t, err)
	return model.AggregateRow{ID: id, Geometry: g, GeometryKey: key, Value: v}
}

func table(rows ...model.AggregateRow) *model.ResultTable {
	return &model.ResultTable{Rows: rows, InputCount: len(rows)}
}

var ignoreGeometry = cmpopts.IgnoreFields(model.CombinedRow{}, "Geometry", "GeometryKey")

func TestCombine_LiteralScenario(t *testing.T) {
	a := table(row(t, "T1", 0, 100), row(t, "T2", 1, 50))
	b := table(row(t, "T1", 0, 90), row(t, "T2", 1, 40))

	for _, key := range []JoinKey{KeyGeometry, KeyIdentifier} {
		t.Run(string(key), func(t *testing.T) {
			out, rep, err := Combine([]Labeled{
				{Label: "worldpop_population", Table: a},
				{Label: "ghsl_population", Table: b},
			}, key)
			require.NoError(t, err)

			want := []model.CombinedRow{
				{ID: "T1", Values: []float64{100, 90}},
				{ID: "T2", Values: []float64{50, 40}},
			}
			if diff := cmp.Diff(want, out.Rows, ignoreGeometry); diff != "" {
				t.Errorf("rows mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, []string{"worldpop_population", "ghsl_population"}, out.Labels)
			assert.False(t, rep.Mismatch)
			assert.Equal(t, 2, rep.Matched)
			assert.Equal(t, 0, rep.UnmatchedTotal())
		})
	}
}

func TestCombine_PartialOverlapIsMismatch(t *testing.T) {
	a := table(row(t, "T1", 0, 100), row(t, "T2", 1, 50))
	b := table(row(t, "T1", 0, 90))

	out, rep, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}}, KeyGeometry)
	require.NoError(t, err)

	require.Equal(t, 1, out.Len())
	assert.Equal(t, "T1", out.Rows[0].ID)
	assert.True(t, rep.Mismatch)
	assert.Equal(t, 1, rep.Matched)
	assert.Equal(t, 1, rep.UnmatchedTotal())
	assert.Equal(t, map[string]int{"a": 1, "b": 0}, rep.Unmatched)
	assert.Equal(t, 2, rep.Base)
}

func TestCombine_ClampLaw(t *testing.T) {
	a := table(row(t, "T1", 0, -3.4e38), row(t, "T2", 1, math.NaN()), row(t, "T3", 2, 7))
	b := table(row(t, "T1", 0, 5), row(t, "T2", 1, -0.25), row(t, "T3", 2, math.Inf(-1)))

	out, _, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}}, KeyIdentifier)
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())
	for _, r := range out.Rows {
		for i, v := range r.Values {
			assert.GreaterOrEqual(t, v, 0.0, "%s/%s", r.ID, out.Labels[i])
		}
	}
	assert.Equal(t, []float64{0, 5}, out.Rows[0].Values)
	assert.Equal(t, []float64{7, 0}, out.Rows[2].Values)
}

func TestCombine_InnerJoinBound(t *testing.T) {
	// Tables drawn from overlapping windows of the same tile strip.
	for n := 0; n < 6; n++ {
		for shift := 0; shift < 4; shift++ {
			t.Run(fmt.Sprintf("n%d_shift%d", n, shift), func(t *testing.T) {
				var ar, br []model.AggregateRow
				for i := 0; i < n; i++ {
					ar = append(ar, row(t, fmt.Sprintf("T%d", i), float64(i), 1))
				}
				for i := shift; i < n+shift/2; i++ {
					br = append(br, row(t, fmt.Sprintf("T%d", i), float64(i), 2))
				}
				a, b := table(ar...), table(br...)

				out, rep, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}}, KeyGeometry)
				require.NoError(t, err)
				assert.LessOrEqual(t, out.Len(), min(a.Len(), b.Len()))
				assert.Equal(t, out.Len(), rep.Matched)
				assert.Equal(t, a.Len()-out.Len(), rep.Unmatched["a"])
			})
		}
	}
}

func TestCombine_FullOverlapKeepsEveryRow(t *testing.T) {
	var ar, br []model.AggregateRow
	for i := 0; i < 10; i++ {
		ar = append(ar, row(t, fmt.Sprintf("T%d", i), float64(i), float64(i)))
	}
	// Same keys, reversed order: output follows the base table.
	for i := 9; i >= 0; i-- {
		br = append(br, row(t, fmt.Sprintf("T%d", i), float64(i), float64(i*2)))
	}

	out, rep, err := Combine([]Labeled{{Label: "a", Table: table(ar...)}, {Label: "b", Table: table(br...)}}, KeyGeometry)
	require.NoError(t, err)
	require.Equal(t, 10, out.Len())
	assert.False(t, rep.Mismatch)
	for i, r := range out.Rows {
		assert.Equal(t, fmt.Sprintf("T%d", i), r.ID)
		assert.Equal(t, []float64{float64(i), float64(i * 2)}, r.Values)
	}
}

func TestCombine_GeometryComesFromBase(t *testing.T) {
	a := table(row(t, "T1", 0, 1))
	other := row(t, "renamed", 0, 2)
	b := table(other)

	out, _, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}}, KeyGeometry)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, "T1", out.Rows[0].ID)
	assert.Equal(t, a.Rows[0].GeometryKey, out.Rows[0].GeometryKey)

	// Identifier join does not match the renamed row.
	out, rep, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}}, KeyIdentifier)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.True(t, rep.Mismatch)
}

func TestCombine_ThreeTables(t *testing.T) {
	a := table(row(t, "T1", 0, 1), row(t, "T2", 1, 2), row(t, "T3", 2, 3))
	b := table(row(t, "T2", 1, 20), row(t, "T3", 2, 30))
	c := table(row(t, "T3", 2, 300), row(t, "T1", 0, 100))

	out, rep, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}, {Label: "c", Table: c}}, KeyIdentifier)
	require.NoError(t, err)
	if diff := cmp.Diff([]model.CombinedRow{{ID: "T3", Values: []float64{3, 30, 300}}}, out.Rows, ignoreGeometry); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 1, "c": 1}, rep.Unmatched)
}

func TestCombine_DuplicateKeysJoinOnce(t *testing.T) {
	a := table(row(t, "T1", 0, 1), row(t, "T1", 0, 9))
	b := table(row(t, "T1", 0, 2), row(t, "T1", 0, 8))

	out, _, err := Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: b}}, KeyIdentifier)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, []float64{1, 2}, out.Rows[0].Values)
}

func TestCombine_Preconditions(t *testing.T) {
	a := table(row(t, "T1", 0, 1))

	_, _, err := Combine([]Labeled{{Label: "a", Table: a}}, KeyGeometry)
	assert.ErrorIs(t, err, ErrTooFewTables)

	_, _, err = Combine(nil, KeyGeometry)
	assert.ErrorIs(t, err, ErrTooFewTables)

	_, _, err = Combine([]Labeled{{Label: "a", Table: a}, {Label: "b", Table: a}}, "wkt")
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, _, err = Combine([]Labeled{{Label: "a", Table: a}, {Label: "a", Table: a}}, KeyGeometry)
	assert.ErrorIs(t, err, ErrDuplicateLabel)

	_, _, err = Combine([]Labeled{{Label: "a", Table: a}, {Label: "", Table: a}}, KeyGeometry)
	assert.ErrorIs(t, err, ErrEmptyLabel)

	_, _, err = Combine([]Labeled{{Label: "a", Table: a}, {Label: "b"}}, KeyGeometry)
	assert.ErrorIs(t, err, ErrNilTable)
}

func TestParseJoinKey(t *testing.T) {
	k, err := ParseJoinKey("")
	require.NoError(t, err)
	assert.Equal(t, KeyGeometry, k)

	k, err = ParseJoinKey("identifier")
	require.NoError(t, err)
	assert.Equal(t, KeyIdentifier, k)

	_, err = ParseJoinKey("id")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestSingle(t *testing.T) {
	tbl := table(row(t, "T1", 0, 100), row(t, "T2", 1, -5))

	out, err := Single(Labeled{Label: "worldpop_population", Table: tbl})
	require.NoError(t, err)
	assert.Equal(t, []string{"worldpop_population"}, out.Labels)
	if diff := cmp.Diff([]model.CombinedRow{
		{ID: "T1", Values: []float64{100}},
		{ID: "T2", Values: []float64{0}},
	}, out.Rows, ignoreGeometry); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	_, err = Single(Labeled{Label: "x"})
	assert.ErrorIs(t, err, ErrNilTable)
}

func TestReportSummary(t *testing.T) {
	rep := &Report{Key: KeyGeometry, Base: 2, Matched: 1, Unmatched: map[string]int{"a": 1}, Mismatch: true}
	s := rep.Summary()
	assert.Equal(t, "geometry", s.Key)
	assert.Equal(t, 1, s.Unmatched["a"])

	var nilReport *Report
	assert.Nil(t, nilReport.Summary())
	assert.Equal(t, 0, nilReport.UnmatchedTotal())
}
