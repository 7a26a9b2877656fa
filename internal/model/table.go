package model

import (
	"math"

	"github.com/twpayne/go-geom"
)

// AggregateRow is one polygon's aggregate from one source.
type AggregateRow struct {
	ID          string  `json:"id"`
	Geometry    geom.T  `json:"-"`
	GeometryKey string  `json:"geometry"`
	Value       float64 `json:"value"`
}

// ResultTable holds one source's per-polygon aggregates in engine order.
type ResultTable struct {
	Source     RasterSource   `json:"source"`
	Rows       []AggregateRow `json:"rows"`
	InputCount int            `json:"input_count"`
}

// Len returns the number of rows.
func (t *ResultTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Dropped returns how many input polygons the engine did not return.
func (t *ResultTable) Dropped() int {
	if t == nil || t.InputCount <= len(t.Rows) {
		return 0
	}
	return t.InputCount - len(t.Rows)
}

// Total sums the row values.
func (t *ResultTable) Total() float64 {
	var sum float64
	for _, r := range t.Rows {
		sum += r.Value
	}
	return sum
}

// CombinedRow is one joined polygon with one value per source label.
type CombinedRow struct {
	ID          string    `json:"id"`
	Geometry    geom.T    `json:"-"`
	GeometryKey string    `json:"geometry"`
	Values      []float64 `json:"values"`
}

// CombinedTable is the reconciled output; Values[i] of each row belongs to Labels[i].
type CombinedTable struct {
	IDField string        `json:"id_field"`
	Labels  []string      `json:"labels"`
	Rows    []CombinedRow `json:"rows"`
}

// Len returns the number of rows.
func (t *CombinedTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Totals returns the column sums in label order.
func (t *CombinedTable) Totals() []float64 {
	totals := make([]float64, len(t.Labels))
	for _, r := range t.Rows {
		for i, v := range r.Values {
			if i < len(totals) {
				totals[i] += v
			}
		}
	}
	return totals
}

// Column returns the index of label, or -1.
func (t *CombinedTable) Column(label string) int {
	for i, l := range t.Labels {
		if l == label {
			return i
		}
	}
	return -1
}

// NonNegative floors v at zero. NaN and infinities are treated as no data
// and also become zero.
func NonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
