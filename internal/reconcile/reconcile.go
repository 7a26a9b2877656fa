// Package reconcile joins per-source result tables into one comparison table.
package reconcile

import (
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// JoinKey selects what two rows must share to join.
type JoinKey string

const (
	// KeyGeometry joins on byte-equal serialized boundaries.
	KeyGeometry JoinKey = "geometry"
	// KeyIdentifier joins on the polygon identifier.
	KeyIdentifier JoinKey = "identifier"
)

var (
	ErrTooFewTables   = errors.New("reconcile: at least two tables are required")
	ErrUnknownKey     = errors.New("reconcile: join key must be \"geometry\" or \"identifier\"")
	ErrDuplicateLabel = errors.New("reconcile: duplicate column label")
	ErrEmptyLabel     = errors.New("reconcile: empty column label")
	ErrNilTable       = errors.New("reconcile: nil table")
)

// ParseJoinKey validates a configured join key. The empty string means geometry.
func ParseJoinKey(s string) (JoinKey, error) {
	switch JoinKey(s) {
	case "", KeyGeometry:
		return KeyGeometry, nil
	case KeyIdentifier:
		return KeyIdentifier, nil
	}
	return "", eris.Wrapf(ErrUnknownKey, "got %q", s)
}

// Labeled pairs a result table with its output column label.
type Labeled struct {
	Label string
	Table *model.ResultTable
}

// Report describes how well the tables overlapped. Unmatched counts, per
// label, the rows of that table that did not make it into the output.
type Report struct {
	Key       JoinKey
	Base      int
	Matched   int
	Unmatched map[string]int
	Mismatch  bool
}

// UnmatchedTotal sums the unmatched rows across every table.
func (r *Report) UnmatchedTotal() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, v := range r.Unmatched {
		n += v
	}
	return n
}

// Summary converts the report into its persisted form.
func (r *Report) Summary() *model.JoinSummary {
	if r == nil {
		return nil
	}
	unmatched := make(map[string]int, len(r.Unmatched))
	for k, v := range r.Unmatched {
		unmatched[k] = v
	}
	return &model.JoinSummary{
		Key:       string(r.Key),
		Base:      r.Base,
		Matched:   r.Matched,
		Unmatched: unmatched,
		Mismatch:  r.Mismatch,
	}
}

func rowKey(r model.AggregateRow, key JoinKey) string {
	if key == KeyIdentifier {
		return r.ID
	}
	return r.GeometryKey
}

func validate(tables []Labeled) error {
	seen := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		if t.Label == "" {
			return ErrEmptyLabel
		}
		if t.Table == nil {
			return eris.Wrapf(ErrNilTable, "label %q", t.Label)
		}
		if _, dup := seen[t.Label]; dup {
			return eris.Wrapf(ErrDuplicateLabel, "label %q", t.Label)
		}
		seen[t.Label] = struct{}{}
	}
	return nil
}

// Combine inner-joins tables on key. The first table is the base: output
// order, identifiers and geometry come from it, and each later table only
// contributes its value column. Rows missing from any table are dropped and
// reported; values are floored at zero.
func Combine(tables []Labeled, key JoinKey) (*model.CombinedTable, *Report, error) {
	if len(tables) < 2 {
		return nil, nil, ErrTooFewTables
	}
	if key != KeyGeometry && key != KeyIdentifier {
		return nil, nil, eris.Wrapf(ErrUnknownKey, "got %q", key)
	}
	if err := validate(tables); err != nil {
		return nil, nil, err
	}

	// First occurrence of a key wins in every table.
	indexes := make([]map[string]float64, len(tables))
	for i := 1; i < len(tables); i++ {
		idx := make(map[string]float64, tables[i].Table.Len())
		for _, r := range tables[i].Table.Rows {
			k := rowKey(r, key)
			if _, dup := idx[k]; !dup {
				idx[k] = r.Value
			}
		}
		indexes[i] = idx
	}

	labels := make([]string, len(tables))
	for i, t := range tables {
		labels[i] = t.Label
	}

	base := tables[0]
	out := &model.CombinedTable{Labels: labels, Rows: make([]model.CombinedRow, 0, base.Table.Len())}
	used := make([]map[string]struct{}, len(tables))
	for i := range used {
		used[i] = make(map[string]struct{})
	}

	for _, r := range base.Table.Rows {
		k := rowKey(r, key)
		if _, dup := used[0][k]; dup {
			continue
		}
		values := make([]float64, len(tables))
		values[0] = model.NonNegative(r.Value)
		matched := true
		for i := 1; i < len(tables); i++ {
			v, ok := indexes[i][k]
			if !ok {
				matched = false
				break
			}
			values[i] = model.NonNegative(v)
		}
		if !matched {
			continue
		}
		for i := range tables {
			used[i][k] = struct{}{}
		}
		out.Rows = append(out.Rows, model.CombinedRow{
			ID:          r.ID,
			Geometry:    r.Geometry,
			GeometryKey: r.GeometryKey,
			Values:      values,
		})
	}

	report := &Report{
		Key:       key,
		Base:      base.Table.Len(),
		Matched:   out.Len(),
		Unmatched: make(map[string]int, len(tables)),
	}
	for _, t := range tables {
		n := t.Table.Len() - out.Len()
		if n < 0 {
			n = 0
		}
		report.Unmatched[t.Label] = n
		if n > 0 {
			report.Mismatch = true
		}
	}

	if report.Mismatch {
		logMismatch(report, labels)
	}
	return out, report, nil
}

func logMismatch(r *Report, labels []string) {
	fields := []zap.Field{
		zap.String("component", "reconcile"),
		zap.String("key", string(r.Key)),
		zap.Int("matched", r.Matched),
		zap.Int("unmatched", r.UnmatchedTotal()),
	}
	names := append([]string(nil), labels...)
	sort.Strings(names)
	for _, l := range names {
		fields = append(fields, zap.Int("unmatched_"+l, r.Unmatched[l]))
	}
	zap.L().Warn("JoinMismatch: tables did not fully overlap", fields...)
}

// Single lifts one table into a one-column CombinedTable for degraded
// output. Values are floored at zero as in Combine.
func Single(t Labeled) (*model.CombinedTable, error) {
	if err := validate([]Labeled{t}); err != nil {
		return nil, err
	}
	out := &model.CombinedTable{
		Labels: []string{t.Label},
		Rows:   make([]model.CombinedRow, 0, t.Table.Len()),
	}
	for _, r := range t.Table.Rows {
		out.Rows = append(out.Rows, model.CombinedRow{
			ID:          r.ID,
			Geometry:    r.Geometry,
			GeometryKey: r.GeometryKey,
			Values:      []float64{model.NonNegative(r.Value)},
		})
	}
	return out, nil
}
