package pipeline

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gbsc-lab/tilepop/internal/model"
)

// Difference is Totals[A] - Totals[B] for a pair of columns.
type Difference struct {
	A     string
	B     string
	Delta float64
}

// Summary holds per-column totals of a combined table and the pairwise
// differences between them.
type Summary struct {
	Rows        int
	Labels      []string
	Totals      []float64
	Differences []Difference
}

// Summarize computes totals in column order and a difference for every
// column pair (i < j).
func Summarize(t *model.CombinedTable) *Summary {
	s := &Summary{Rows: t.Len(), Labels: append([]string(nil), t.Labels...), Totals: t.Totals()}
	for i := 0; i < len(s.Labels); i++ {
		for j := i + 1; j < len(s.Labels); j++ {
			s.Differences = append(s.Differences, Difference{
				A:     s.Labels[i],
				B:     s.Labels[j],
				Delta: s.Totals[i] - s.Totals[j],
			})
		}
	}
	return s
}

// TotalsByLabel returns the totals keyed by column label.
func (s *Summary) TotalsByLabel() map[string]float64 {
	out := make(map[string]float64, len(s.Labels))
	for i, l := range s.Labels {
		out[l] = s.Totals[i]
	}
	return out
}

// Write prints the summary with thousands separators, totals rounded to
// whole people.
func (s *Summary) Write(w io.Writer) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w, "Tiles: %d\n", s.Rows); err != nil {
		return err
	}
	for i, l := range s.Labels {
		if _, err := p.Fprintf(w, "Total %s: %.0f\n", l, s.Totals[i]); err != nil {
			return err
		}
	}
	for _, d := range s.Differences {
		if _, err := p.Fprintf(w, "Difference (%s - %s): %.0f\n", d.A, d.B, d.Delta); err != nil {
			return err
		}
	}
	return nil
}

func (s *Summary) String() string {
	var b bytes.Buffer
	if err := s.Write(&b); err != nil {
		return fmt.Sprintf("summary: %v", err)
	}
	return b.String()
}
