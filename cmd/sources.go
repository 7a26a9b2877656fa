package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gbsc-lab/tilepop/internal/model"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the datasets and their fallback chains",
	RunE: func(cmd *cobra.Command, _ []string) error {
		names, _ := cmd.Flags().GetStringSlice("datasets")
		chains, err := loadChains(names)
		if err != nil {
			return err
		}
		formatChains(cmd.OutOrStdout(), chains)
		return nil
	},
}

// formatChains writes one line per candidate, in fallback order.
func formatChains(out io.Writer, chains []model.FallbackChain) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tLABEL\t#\tSOURCE\tSCALE\tDESCRIPTOR")
	_, _ = fmt.Fprintln(w, "-------\t-----\t-\t------\t-----\t----------")
	for _, c := range chains {
		for i, src := range c.Candidates {
			dataset, label := c.Dataset, c.Label
			if i > 0 {
				dataset, label = "", ""
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%gm\t%s\n",
				dataset, label, i+1, src.ID(), src.Scale, src.String())
		}
	}
	_ = w.Flush()
}

func init() {
	sourcesCmd.Flags().StringSlice("datasets", nil, "only these datasets")
	rootCmd.AddCommand(sourcesCmd)
}
