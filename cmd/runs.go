package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gbsc-lab/tilepop/internal/model"
	"github.com/gbsc-lab/tilepop/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
	Long:  "Commands for listing runs and viewing the sources each run tried.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		asset, _ := cmd.Flags().GetString("asset")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Asset:  asset,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and every source it tried",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		attempts, err := st.ListAttempts(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*model.Run
				Attempts []model.AttemptRecord `json:"attempts"`
			}{run, attempts})
		}
		formatRunDetail(cmd.OutOrStdout(), run, attempts)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, degraded, failed)")
	runsListCmd.Flags().String("asset", "", "filter by tile asset")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("json", false, "print the run as JSON")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tASSET\tDATASETS\tSTATUS\tROWS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t--------\t------\t----\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		rows := "-"
		if r.Result != nil {
			rows = fmt.Sprint(r.Result.Rows)
		}

		asset := r.Asset
		if len(asset) > 30 {
			asset = "..." + asset[len(asset)-27:]
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			asset,
			strings.Join(r.Datasets, ","),
			r.Status,
			rows,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunDetail writes one run with its result and attempts.
func formatRunDetail(out io.Writer, r *model.Run, attempts []model.AttemptRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Asset:\t%s\n", r.Asset)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", r.CreatedAt.Format(time.RFC3339))
	if res := r.Result; res != nil {
		_, _ = fmt.Fprintf(w, "Polygons:\t%d\n", res.Polygons)
		_, _ = fmt.Fprintf(w, "Rows:\t%d\n", res.Rows)
		labels := make([]string, 0, len(res.Totals))
		for l := range res.Totals {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			_, _ = fmt.Fprintf(w, "Total %s:\t%.0f\n", l, res.Totals[l])
		}
		if j := res.Join; j != nil && j.Mismatch {
			_, _ = fmt.Fprintf(w, "Join mismatch:\t%d matched of %d\n", j.Matched, j.Base)
		}
		for _, o := range res.Outputs {
			_, _ = fmt.Fprintf(w, "Output:\t%s\n", o)
		}
		if res.Error != "" {
			_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Error)
		}
	}
	_ = w.Flush()

	if len(attempts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\t#\tSOURCE\tRESULT\tROWS\tDURATION")
	for _, a := range attempts {
		result := "ok"
		if !a.Succeeded {
			result = a.Kind
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
			a.Dataset, a.Position+1, a.Source, result, a.Rows,
			(time.Duration(a.DurationMs) * time.Millisecond).String())
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
