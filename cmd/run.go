package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/export"
	"github.com/gbsc-lab/tilepop/internal/pipeline"
	"github.com/gbsc-lab/tilepop/internal/reconcile"
	"github.com/gbsc-lab/tilepop/internal/resolve"
	"github.com/gbsc-lab/tilepop/internal/zonal"
)

var runCmd = &cobra.Command{
	Use:   "run [asset]",
	Short: "Aggregate every dataset over the tile set and write the comparison table",
	Long: "Loads the tile polygons, resolves each dataset through its fallback chain, " +
		"joins the per-dataset totals and writes the configured output formats. " +
		"When only one dataset resolves, a single-source table is written instead.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		applyRunFlags(cmd, args)

		if cfg.Tiles.Asset == "" {
			return eris.New("run: no tile asset given (argument or tiles.asset)")
		}

		names, _ := cmd.Flags().GetStringSlice("datasets")
		chains, err := loadChains(names)
		if err != nil {
			return eris.Wrap(err, "run: load datasets")
		}
		key, err := reconcile.ParseJoinKey(cfg.Pipeline.JoinKey)
		if err != nil {
			return err
		}
		formats, err := export.ParseFormats(cfg.Output.Formats)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return eris.Wrap(err, "run: open store")
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		src, err := openTiles(st)
		if err != nil {
			return eris.Wrap(err, "run: tile source")
		}

		eng, err := initEngine()
		if err != nil {
			return eris.Wrap(err, "run: engine")
		}
		defer func() {
			if cerr := eng.Close(); cerr != nil {
				zap.L().Warn("run: close engine", zap.Error(cerr))
			}
		}()

		out := export.Options{
			Dir:      cfg.Output.Dir,
			Basename: cfg.Output.Basename,
			Formats:  formats,
			Table:    cfg.Output.PostGISTable,
		}
		for _, f := range formats {
			if f == export.FormatPostGIS {
				out.Pool, err = postgisPool(st)
				if err != nil {
					return eris.Wrap(err, "run: postgis output")
				}
			}
		}

		agg := zonal.New(eng, zonal.WithCallTimeout(time.Duration(cfg.Engine.CallTimeoutSecs)*time.Second))
		runner := pipeline.New(src, resolve.New(agg), st)

		outcome, err := runner.Run(ctx, pipeline.Plan{
			Asset:       cfg.Tiles.Asset,
			Chains:      chains,
			JoinKey:     key,
			MaxParallel: cfg.Pipeline.MaxParallelDatasets,
			Scale:       cfg.Pipeline.Scale,
			Output:      out,
		})
		if err != nil {
			return err
		}

		printOutcome(cmd, outcome)
		return nil
	},
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, args []string) {
	f := cmd.Flags()
	if len(args) == 1 {
		cfg.Tiles.Asset = args[0]
	}
	if f.Changed("source") {
		cfg.Tiles.Source, _ = f.GetString("source")
	}
	if f.Changed("id-field") {
		cfg.Tiles.IDField, _ = f.GetString("id-field")
	}
	if f.Changed("join-key") {
		cfg.Pipeline.JoinKey, _ = f.GetString("join-key")
	}
	if f.Changed("scale") {
		cfg.Pipeline.Scale, _ = f.GetFloat64("scale")
	}
	if f.Changed("max-parallel") {
		cfg.Pipeline.MaxParallelDatasets, _ = f.GetInt("max-parallel")
	}
	if f.Changed("formats") {
		cfg.Output.Formats, _ = f.GetStringSlice("formats")
	}
	if f.Changed("out-dir") {
		cfg.Output.Dir, _ = f.GetString("out-dir")
	}
	if f.Changed("basename") {
		cfg.Output.Basename, _ = f.GetString("basename")
	}
}

func printOutcome(cmd *cobra.Command, o *pipeline.Outcome) {
	w := cmd.OutOrStdout()
	if o.Degraded {
		_, _ = fmt.Fprintln(w, "WARNING: output is degraded; not every dataset produced data")
		for _, d := range o.Datasets {
			if d.Err != nil {
				_, _ = fmt.Fprintf(w, "  %s: %v\n", d.Dataset, d.Err)
			}
		}
	}
	if o.Report != nil && o.Report.Mismatch {
		_, _ = fmt.Fprintf(w, "WARNING: join mismatch; %d tiles matched, %d rows unmatched\n",
			o.Report.Matched, o.Report.UnmatchedTotal())
	}
	if err := o.Summary.Write(w); err != nil {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
	}
	for _, p := range o.Outputs {
		_, _ = fmt.Fprintf(w, "Wrote %s\n", p)
	}
	_, _ = fmt.Fprintf(w, "Run %s\n", o.RunID)
}

func init() {
	runCmd.Flags().String("source", "", "tile source driver (geojson, shapefile, postgis)")
	runCmd.Flags().String("id-field", "", "polygon identifier property")
	runCmd.Flags().StringSlice("datasets", nil, "datasets to compare, in column order (default: all)")
	runCmd.Flags().String("join-key", "", "join tables on geometry or identifier")
	runCmd.Flags().Float64("scale", 0, "override every source's scale in meters")
	runCmd.Flags().Int("max-parallel", 0, "datasets resolved concurrently")
	runCmd.Flags().StringSlice("formats", nil, "output formats (csv, csv_geometry, json, geojson, xlsx, postgis)")
	runCmd.Flags().String("out-dir", "", "output directory")
	runCmd.Flags().String("basename", "", "output file stem")

	rootCmd.AddCommand(runCmd)
}
