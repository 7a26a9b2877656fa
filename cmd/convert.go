package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gbsc-lab/tilepop/internal/export"
)

var convertCmd = &cobra.Command{
	Use:   "convert <table.geojson>",
	Short: "Re-export a GeoJSON result table to other formats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "convert: open")
		}
		defer f.Close() //nolint:errcheck

		table, err := export.ReadGeoJSON(f)
		if err != nil {
			return err
		}

		names, _ := cmd.Flags().GetStringSlice("formats")
		formats, err := export.ParseFormats(names)
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("out-dir")
		basename, _ := cmd.Flags().GetString("basename")

		opts := export.Options{Dir: dir, Basename: basename, Formats: formats, Table: cfg.Output.PostGISTable}
		for _, f := range formats {
			if f == export.FormatPostGIS {
				st, err := requireStore(ctx)
				if err != nil {
					return err
				}
				defer st.Close() //nolint:errcheck
				if opts.Pool, err = postgisPool(st); err != nil {
					return err
				}
				opts.RunID = "convert:" + basename
			}
		}

		exporters, err := export.Build(opts)
		if err != nil {
			return err
		}
		for _, e := range exporters {
			dest, err := e.Export(ctx, table)
			if err != nil {
				return eris.Wrapf(err, "convert: %s", e.Format())
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", dest)
		}
		return nil
	},
}

func init() {
	convertCmd.Flags().StringSlice("formats", []string{"csv", "xlsx"}, "output formats")
	convertCmd.Flags().String("out-dir", ".", "output directory")
	convertCmd.Flags().String("basename", "tile_activity_converted", "output file stem")
	rootCmd.AddCommand(convertCmd)
}
