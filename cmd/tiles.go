package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gbsc-lab/tilepop/internal/store"
	"github.com/gbsc-lab/tilepop/internal/tiles"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Inspect tile polygon assets",
}

var tilesValidateCmd = &cobra.Command{
	Use:   "validate [asset]",
	Short: "Load a tile asset and check its polygons",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 1 {
			cfg.Tiles.Asset = args[0]
		}
		if f := cmd.Flags(); f.Changed("source") {
			cfg.Tiles.Source, _ = f.GetString("source")
		}
		if f := cmd.Flags(); f.Changed("id-field") {
			cfg.Tiles.IDField, _ = f.GetString("id-field")
		}
		if cfg.Tiles.Asset == "" {
			return eris.New("tiles validate: no asset given")
		}

		var st store.Store
		if cfg.Tiles.Source == "postgis" {
			var err error
			st, err = requireStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
		}

		src, err := openTiles(st)
		if err != nil {
			return err
		}
		set, err := src.Load(ctx, cfg.Tiles.Asset)
		if err != nil {
			return eris.Wrap(err, "tiles validate")
		}
		if err := tiles.Validate(set); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(w, "%s: %d polygons, id field %q\n", cfg.Tiles.Asset, set.Len(), set.IDField)
		ids := set.IDs()
		if len(ids) > 5 {
			ids = append(ids[:5:5], "...")
		}
		_, _ = fmt.Fprintf(w, "ids: %v\n", ids)
		return nil
	},
}

func init() {
	tilesValidateCmd.Flags().String("source", "", "tile source driver (geojson, shapefile, postgis)")
	tilesValidateCmd.Flags().String("id-field", "", "polygon identifier property")
	tilesCmd.AddCommand(tilesValidateCmd)
	rootCmd.AddCommand(tilesCmd)
}
