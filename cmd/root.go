package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tilepop",
	Short: "Per-tile population totals from multiple raster datasets",
	Long: "Aggregates gridded population rasters over a set of tile polygons, falling back " +
		"through alternative sources per dataset, and reconciles the datasets into one comparison table.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
