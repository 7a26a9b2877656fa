package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "geojson", cfg.Tiles.Source)
	assert.Equal(t, "activity", cfg.Tiles.IDField)
	assert.Equal(t, "remote", cfg.Engine.Driver)
	assert.Equal(t, 300, cfg.Engine.TimeoutSecs)
	assert.InDelta(t, 2.0, cfg.Engine.RatePerSec, 0.001)
	assert.Equal(t, 5, cfg.Engine.BreakerThreshold)
	assert.Equal(t, 60, cfg.Engine.BreakerResetSecs)
	assert.Equal(t, "geometry", cfg.Pipeline.JoinKey)
	assert.Equal(t, 2, cfg.Pipeline.MaxParallelDatasets)
	assert.Zero(t, cfg.Pipeline.Scale)
	assert.Equal(t, ".", cfg.Output.Dir)
	assert.Equal(t, "tile_activity", cfg.Output.Basename)
	assert.Equal(t, []string{"csv", "csv_geometry", "json", "geojson"}, cfg.Output.Formats)
	assert.Equal(t, "tile_population", cfg.Output.PostGISTable)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tilepop.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(4), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Datasets.Path)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := `
tiles:
  source: shapefile
  asset: data/tiles.zip
engine:
  driver: local
  catalog: rasters/catalog.yaml
datasets:
  path: chains.yaml
  select: [ghsl]
pipeline:
  join_key: identifier
  scale: 250
output:
  formats: [geojson, xlsx]
store:
  driver: none
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "shapefile", cfg.Tiles.Source)
	assert.Equal(t, "data/tiles.zip", cfg.Tiles.Asset)
	assert.Equal(t, "local", cfg.Engine.Driver)
	assert.Equal(t, "rasters/catalog.yaml", cfg.Engine.Catalog)
	assert.Equal(t, "chains.yaml", cfg.Datasets.Path)
	assert.Equal(t, []string{"ghsl"}, cfg.Datasets.Select)
	assert.Equal(t, "identifier", cfg.Pipeline.JoinKey)
	assert.InDelta(t, 250.0, cfg.Pipeline.Scale, 0.001)
	assert.Equal(t, []string{"geojson", "xlsx"}, cfg.Output.Formats)
	assert.Equal(t, "none", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, "activity", cfg.Tiles.IDField)
	assert.Equal(t, 2, cfg.Pipeline.MaxParallelDatasets)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("engine:\n  token: from-file\n"), 0o644))
	t.Setenv("TILEPOP_ENGINE_TOKEN", "from-env")
	t.Setenv("TILEPOP_PIPELINE_MAX_PARALLEL_DATASETS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Engine.Token)
	assert.Equal(t, 4, cfg.Pipeline.MaxParallelDatasets)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TILEPOP_TILES_ID_FIELD=tile_id\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("TILEPOP_TILES_ID_FIELD") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tile_id", cfg.Tiles.IDField)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("engine: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"engine driver", func(c *Config) { c.Engine.Driver = "gee" }, "engine.driver"},
		{"store driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"parallel", func(c *Config) { c.Pipeline.MaxParallelDatasets = -1 }, "max_parallel_datasets"},
		{"scale", func(c *Config) { c.Pipeline.Scale = -100 }, "pipeline.scale"},
		{"basename", func(c *Config) { c.Output.Basename = "" }, "output.basename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, base.Validate())
}

func TestInitLogger(t *testing.T) {
	orig := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(orig) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	err := InitLogger(LogConfig{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
