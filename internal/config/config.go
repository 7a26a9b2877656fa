package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Tiles    TilesConfig    `yaml:"tiles" mapstructure:"tiles"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Datasets DatasetsConfig `yaml:"datasets" mapstructure:"datasets"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// TilesConfig selects the vector asset holding the tile polygons.
type TilesConfig struct {
	Source  string `yaml:"source" mapstructure:"source"`
	Asset   string `yaml:"asset" mapstructure:"asset"`
	IDField string `yaml:"id_field" mapstructure:"id_field"`
}

// EngineConfig configures the raster engine client.
type EngineConfig struct {
	Driver           string  `yaml:"driver" mapstructure:"driver"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Token            string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CallTimeoutSecs  int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	Catalog          string  `yaml:"catalog" mapstructure:"catalog"`
}

// DatasetsConfig points at the fallback chain definitions. An empty path
// means the built-in defaults.
type DatasetsConfig struct {
	Path   string   `yaml:"path" mapstructure:"path"`
	Select []string `yaml:"select" mapstructure:"select"`
}

// PipelineConfig configures a run.
type PipelineConfig struct {
	JoinKey             string  `yaml:"join_key" mapstructure:"join_key"`
	MaxParallelDatasets int     `yaml:"max_parallel_datasets" mapstructure:"max_parallel_datasets"`
	Scale               float64 `yaml:"scale" mapstructure:"scale"`
}

// OutputConfig configures exports.
type OutputConfig struct {
	Dir          string   `yaml:"dir" mapstructure:"dir"`
	Basename     string   `yaml:"basename" mapstructure:"basename"`
	Formats      []string `yaml:"formats" mapstructure:"formats"`
	PostGISTable string   `yaml:"postgis_table" mapstructure:"postgis_table"`
}

// StoreConfig configures the run ledger and the shared Postgres pool.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
// Environment variables use the TILEPOP_ prefix with dots replaced by
// underscores (TILEPOP_ENGINE_TOKEN).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TILEPOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("tiles.source", "geojson")
	v.SetDefault("tiles.asset", "")
	v.SetDefault("tiles.id_field", "activity")
	v.SetDefault("engine.driver", "remote")
	v.SetDefault("engine.base_url", "https://zonal.example.org")
	v.SetDefault("engine.token", "")
	v.SetDefault("engine.timeout_secs", 300)
	v.SetDefault("engine.call_timeout_secs", 300)
	v.SetDefault("engine.rate_per_sec", 2.0)
	v.SetDefault("engine.breaker_threshold", 5)
	v.SetDefault("engine.breaker_reset_secs", 60)
	v.SetDefault("engine.catalog", "catalog.yaml")
	v.SetDefault("datasets.path", "")
	v.SetDefault("datasets.select", []string{})
	v.SetDefault("pipeline.join_key", "geometry")
	v.SetDefault("pipeline.scale", 0.0)
	v.SetDefault("pipeline.max_parallel_datasets", 2)
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.basename", "tile_activity")
	v.SetDefault("output.formats", []string{"csv", "csv_geometry", "json", "geojson"})
	v.SetDefault("output.postgis_table", "tile_population")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tilepop.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	switch c.Engine.Driver {
	case "remote", "local":
	default:
		return eris.Errorf("config: engine.driver must be remote or local, got %q", c.Engine.Driver)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		return eris.Errorf("config: store.driver must be sqlite, postgres or none, got %q", c.Store.Driver)
	}
	if c.Pipeline.MaxParallelDatasets < 0 {
		return eris.New("config: pipeline.max_parallel_datasets must not be negative")
	}
	if c.Pipeline.Scale < 0 {
		return eris.New("config: pipeline.scale must not be negative")
	}
	if c.Output.Basename == "" {
		return eris.New("config: output.basename is required")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
