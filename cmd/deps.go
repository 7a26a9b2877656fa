package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gbsc-lab/tilepop/internal/datasets"
	"github.com/gbsc-lab/tilepop/internal/db"
	"github.com/gbsc-lab/tilepop/internal/engine"
	"github.com/gbsc-lab/tilepop/internal/engine/local"
	"github.com/gbsc-lab/tilepop/internal/engine/remote"
	"github.com/gbsc-lab/tilepop/internal/model"
	"github.com/gbsc-lab/tilepop/internal/resilience"
	"github.com/gbsc-lab/tilepop/internal/store"
	"github.com/gbsc-lab/tilepop/internal/tiles"
)

// initStore opens the run ledger. It returns nil when store.driver is none.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "none":
		return nil, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	default:
		return store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	}
}

// requireStore is initStore for commands that only make sense with a ledger.
func requireStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("run ledger is disabled (store.driver = none)")
	}
	return st, nil
}

// postgisPool returns the ledger's Postgres pool for PostGIS tiles and
// exports.
func postgisPool(st store.Store) (db.Pool, error) {
	pg, ok := st.(*store.PostgresStore)
	if !ok {
		return nil, eris.New("postgis tiles and exports need store.driver = postgres")
	}
	return pg.Pool(), nil
}

// initEngine builds the raster engine named by engine.driver. The caller
// closes it.
func initEngine() (engine.Engine, error) {
	switch cfg.Engine.Driver {
	case "local":
		eng, err := local.LoadCatalog(cfg.Engine.Catalog)
		if err != nil {
			return nil, err
		}
		return eng, nil
	default:
		if cfg.Engine.Token == "" {
			return nil, eris.New("engine token is required (TILEPOP_ENGINE_TOKEN)")
		}
		return remote.NewClient(cfg.Engine.Token,
			remote.WithBaseURL(cfg.Engine.BaseURL),
			remote.WithRateLimit(cfg.Engine.RatePerSec),
			remote.WithTimeout(time.Duration(cfg.Engine.TimeoutSecs)*time.Second),
			remote.WithBreaker(resilience.NewCircuitBreaker(
				resilience.FromCircuitConfig(cfg.Engine.BreakerThreshold, cfg.Engine.BreakerResetSecs))),
		), nil
	}
}

// loadChains returns the configured fallback chains, restricted to names
// when any are given.
func loadChains(names []string) ([]model.FallbackChain, error) {
	chains := datasets.Defaults()
	if cfg.Datasets.Path != "" {
		var err error
		chains, err = datasets.Load(cfg.Datasets.Path)
		if err != nil {
			return nil, err
		}
	}
	if len(names) == 0 {
		names = cfg.Datasets.Select
	}
	return datasets.Select(chains, names)
}

// openTiles returns the polygon source for tiles.source.
func openTiles(st store.Store) (tiles.Source, error) {
	opts := tiles.Options{Driver: cfg.Tiles.Source, IDField: cfg.Tiles.IDField}
	if opts.Driver == "postgis" {
		pool, err := postgisPool(st)
		if err != nil {
			return nil, err
		}
		opts.Pool = pool
	}
	return tiles.Open(opts)
}
