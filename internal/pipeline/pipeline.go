// Package pipeline drives one run: load the tile set, resolve every
// dataset's fallback chain, reconcile the results, export and record.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gbsc-lab/tilepop/internal/export"
	"github.com/gbsc-lab/tilepop/internal/model"
	"github.com/gbsc-lab/tilepop/internal/reconcile"
	"github.com/gbsc-lab/tilepop/internal/resolve"
	"github.com/gbsc-lab/tilepop/internal/store"
	"github.com/gbsc-lab/tilepop/internal/tiles"
)

// DefaultMaxParallel bounds how many datasets resolve at once.
const DefaultMaxParallel = 2

// Resolver walks one fallback chain (resolve.Resolver).
type Resolver interface {
	Resolve(ctx context.Context, chain model.FallbackChain, polygons *model.PolygonSet) (*resolve.Resolution, error)
}

// Plan is everything one run needs besides its collaborators.
type Plan struct {
	Asset   string
	Chains  []model.FallbackChain
	JoinKey reconcile.JoinKey
	// MaxParallel <= 0 means DefaultMaxParallel.
	MaxParallel int
	// Scale > 0 overrides every candidate's scale.
	Scale float64
	// Output.Basename is the stem; the runner appends the combined or
	// single-source suffix.
	Output export.Options
}

// DatasetOutcome is the result of one chain. Exactly one of Resolution and
// Err is set.
type DatasetOutcome struct {
	Dataset    string
	Label      string
	Resolution *resolve.Resolution
	Err        error
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID    string
	Polygons int
	Datasets []DatasetOutcome
	Table    *model.CombinedTable
	// Report is nil for single-source output.
	Report   *reconcile.Report
	Degraded bool
	Summary  *Summary
	Outputs  []string
}

// Runner executes plans. The store is optional.
type Runner struct {
	tiles    tiles.Source
	resolver Resolver
	store    store.Store
}

// New creates a Runner. st may be nil to skip the run ledger.
func New(src tiles.Source, r Resolver, st store.Store) *Runner {
	return &Runner{tiles: src, resolver: r, store: st}
}

// Run executes plan. A dataset whose chain is exhausted does not fail the
// run while another dataset still produces data; the output is then marked
// degraded.
func (r *Runner) Run(ctx context.Context, plan Plan) (*Outcome, error) {
	if len(plan.Chains) == 0 {
		return nil, ErrNoDatasets
	}
	key, err := reconcile.ParseJoinKey(string(plan.JoinKey))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: join key")
	}

	names := make([]string, len(plan.Chains))
	for i, c := range plan.Chains {
		names[i] = c.Dataset
	}

	runID := r.createRun(ctx, plan.Asset, names)
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", runID),
		zap.String("asset", plan.Asset),
	)
	log.Info("pipeline: starting run", zap.Strings("datasets", names))
	start := time.Now()

	out := &Outcome{RunID: runID}

	// Phase 1: polygons.
	polygons, err := r.loadPolygons(ctx, plan.Asset)
	if err != nil {
		log.Error("pipeline: polygon load failed", zap.Error(err))
		r.fail(ctx, runID, out, err)
		return nil, err
	}
	out.Polygons = polygons.Len()
	log.Info("pipeline: polygons loaded", zap.Int("polygons", polygons.Len()), zap.String("id_field", polygons.IDField))

	// Phase 2: resolve every dataset.
	out.Datasets, err = r.resolveAll(ctx, plan, polygons)
	if err != nil {
		log.Error("pipeline: resolve failed", zap.Error(err))
		r.recordAttempts(ctx, runID, out.Datasets)
		r.fail(ctx, runID, out, err)
		return nil, err
	}
	r.recordAttempts(ctx, runID, out.Datasets)

	// Phase 3: reconcile.
	var (
		resolved  []reconcile.Labeled
		exhausted []error
		basename  string
	)
	for _, d := range out.Datasets {
		if d.Err != nil {
			exhausted = append(exhausted, d.Err)
			continue
		}
		resolved = append(resolved, reconcile.Labeled{Label: d.Label, Table: d.Resolution.Table})
	}

	switch len(resolved) {
	case 0:
		noData := &NoDataError{Errors: exhausted}
		log.Error("pipeline: no dataset produced data", zap.Error(noData))
		r.fail(ctx, runID, out, noData)
		return nil, noData
	case 1:
		single := singleDataset(out.Datasets)
		out.Table, err = reconcile.Single(resolved[0])
		out.Degraded = true
		basename = plan.Output.Basename + "_" + single + "_only"
		log.Warn("pipeline: only one dataset resolved, writing single-source output",
			zap.String("dataset", single),
			zap.Int("failed_datasets", len(exhausted)),
		)
	default:
		out.Table, out.Report, err = reconcile.Combine(resolved, key)
		out.Degraded = len(exhausted) > 0
		basename = plan.Output.Basename + "_with_population"
	}
	if err != nil {
		err = eris.Wrap(err, "pipeline: reconcile")
		r.fail(ctx, runID, out, err)
		return nil, err
	}
	out.Table.IDField = polygons.IDField

	// Phase 4: summary.
	out.Summary = Summarize(out.Table)
	log.Info("pipeline: summary",
		zap.Int("rows", out.Summary.Rows),
		zap.Any("totals", out.Summary.TotalsByLabel()),
	)

	// Phase 5: export.
	opts := plan.Output
	opts.Basename = basename
	opts.RunID = runID
	out.Outputs, err = exportAll(ctx, opts, out.Table)
	if err != nil {
		log.Error("pipeline: export failed", zap.Error(err))
		r.fail(ctx, runID, out, err)
		return nil, err
	}

	// Phase 6: ledger.
	status := model.RunStatusComplete
	if out.Degraded {
		status = model.RunStatusDegraded
	}
	r.complete(ctx, runID, status, resultOf(out, nil))

	log.Info("pipeline: run complete",
		zap.String("status", string(status)),
		zap.Int("rows", out.Table.Len()),
		zap.Strings("outputs", out.Outputs),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (r *Runner) loadPolygons(ctx context.Context, asset string) (*model.PolygonSet, error) {
	set, err := r.tiles.Load(ctx, asset)
	if err != nil {
		return nil, &PolygonLoadError{Asset: asset, Err: err}
	}
	if err := tiles.Validate(set); err != nil {
		return nil, &PolygonLoadError{Asset: asset, Err: err}
	}
	return set, nil
}

// resolveAll fans out one goroutine per chain, bounded by MaxParallel.
// Exhausted chains land in their DatasetOutcome; any other error cancels
// the remaining chains and is returned.
func (r *Runner) resolveAll(ctx context.Context, plan Plan, polygons *model.PolygonSet) ([]DatasetOutcome, error) {
	limit := plan.MaxParallel
	if limit <= 0 {
		limit = DefaultMaxParallel
	}

	results := make([]DatasetOutcome, len(plan.Chains))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, chain := range plan.Chains {
		chain = withScale(chain, plan.Scale)
		g.Go(func() error {
			res, err := r.resolver.Resolve(gCtx, chain, polygons)

			mu.Lock()
			defer mu.Unlock()
			results[i] = DatasetOutcome{Dataset: chain.Dataset, Label: chain.Label}
			switch {
			case err == nil:
				results[i].Resolution = res
				return nil
			case errors.Is(err, resolve.ErrAllSourcesExhausted):
				results[i].Err = err
				return nil
			default:
				return eris.Wrapf(err, "pipeline: resolve %s", chain.Dataset)
			}
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// withScale returns chain with every candidate's scale replaced when scale > 0.
func withScale(chain model.FallbackChain, scale float64) model.FallbackChain {
	if scale <= 0 {
		return chain
	}
	candidates := make([]model.RasterSource, len(chain.Candidates))
	for i, c := range chain.Candidates {
		c.Scale = scale
		candidates[i] = c
	}
	chain.Candidates = candidates
	return chain
}

func singleDataset(outcomes []DatasetOutcome) string {
	for _, d := range outcomes {
		if d.Err == nil && d.Resolution != nil {
			return d.Dataset
		}
	}
	return ""
}

func exportAll(ctx context.Context, opts export.Options, t *model.CombinedTable) ([]string, error) {
	exporters, err := export.Build(opts)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: build exporters")
	}
	outputs := make([]string, 0, len(exporters))
	for _, e := range exporters {
		dest, err := e.Export(ctx, t)
		if err != nil {
			return outputs, eris.Wrapf(err, "pipeline: export %s", e.Format())
		}
		zap.L().Info("pipeline: wrote output", zap.String("format", string(e.Format())), zap.String("dest", dest))
		outputs = append(outputs, dest)
	}
	return outputs, nil
}

// attemptRecords flattens every outcome into ledger rows in chain order.
func attemptRecords(outcomes []DatasetOutcome) []model.AttemptRecord {
	var recs []model.AttemptRecord
	failed := func(dataset string, a resolve.Attempt) model.AttemptRecord {
		rec := model.AttemptRecord{
			Dataset:    dataset,
			Source:     a.Source.ID(),
			Position:   a.Position,
			Kind:       a.Kind,
			DurationMs: a.Duration.Milliseconds(),
		}
		if a.Err != nil {
			rec.Error = a.Err.Error()
		}
		return rec
	}

	for _, d := range outcomes {
		if d.Resolution != nil {
			for _, a := range d.Resolution.Failures {
				recs = append(recs, failed(d.Dataset, a))
			}
			res := d.Resolution
			rec := model.AttemptRecord{
				Dataset:    d.Dataset,
				Source:     res.Source.ID(),
				Position:   res.Position,
				Succeeded:  true,
				DurationMs: res.Duration.Milliseconds(),
			}
			if res.Table != nil {
				rec.Rows = res.Table.Len()
				rec.Dropped = res.Table.Dropped()
			}
			recs = append(recs, rec)
			continue
		}
		var ex *resolve.ExhaustedError
		if errors.As(d.Err, &ex) {
			for _, a := range ex.Attempts {
				recs = append(recs, failed(d.Dataset, a))
			}
		}
	}
	return recs
}

func resultOf(out *Outcome, runErr error) *model.RunResult {
	res := &model.RunResult{
		Polygons: out.Polygons,
		Rows:     out.Table.Len(),
		Degraded: out.Degraded,
		Outputs:  out.Outputs,
	}
	if out.Summary != nil {
		res.Totals = out.Summary.TotalsByLabel()
	}
	if out.Report != nil {
		res.Join = out.Report.Summary()
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	return res
}

// Ledger failures are logged, never returned.

func (r *Runner) createRun(ctx context.Context, asset string, datasets []string) string {
	if r.store == nil {
		return uuid.New().String()
	}
	run, err := r.store.CreateRun(ctx, asset, datasets)
	if err != nil {
		zap.L().Warn("pipeline: failed to create run record", zap.Error(err))
		return uuid.New().String()
	}
	return run.ID
}

func (r *Runner) recordAttempts(ctx context.Context, runID string, outcomes []DatasetOutcome) {
	if r.store == nil {
		return
	}
	recs := attemptRecords(outcomes)
	if len(recs) == 0 {
		return
	}
	if err := r.store.RecordAttempts(ctx, runID, recs); err != nil {
		zap.L().Warn("pipeline: failed to record attempts", zap.String("run_id", runID), zap.Error(err))
	}
}

func (r *Runner) complete(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) {
	if r.store == nil {
		return
	}
	if err := r.store.CompleteRun(ctx, runID, status, result); err != nil {
		zap.L().Warn("pipeline: failed to complete run record", zap.String("run_id", runID), zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, runID string, out *Outcome, runErr error) {
	r.complete(context.WithoutCancel(ctx), runID, model.RunStatusFailed, resultOf(out, runErr))
}
