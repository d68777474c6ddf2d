// Package orchestrator runs whole NBLAST jobs: it validates inputs, splits
// the query x target grid into partition cells, builds one engine per cell
// holding only the neurons that cell needs, dispatches the cells across a
// worker pool, and reassembles the global score table by neuron ID.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/morphoscope/nblast/internal/blaster"
	"github.com/morphoscope/nblast/internal/partition"
	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

// Options configures one orchestrated run. Defaults are resolved by the
// caller (CLI/server config), not deep inside the algorithms.
type Options struct {
	// Workers is the parallelism of the run; 1 executes serially in the
	// caller's goroutine with no pool.
	Workers int
	// Agg combines forward and reverse scores; AggBoth is not valid for
	// batch runs.
	Agg blaster.Agg
	// ScoreFn defaults to the pass-through distance*dot scorer when nil.
	ScoreFn    scoring.ScoreFunc
	UseAlpha   bool
	Normalized bool
	MaxDist    float64
}

func (o Options) engineConfig() blaster.Config {
	return blaster.Config{
		ScoreFn:    o.ScoreFn,
		UseAlpha:   o.UseAlpha,
		Normalized: o.Normalized,
		MaxDist:    o.MaxDist,
	}
}

// validate applies the shared sanity rules: a worker count below 1 is an
// error; odd or oversubscribed counts and suspicious coordinate magnitudes
// only warn.
func (o Options) validate(queries, targets []*dotprops.Dotprops) error {
	if o.Workers < 1 {
		return fmt.Errorf("%w: worker count must be >= 1, got %d", blaster.ErrConfiguration, o.Workers)
	}
	if ncpu := runtime.NumCPU(); o.Workers > ncpu {
		log.Warn().Int("workers", o.Workers).Int("cpus", ncpu).Msg("more workers than CPUs, expect oversubscription")
	} else if o.Workers > 1 && o.Workers%2 != 0 {
		log.Warn().Int("workers", o.Workers).Msg("odd worker count partitions unevenly")
	}
	if len(queries) == 0 || len(targets) == 0 {
		return fmt.Errorf("%w: empty query or target set (%d x %d)", blaster.ErrConfiguration, len(queries), len(targets))
	}
	// Reassembly keys on neuron ID, so duplicates within one axis would
	// silently overwrite each other's rows.
	if err := uniqueIDs(queries); err != nil {
		return fmt.Errorf("%w: queries: %v", blaster.ErrConfiguration, err)
	}
	if err := uniqueIDs(targets); err != nil {
		return fmt.Errorf("%w: targets: %v", blaster.ErrConfiguration, err)
	}
	if _, err := blaster.ParseAgg(string(o.Agg)); err != nil {
		return err
	}
	if o.Agg == blaster.AggBoth {
		return fmt.Errorf("%w: aggregation %q not valid for batch runs", blaster.ErrConfiguration, o.Agg)
	}
	warnUnits(append(queries[:len(queries):len(queries)], targets...))
	return nil
}

// warnUnits flags coordinate magnitudes that do not look like microns.
// Trained score tables assume micron space; nanometer-scale coordinates
// silently push every match into the far distance bins.
func warnUnits(neurons []*dotprops.Dotprops) {
	maxAbs := 0.0
	for _, dp := range neurons {
		for _, p := range dp.Points {
			for d := 0; d < 3; d++ {
				maxAbs = math.Max(maxAbs, math.Abs(p[d]))
			}
		}
	}
	if maxAbs > 1e6 {
		log.Warn().Float64("max_coordinate", maxAbs).Msg("coordinates look larger than micron space; score tables are trained in microns")
	}
}

// EngineFactory builds a fresh, empty engine for one partition cell.
type EngineFactory func() (blaster.Engine, error)

// NBlast scores every query against every target with the morphology engine.
func NBlast(ctx context.Context, queries, targets []*dotprops.Dotprops, opts Options) (*scoring.ScoreTable, error) {
	if err := opts.validate(queries, targets); err != nil {
		return nil, err
	}
	factory := func() (blaster.Engine, error) {
		return blaster.NewNBlaster(opts.engineConfig()), nil
	}
	return runGrid(ctx, queries, targets, opts, factory)
}

// NBlastAllByAll scores a single neuron set against itself. The query and
// target axes are the same list in the same order, which is what makes the
// serial path's transpose reuse valid.
func NBlastAllByAll(ctx context.Context, neurons []*dotprops.Dotprops, opts Options) (*scoring.ScoreTable, error) {
	if err := opts.validate(neurons, neurons); err != nil {
		return nil, err
	}
	if opts.Workers == 1 {
		e := blaster.NewNBlaster(opts.engineConfig())
		if _, err := blaster.AppendAll(e, neurons); err != nil {
			return nil, err
		}
		return blaster.AllByAll(e, opts.Agg)
	}
	factory := func() (blaster.Engine, error) {
		return blaster.NewNBlaster(opts.engineConfig()), nil
	}
	return runGrid(ctx, neurons, neurons, opts, factory)
}

// SynBlast scores by synapse location.
func SynBlast(ctx context.Context, queries, targets []*dotprops.Dotprops, byType bool, opts Options) (*scoring.ScoreTable, error) {
	if err := opts.validate(queries, targets); err != nil {
		return nil, err
	}
	factory := func() (blaster.Engine, error) {
		return blaster.NewSynBlaster(opts.engineConfig(), byType), nil
	}
	return runGrid(ctx, queries, targets, opts, factory)
}

// NBlastAlign registers each query onto each target before scoring. The
// result is not guaranteed symmetric even for mean aggregation: forward and
// reverse legs use independently computed registrations.
func NBlastAlign(ctx context.Context, queries, targets []*dotprops.Dotprops, aligner blaster.Aligner, twoWay bool, opts Options) (*scoring.ScoreTable, error) {
	if err := opts.validate(queries, targets); err != nil {
		return nil, err
	}
	if aligner == nil {
		return nil, fmt.Errorf("%w: NBlastAlign needs an aligner", blaster.ErrMissingCapability)
	}
	factory := func() (blaster.Engine, error) {
		return blaster.NewAlignBlaster(opts.engineConfig(), aligner, twoWay)
	}
	return runGrid(ctx, queries, targets, opts, factory)
}

// runGrid is the shared pipeline: partition, per-cell engines, dispatch,
// reassemble by ID.
func runGrid(ctx context.Context, queries, targets []*dotprops.Dotprops, opts Options, factory EngineFactory) (*scoring.ScoreTable, error) {
	grid, err := partition.FindOptimalPartition(opts.Workers, len(queries), len(targets))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", blaster.ErrConfiguration, err)
	}
	cells := grid.Cells(len(queries), len(targets))

	result := scoring.NewScoreTable(ids(queries), ids(targets))

	if opts.Workers == 1 {
		for _, cell := range cells {
			sub, err := runCell(factory, queries, targets, cell, opts.Agg)
			if err != nil {
				return nil, err
			}
			if err := result.Merge(sub); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	// Worker pool: each cell is one self-contained job carrying only its
	// own neuron subset; sub-tables come back over the channel and merge
	// order does not matter because writes key on neuron ID.
	subs := make(chan *scoring.ScoreTable, len(cells))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, cell := range cells {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sub, err := runCell(factory, queries, targets, cell, opts.Agg)
			if err != nil {
				return fmt.Errorf("partition cell (%d, %d): %w", cell.Row, cell.Col, err)
			}
			subs <- sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(subs)
	for sub := range subs {
		if err := result.Merge(sub); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// runCell builds the cell's private engine, appends only the neurons the
// cell touches (a neuron on both axes is appended once), and evaluates the
// cell's dense sub-grid.
func runCell(factory EngineFactory, queries, targets []*dotprops.Dotprops, cell partition.Cell, agg blaster.Agg) (*scoring.ScoreTable, error) {
	e, err := factory()
	if err != nil {
		return nil, err
	}
	appended := make(map[*dotprops.Dotprops]int, len(cell.QueryIx)+len(cell.TargetIx))
	local := func(dp *dotprops.Dotprops) (int, error) {
		if ix, ok := appended[dp]; ok {
			return ix, nil
		}
		ix, err := e.Append(dp)
		if err != nil {
			return 0, err
		}
		appended[dp] = ix
		return ix, nil
	}

	qloc := make([]int, len(cell.QueryIx))
	for i, gi := range cell.QueryIx {
		if qloc[i], err = local(queries[gi]); err != nil {
			return nil, err
		}
	}
	tloc := make([]int, len(cell.TargetIx))
	for i, gi := range cell.TargetIx {
		if tloc[i], err = local(targets[gi]); err != nil {
			return nil, err
		}
	}
	return blaster.MultiQueryTarget(e, qloc, tloc, agg)
}

func uniqueIDs(neurons []*dotprops.Dotprops) error {
	seen := make(map[string]struct{}, len(neurons))
	for _, dp := range neurons {
		if _, dup := seen[dp.ID]; dup {
			return fmt.Errorf("duplicate neuron ID %q", dp.ID)
		}
		seen[dp.ID] = struct{}{}
	}
	return nil
}

func ids(neurons []*dotprops.Dotprops) []string {
	out := make([]string, len(neurons))
	for i, dp := range neurons {
		out[i] = dp.ID
	}
	return out
}
