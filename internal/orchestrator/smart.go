package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/morphoscope/nblast/internal/blaster"
	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

// SmartCriterion selects how stage-two candidates are picked per query row.
type SmartCriterion string

const (
	// CriterionPercentile keeps targets whose coarse score reaches the
	// given percentile (0-100) of the row.
	CriterionPercentile SmartCriterion = "percentile"
	// CriterionQuantile is the same with a 0-1 quantile.
	CriterionQuantile SmartCriterion = "quantile"
	// CriterionTopN keeps roughly the N best targets per row. The N to
	// percentile conversion is approximate: ties and integer truncation
	// can select slightly more or fewer than N.
	CriterionTopN SmartCriterion = "N"
)

// DefaultCoarseStep is the point downsampling factor of the coarse pass.
const DefaultCoarseStep = 10

// SmartOptions configures the two-stage refinement.
type SmartOptions struct {
	Criterion SmartCriterion
	// Threshold is a percentile, quantile or N depending on Criterion.
	Threshold float64
	// CoarseStep is the downsampling step of stage one; DefaultCoarseStep
	// when 0.
	CoarseStep int
}

func (s SmartOptions) validate() error {
	switch s.Criterion {
	case CriterionPercentile:
		if s.Threshold <= 0 || s.Threshold >= 100 {
			return fmt.Errorf("%w: percentile must be in (0, 100), got %g", blaster.ErrConfiguration, s.Threshold)
		}
	case CriterionQuantile:
		if s.Threshold <= 0 || s.Threshold >= 1 {
			return fmt.Errorf("%w: quantile must be in (0, 1), got %g", blaster.ErrConfiguration, s.Threshold)
		}
	case CriterionTopN:
		if s.Threshold < 1 || s.Threshold != float64(int(s.Threshold)) {
			return fmt.Errorf("%w: N must be a positive integer, got %g", blaster.ErrConfiguration, s.Threshold)
		}
	default:
		return fmt.Errorf("%w: unknown smart criterion %q", blaster.ErrConfiguration, s.Criterion)
	}
	if s.CoarseStep < 0 {
		return fmt.Errorf("%w: coarse step must be >= 0, got %d", blaster.ErrConfiguration, s.CoarseStep)
	}
	return nil
}

// NBlastSmart runs the two-stage variant: a coarse pass over heavily
// downsampled clouds across the whole grid, then full-resolution re-scoring
// of only the per-row candidates that pass the criterion. Cells that were
// not refined keep their coarse approximation. The returned mask marks the
// cells that received full evaluation.
func NBlastSmart(ctx context.Context, queries, targets []*dotprops.Dotprops, opts Options, smart SmartOptions) (*scoring.ScoreTable, [][]bool, error) {
	if err := opts.validate(queries, targets); err != nil {
		return nil, nil, err
	}
	if err := smart.validate(); err != nil {
		return nil, nil, err
	}
	step := smart.CoarseStep
	if step == 0 {
		step = DefaultCoarseStep
	}

	// Stage 1: coarse score matrix over downsampled clouds.
	coarse, err := NBlast(ctx, downsampleAll(queries, step), downsampleAll(targets, step), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("smart coarse pass: %w", err)
	}

	// Stage 2: per-row candidate selection.
	mask := make([][]bool, len(queries))
	var pairs []blaster.Pair
	for i := range queries {
		mask[i] = make([]bool, len(targets))
		row := coarse.M.RawRowView(i)
		cutoff := rowCutoff(row, smart)
		for j, v := range row {
			if v >= cutoff {
				mask[i][j] = true
				pairs = append(pairs, blaster.Pair{Query: i, Target: j})
			}
		}
	}
	log.Debug().Int("candidates", len(pairs)).Int("grid", len(queries)*len(targets)).Msg("smart refinement set selected")

	refined, err := refinePairs(ctx, queries, targets, pairs, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("smart refinement pass: %w", err)
	}

	result := scoring.NewScoreTable(ids(queries), ids(targets))
	result.M.Copy(coarse.M)
	for k, p := range pairs {
		result.M.Set(p.Query, p.Target, refined[k])
	}
	return result, mask, nil
}

// rowCutoff converts the criterion into a score threshold for one coarse
// row. The TopN conversion mirrors 100 - int(N/total*100), an approximation
// kept deliberately: it can admit slightly more or fewer than N.
func rowCutoff(row []float64, smart SmartOptions) float64 {
	q := 0.0
	switch smart.Criterion {
	case CriterionPercentile:
		q = smart.Threshold / 100
	case CriterionQuantile:
		q = smart.Threshold
	case CriterionTopN:
		pct := 100 - int(smart.Threshold/float64(len(row))*100)
		if pct < 0 {
			pct = 0
		}
		q = float64(pct) / 100
	}
	sorted := append([]float64(nil), row...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// refinePairs evaluates the selected pairs at full resolution, splitting the
// pair list across the worker pool. Each batch gets its own engine with only
// the neurons the batch touches.
func refinePairs(ctx context.Context, queries, targets []*dotprops.Dotprops, pairs []blaster.Pair, opts Options) ([]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make([]float64, len(pairs))

	runBatch := func(start int, batch []blaster.Pair) error {
		e := blaster.NewNBlaster(opts.engineConfig())
		appended := make(map[*dotprops.Dotprops]int)
		local := make([]blaster.Pair, len(batch))
		for i, p := range batch {
			qix, err := appendOnce(e, appended, queries[p.Query])
			if err != nil {
				return err
			}
			tix, err := appendOnce(e, appended, targets[p.Target])
			if err != nil {
				return err
			}
			local[i] = blaster.Pair{Query: qix, Target: tix}
		}
		scores, err := blaster.PairQueryTarget(e, local, opts.Agg)
		if err != nil {
			return err
		}
		copy(out[start:], scores)
		return nil
	}

	if opts.Workers == 1 {
		return out, runBatch(0, pairs)
	}

	batches := chunkPairs(pairs, opts.Workers)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	start := 0
	for _, batch := range batches {
		s := start
		start += len(batch)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return runBatch(s, batch)
		})
	}
	return out, g.Wait()
}

func appendOnce(e blaster.Engine, appended map[*dotprops.Dotprops]int, dp *dotprops.Dotprops) (int, error) {
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

func chunkPairs(pairs []blaster.Pair, parts int) [][]blaster.Pair {
	if parts < 1 {
		parts = 1
	}
	if parts > len(pairs) {
		parts = len(pairs)
	}
	out := make([][]blaster.Pair, 0, parts)
	base := len(pairs) / parts
	extra := len(pairs) % parts
	next := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, pairs[next:next+size])
		next += size
	}
	return out
}

func downsampleAll(neurons []*dotprops.Dotprops, step int) []*dotprops.Dotprops {
	out := make([]*dotprops.Dotprops, len(neurons))
	for i, dp := range neurons {
		out[i] = dp.Downsample(step)
	}
	return out
}
