package scoring

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/morphoscope/nblast/internal/utils/logger"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

const (
	DefaultDistBins = 21
	DefaultDotBins  = 10

	// pseudocount keeps empty cells off log2(0).
	pseudocount = 1.0
)

// Builder trains a Lookup from labelled neuron sets: groups of neurons known
// to be morphological matches of each other, and a pool of neurons assumed
// unrelated. The trained cell values are log2 odds ratios of a (distance,
// dot) observation under the matching vs the non-matching population.
type Builder struct {
	matchingSets [][]*dotprops.Dotprops
	nonMatching  []*dotprops.Dotprops

	distBreaks []float64
	dotBreaks  []float64
	nDistBins  int
	nDotBins   int
	useAlpha   bool
	maxDist    float64
	seed       uint64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithDistBreaks fixes the distance boundaries instead of deriving them from
// quantiles of the matching distances.
func WithDistBreaks(breaks []float64) BuilderOption {
	return func(b *Builder) { b.distBreaks = breaks }
}

// WithDotBreaks fixes the dot-product boundaries.
func WithDotBreaks(breaks []float64) BuilderOption {
	return func(b *Builder) { b.dotBreaks = breaks }
}

// WithBinCounts sets how many bins each axis gets when boundaries are derived.
func WithBinCounts(distBins, dotBins int) BuilderOption {
	return func(b *Builder) {
		b.nDistBins = distBins
		b.nDotBins = dotBins
	}
}

// WithAlpha scales dot products by the colinearity of the matched points.
func WithAlpha(useAlpha bool) BuilderOption {
	return func(b *Builder) { b.useAlpha = useAlpha }
}

// WithMaxDist caps the nearest-neighbor search radius during training.
func WithMaxDist(maxDist float64) BuilderOption {
	return func(b *Builder) { b.maxDist = maxDist }
}

// WithSeed seeds the non-matching pair sampler for reproducible tables.
func WithSeed(seed uint64) BuilderOption {
	return func(b *Builder) { b.seed = seed }
}

// NewBuilder constructs a Builder over the given labelled sets.
func NewBuilder(matchingSets [][]*dotprops.Dotprops, nonMatching []*dotprops.Dotprops, opts ...BuilderOption) *Builder {
	b := &Builder{
		matchingSets: matchingSets,
		nonMatching:  nonMatching,
		nDistBins:    DefaultDistBins,
		nDotBins:     DefaultDotBins,
		seed:         1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs the training: sample (distance, dot) observations from both
// populations, derive bin boundaries, count, and convert counts to log2 odds.
func (b *Builder) Build() (*Lookup, error) {
	if len(b.matchingSets) == 0 {
		return nil, fmt.Errorf("builder: no matching sets")
	}
	if len(b.nonMatching) < 2 {
		return nil, fmt.Errorf("builder: need at least 2 non-matching neurons, got %d", len(b.nonMatching))
	}

	matchDists, matchDots := b.sampleMatching()
	if len(matchDists) == 0 {
		return nil, fmt.Errorf("builder: matching sets produced no pairs; every set needs >= 2 neurons")
	}
	nonDists, nonDots := b.sampleNonMatching(len(matchDists))

	logger.Sugar().Infow("sampled training observations",
		"matching", len(matchDists), "nonMatching", len(nonDists))

	distBreaks := b.distBreaks
	if distBreaks == nil {
		qb, err := quantileBreaks(matchDists, b.nDistBins)
		if err != nil {
			return nil, fmt.Errorf("builder: %w", err)
		}
		distBreaks = qb
	}
	dotBreaks := b.dotBreaks
	if dotBreaks == nil {
		dotBreaks = linearBreaks(0, 1, b.nDotBins)
	}

	db, err := prepareBreaks("distance", distBreaks)
	if err != nil {
		return nil, err
	}
	tb, err := prepareBreaks("dot", dotBreaks)
	if err != nil {
		return nil, err
	}

	rows, cols := len(db)-1, len(tb)-1
	matchCounts := histogram2D(db, tb, matchDists, matchDots)
	nonCounts := histogram2D(db, tb, nonDists, nonDots)

	matchTotal := float64(len(matchDists)) + pseudocount*float64(rows*cols)
	nonTotal := float64(len(nonDists)) + pseudocount*float64(rows*cols)

	cells := make([]float64, rows*cols)
	for i := range cells {
		pMatch := (matchCounts[i] + pseudocount) / matchTotal
		pNon := (nonCounts[i] + pseudocount) / nonTotal
		cells[i] = math.Log2(pMatch / pNon)
	}
	return NewLookup(db, tb, cells)
}

// sampleMatching collects one observation per point of every ordered pair
// (q, t), q != t, within each matching set.
func (b *Builder) sampleMatching() (dists, dots []float64) {
	for _, set := range b.matchingSets {
		for qi, q := range set {
			for ti, t := range set {
				if qi == ti {
					continue
				}
				dists, dots = b.observe(q, t, dists, dots)
			}
		}
	}
	return dists, dots
}

// sampleNonMatching draws random ordered pairs from the non-matching pool
// until roughly as many observations as the matching population supplied.
func (b *Builder) sampleNonMatching(want int) (dists, dots []float64) {
	rng := rand.New(rand.NewPCG(b.seed, b.seed))
	for len(dists) < want {
		qi := rng.IntN(len(b.nonMatching))
		ti := rng.IntN(len(b.nonMatching))
		if qi == ti {
			continue
		}
		dists, dots = b.observe(b.nonMatching[qi], b.nonMatching[ti], dists, dots)
	}
	return dists, dots
}

func (b *Builder) observe(q, t *dotprops.Dotprops, dists, dots []float64) ([]float64, []float64) {
	ds, dt, alphas := q.DistDots(t, b.useAlpha, b.maxDist)
	if b.useAlpha {
		for i := range dt {
			dt[i] *= math.Sqrt(alphas[i])
		}
	}
	return append(dists, ds...), append(dots, dt...)
}

// quantileBreaks derives n bins from evenly spaced quantiles of the samples,
// dropping duplicate edges. Infinite samples (unmatched points) are excluded
// before taking quantiles; they still digitize into the open last bin.
func quantileBreaks(samples []float64, n int) ([]float64, error) {
	finite := make([]float64, 0, len(samples))
	for _, v := range samples {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return nil, errors.New("no finite distance observations; every matching point fell outside the search cutoff")
	}
	sort.Float64s(finite)
	breaks := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		q := stat.Quantile(float64(i)/float64(n), stat.Empirical, finite, nil)
		if len(breaks) == 0 || q > breaks[len(breaks)-1] {
			breaks = append(breaks, q)
		}
	}
	return breaks, nil
}

// linearBreaks returns n equal-width bins over [lo, hi].
func linearBreaks(lo, hi float64, n int) []float64 {
	breaks := make([]float64, n+1)
	for i := 0; i <= n; i++ {
		breaks[i] = lo + (hi-lo)*float64(i)/float64(n)
	}
	return breaks
}

// histogram2D counts observations per cell, row-major over (dist bin, dot bin).
func histogram2D(distBreaks, dotBreaks, dists, dots []float64) []float64 {
	cols := len(dotBreaks) - 1
	counts := make([]float64, (len(distBreaks)-1)*cols)
	for i := range dists {
		counts[digitize(distBreaks, dists[i])*cols+digitize(dotBreaks, dots[i])]++
	}
	return counts
}
