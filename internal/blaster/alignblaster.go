package blaster

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

// Aligner is the registration capability AlignBlaster consumes: move src
// onto tgt and return a fresh point cloud built from the moved coordinates.
// Implementations live outside this package (rigid, PCA, ...).
type Aligner interface {
	Align(src, tgt *dotprops.Dotprops) (*dotprops.Dotprops, error)
}

// AlignBlaster registers the query onto the target before every comparison
// and then scores like NBlaster. Alignment dominates cost, so aligned clouds
// are cached per (query, target) index pair for the engine's lifetime.
type AlignBlaster struct {
	neuronList
	cfg     Config
	aligner Aligner
	// TwoWay aligns and scores both directions independently and averages,
	// which dampens the effect of any single bad registration.
	TwoWay bool

	aligned map[[2]int]*dotprops.Dotprops
}

// NewAlignBlaster constructs an alignment engine. The aligner is required.
func NewAlignBlaster(cfg Config, aligner Aligner, twoWay bool) (*AlignBlaster, error) {
	if aligner == nil {
		return nil, fmt.Errorf("%w: AlignBlaster needs an aligner", ErrMissingCapability)
	}
	return &AlignBlaster{
		cfg:     cfg,
		aligner: aligner,
		TwoWay:  twoWay,
		aligned: make(map[[2]int]*dotprops.Dotprops),
	}, nil
}

// Append adds a neuron and returns its engine index.
func (b *AlignBlaster) Append(dp *dotprops.Dotprops) (int, error) {
	return b.neuronList.append(dp)
}

// SelfHit returns the memoized self-hit of the neuron in its original pose.
// Rigid and PCA registrations preserve point count and colinearity, so the
// self-hit of the moved cloud is the same value.
func (b *AlignBlaster) SelfHit(ix int) float64 {
	if !math.IsNaN(b.selfHits[ix]) {
		return b.selfHits[ix]
	}
	b.selfHits[ix] = calcSelfHit(b.neurons[ix], b.cfg.scoreFn(), b.cfg.UseAlpha)
	return b.selfHits[ix]
}

// SingleQueryTarget scores one index pair, see Engine. With TwoWay set, each
// directional score is already the average of the two independently aligned
// legs, so even AggMean results need not be symmetric.
func (b *AlignBlaster) SingleQueryTarget(q, t int, agg Agg) ([]float64, error) {
	var scoreErr error
	directional := func(q, t int) float64 {
		s, err := b.directional(q, t)
		if err != nil && scoreErr == nil {
			scoreErr = err
		}
		return s
	}
	res, err := singleQueryTarget(b, q, t, agg, b.cfg.Normalized, directional)
	if err != nil {
		return nil, err
	}
	if scoreErr != nil {
		return nil, scoreErr
	}
	return res, nil
}

func (b *AlignBlaster) directional(q, t int) (float64, error) {
	fwd, err := b.alignedScore(q, t)
	if err != nil {
		return 0, err
	}
	if !b.TwoWay {
		return fwd, nil
	}
	rev, err := b.alignedScore(t, q)
	if err != nil {
		return 0, err
	}
	return (fwd + rev) / 2, nil
}

// alignedScore moves q onto t, scores the moved cloud against t, and
// normalizes by the query's self-hit if configured.
func (b *AlignBlaster) alignedScore(q, t int) (float64, error) {
	moved, err := b.alignedCloud(q, t)
	if err != nil {
		return 0, err
	}
	dists, dots, alphas := moved.DistDots(b.neurons[t], b.cfg.UseAlpha, b.cfg.MaxDist)
	if b.cfg.UseAlpha {
		for i := range dots {
			dots[i] *= math.Sqrt(alphas[i])
		}
	}
	scr := scoring.SumScores(b.cfg.scoreFn(), dists, dots)
	if b.cfg.Normalized {
		scr /= b.SelfHit(q)
	}
	return scr, nil
}

func (b *AlignBlaster) alignedCloud(q, t int) (*dotprops.Dotprops, error) {
	key := [2]int{q, t}
	if moved, ok := b.aligned[key]; ok {
		return moved, nil
	}
	moved, err := b.aligner.Align(b.neurons[q], b.neurons[t])
	if err != nil {
		return nil, fmt.Errorf("aligning %q onto %q: %w", b.ID(q), b.ID(t), err)
	}
	log.Trace().Str("query", b.ID(q)).Str("target", b.ID(t)).Msg("cached aligned cloud")
	b.aligned[key] = moved
	return moved, nil
}
