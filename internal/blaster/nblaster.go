package blaster

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

// Config holds the knobs shared by the morphology engines.
type Config struct {
	// ScoreFn converts (distance, dot) matches to scores. Defaults to the
	// pass-through distance*dot scorer when nil.
	ScoreFn scoring.ScoreFunc
	// UseAlpha scales dot products by point colinearity.
	UseAlpha bool
	// Normalized divides scores by the query's self-hit.
	Normalized bool
	// MaxDist caps the nearest-neighbor search radius; 0 means unbounded.
	// Points without a neighbor inside the cap land in the worst bin.
	MaxDist float64
}

func (c Config) scoreFn() scoring.ScoreFunc {
	if c.ScoreFn == nil {
		return scoring.PassThrough{}
	}
	return c.ScoreFn
}

// neuronList is the append-only neuron store with the memoized self-hit
// cache shared by NBlaster and AlignBlaster.
type neuronList struct {
	neurons  []*dotprops.Dotprops
	selfHits []float64 // NaN until first requested
}

func (nl *neuronList) append(dp *dotprops.Dotprops) (int, error) {
	if dp == nil || dp.Len() == 0 {
		return 0, fmt.Errorf("%w: empty dotprops", ErrTypeMismatch)
	}
	nl.neurons = append(nl.neurons, dp)
	nl.selfHits = append(nl.selfHits, math.NaN())
	return len(nl.neurons) - 1, nil
}

func (nl *neuronList) Len() int { return len(nl.neurons) }

func (nl *neuronList) ID(ix int) string { return nl.neurons[ix].ID }

func (nl *neuronList) checkPair(q, t int) error {
	if q < 0 || q >= len(nl.neurons) || t < 0 || t >= len(nl.neurons) {
		return fmt.Errorf("%w: index pair (%d, %d) out of range, %d neurons appended", ErrConfiguration, q, t, len(nl.neurons))
	}
	return nil
}

// NBlaster scores plain morphology: every query point is matched onto its
// nearest neighbor in the target and the (distance, tangent dot) pair is
// looked up in the scoring function.
type NBlaster struct {
	neuronList
	cfg Config
}

// NewNBlaster constructs a morphology engine.
func NewNBlaster(cfg Config) *NBlaster {
	return &NBlaster{cfg: cfg}
}

// Append adds a neuron and returns its engine index.
func (b *NBlaster) Append(dp *dotprops.Dotprops) (int, error) {
	return b.neuronList.append(dp)
}

// SelfHit returns the memoized best-possible raw score of a neuron against
// itself: point count times the perfect-match score, or the per-point sum of
// score(0, alpha_i) under alpha weighting.
func (b *NBlaster) SelfHit(ix int) float64 {
	if !math.IsNaN(b.selfHits[ix]) {
		return b.selfHits[ix]
	}
	b.selfHits[ix] = calcSelfHit(b.neurons[ix], b.cfg.scoreFn(), b.cfg.UseAlpha)
	return b.selfHits[ix]
}

func calcSelfHit(dp *dotprops.Dotprops, fn scoring.ScoreFunc, useAlpha bool) float64 {
	if !useAlpha {
		return float64(dp.Len()) * fn.Score(0, 1)
	}
	total := 0.0
	for i := 0; i < dp.Len(); i++ {
		a := 1.0
		if dp.Alpha != nil {
			a = dp.Alpha[i]
		}
		total += fn.Score(0, a)
	}
	return total
}

// SingleQueryTarget scores one index pair, see Engine.
func (b *NBlaster) SingleQueryTarget(q, t int, agg Agg) ([]float64, error) {
	return singleQueryTarget(b, q, t, agg, b.cfg.Normalized, b.directional)
}

// directional is the one-way raw-or-normalized score of q onto t.
func (b *NBlaster) directional(q, t int) float64 {
	dists, dots, alphas := b.neurons[q].DistDots(b.neurons[t], b.cfg.UseAlpha, b.cfg.MaxDist)
	if b.cfg.MaxDist > 0 {
		logUnmatched(b.neurons[q].ID, dists)
	}
	if b.cfg.UseAlpha {
		for i := range dots {
			dots[i] *= math.Sqrt(alphas[i])
		}
	}
	scr := scoring.SumScores(b.cfg.scoreFn(), dists, dots)
	if b.cfg.Normalized {
		scr /= b.SelfHit(q)
	}
	return scr
}

// singleQueryTarget is the shared short-circuit and aggregation logic. The
// self-comparison of an index never re-runs nearest-neighbor search.
func singleQueryTarget(e Engine, q, t int, agg Agg, normalized bool, directional func(q, t int) float64) ([]float64, error) {
	type pairChecker interface{ checkPair(q, t int) error }
	if pc, ok := e.(pairChecker); ok {
		if err := pc.checkPair(q, t); err != nil {
			return nil, err
		}
	}
	if _, err := ParseAgg(string(agg)); err != nil {
		return nil, err
	}

	if q == t {
		v := e.SelfHit(q)
		if normalized {
			v = 1
		}
		if agg == AggBoth {
			return []float64{v, v}, nil
		}
		return []float64{v}, nil
	}

	fwd := directional(q, t)
	switch agg {
	case AggForward:
		return []float64{fwd}, nil
	case AggBoth:
		return []float64{fwd, directional(t, q)}, nil
	default:
		rev := directional(t, q)
		c := agg.combiner()
		return []float64{c(fwd, rev)}, nil
	}
}

// logUnmatched emits a trace entry when a cutoff left points unmatched.
// Unmatched points are not errors; they score in the worst bin.
func logUnmatched(id string, dists []float64) {
	n := 0
	for _, d := range dists {
		if math.IsInf(d, 1) {
			n++
		}
	}
	if n > 0 {
		log.Trace().Str("query", id).Int("unmatched", n).Msg("points without neighbor inside cutoff")
	}
}
