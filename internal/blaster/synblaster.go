package blaster

import (
	"fmt"
	"math"

	"github.com/morphoscope/nblast/pkg/dotprops"
)

// synNeuron holds one spatial index per connector type, or a single combined
// index when scoring type-insensitively.
type synNeuron struct {
	dp    *dotprops.Dotprops
	trees map[string]*dotprops.KDTree
	count int
}

const combinedType = "*"

// SynBlaster scores neurons by synapse location instead of morphology.
// Synapses carry no orientation, so the dot-product axis of the scoring
// function is fixed at 1.
type SynBlaster struct {
	cfg Config
	// ByType matches synapses only against target synapses of the same
	// type; a type absent from the target scores in the worst bin.
	ByType bool

	neurons  []*synNeuron
	selfHits []float64
}

// NewSynBlaster constructs a synapse-location engine.
func NewSynBlaster(cfg Config, byType bool) *SynBlaster {
	return &SynBlaster{cfg: cfg, ByType: byType}
}

// Append adds a neuron, building its per-type spatial indices eagerly so
// queries never mutate shared state.
func (b *SynBlaster) Append(dp *dotprops.Dotprops) (int, error) {
	if dp == nil {
		return 0, fmt.Errorf("%w: nil dotprops", ErrTypeMismatch)
	}
	if dp.NumConnectors() == 0 {
		return 0, fmt.Errorf("%w: neuron %q has no connectors", ErrTypeMismatch, dp.ID)
	}
	sn := &synNeuron{
		dp:    dp,
		trees: make(map[string]*dotprops.KDTree),
		count: dp.NumConnectors(),
	}
	if b.ByType {
		for typ, pts := range dp.Connectors {
			if typ == "" {
				return 0, fmt.Errorf("%w: neuron %q has untyped connectors but type-sensitive scoring was requested", ErrConfiguration, dp.ID)
			}
			sn.trees[typ] = dotprops.NewKDTree(pts)
		}
	} else {
		combined := make([]dotprops.Point, 0, sn.count)
		for _, pts := range dp.Connectors {
			combined = append(combined, pts...)
		}
		sn.trees[combinedType] = dotprops.NewKDTree(combined)
	}
	b.neurons = append(b.neurons, sn)
	b.selfHits = append(b.selfHits, math.NaN())
	return len(b.neurons) - 1, nil
}

func (b *SynBlaster) Len() int { return len(b.neurons) }

func (b *SynBlaster) ID(ix int) string { return b.neurons[ix].dp.ID }

func (b *SynBlaster) checkPair(q, t int) error {
	if q < 0 || q >= len(b.neurons) || t < 0 || t >= len(b.neurons) {
		return fmt.Errorf("%w: index pair (%d, %d) out of range, %d neurons appended", ErrConfiguration, q, t, len(b.neurons))
	}
	return nil
}

// SelfHit is synapse count times the perfect-match score.
func (b *SynBlaster) SelfHit(ix int) float64 {
	if !math.IsNaN(b.selfHits[ix]) {
		return b.selfHits[ix]
	}
	b.selfHits[ix] = float64(b.neurons[ix].count) * b.cfg.scoreFn().Score(0, 1)
	return b.selfHits[ix]
}

// SingleQueryTarget scores one index pair, see Engine.
func (b *SynBlaster) SingleQueryTarget(q, t int, agg Agg) ([]float64, error) {
	return singleQueryTarget(b, q, t, agg, b.cfg.Normalized, b.directional)
}

func (b *SynBlaster) directional(q, t int) float64 {
	fn := b.cfg.scoreFn()
	worst := fn.Score(math.Inf(1), 1)
	query, target := b.neurons[q], b.neurons[t]

	scr := 0.0
	for typ, pts := range b.queryGroups(query) {
		tree, ok := target.trees[typ]
		if !ok {
			// Target lacks this synapse type: every query synapse of the
			// type gets an infinite distance, i.e. the worst bin.
			scr += float64(len(pts)) * worst
			continue
		}
		for _, p := range pts {
			_, d := tree.Nearest(p, b.cfg.MaxDist)
			scr += fn.Score(d, 1)
		}
	}
	if b.cfg.Normalized {
		scr /= b.SelfHit(q)
	}
	return scr
}

// queryGroups returns the query synapses grouped the way they are matched:
// per type, or one combined group.
func (b *SynBlaster) queryGroups(sn *synNeuron) map[string][]dotprops.Point {
	if b.ByType {
		return sn.dp.Connectors
	}
	combined := make([]dotprops.Point, 0, sn.count)
	for _, pts := range sn.dp.Connectors {
		combined = append(combined, pts...)
	}
	return map[string][]dotprops.Point{combinedType: combined}
}
