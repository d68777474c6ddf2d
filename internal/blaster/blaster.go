// Package blaster implements the pairwise similarity engines: NBlaster over
// morphology, SynBlaster over synapse locations, and AlignBlaster which
// registers the query onto the target before scoring. Engines are cheap,
// per-job objects: append the neurons a job needs, run queries, discard.
package blaster

import (
	"errors"
	"fmt"

	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

var (
	// ErrTypeMismatch flags input that cannot serve as a point-cloud neuron.
	ErrTypeMismatch = errors.New("blaster: input is not a usable point-cloud neuron")
	// ErrConfiguration flags invalid engine or query configuration.
	ErrConfiguration = errors.New("blaster: invalid configuration")
	// ErrMissingCapability flags a code path whose optional capability was
	// not supplied (e.g. an aligner).
	ErrMissingCapability = errors.New("blaster: required capability not available")
)

// Agg selects how the forward (query onto target) and reverse scores of a
// pair are combined.
type Agg string

const (
	AggForward Agg = "forward" // query onto target only
	AggMean    Agg = "mean"    // average of both directions
	AggMin     Agg = "min"
	AggMax     Agg = "max"
	AggBoth    Agg = "both" // both directions, uncombined; single queries only
)

// ParseAgg validates an aggregation name.
func ParseAgg(s string) (Agg, error) {
	switch Agg(s) {
	case AggForward, AggMean, AggMin, AggMax, AggBoth:
		return Agg(s), nil
	}
	return "", fmt.Errorf("%w: unknown aggregation %q", ErrConfiguration, s)
}

// combiner returns the fold for a two-direction aggregation, or nil for
// forward-only.
func (a Agg) combiner() func(fwd, rev float64) float64 {
	switch a {
	case AggMean:
		return scoring.CombineMean
	case AggMin:
		return scoring.CombineMin
	case AggMax:
		return scoring.CombineMax
	}
	return nil
}

// Engine is the capability every scoring variant provides. The batch
// operations PairQueryTarget, MultiQueryTarget and AllByAll are implemented
// once against this interface.
//
// Indices are assigned by Append, starting at 0, and are stable for the
// engine's lifetime.
type Engine interface {
	// Append adds a neuron and returns its index.
	Append(dp *dotprops.Dotprops) (int, error)
	// Len returns the number of appended neurons.
	Len() int
	// ID returns the neuron ID at an index.
	ID(ix int) string
	// SelfHit returns the best possible un-normalized score of the neuron
	// at ix against itself, computing and memoizing it on first use.
	SelfHit(ix int) float64
	// SingleQueryTarget scores one (query, target) index pair. The result
	// has one element, or two (forward, reverse) for AggBoth. Identical
	// indices short-circuit to 1 (normalized) or the self-hit without
	// re-running nearest-neighbor search.
	SingleQueryTarget(q, t int, agg Agg) ([]float64, error)
}

// AppendAll appends neurons in order and returns their indices.
func AppendAll(e Engine, dps []*dotprops.Dotprops) ([]int, error) {
	out := make([]int, 0, len(dps))
	for _, dp := range dps {
		ix, err := e.Append(dp)
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, nil
}

// Pair is one explicit (query, target) index pair.
type Pair struct {
	Query  int
	Target int
}

// PairQueryTarget evaluates a sparse list of index pairs and returns one
// score per pair. AggBoth is not valid here.
func PairQueryTarget(e Engine, pairs []Pair, agg Agg) ([]float64, error) {
	if agg == AggBoth {
		return nil, fmt.Errorf("%w: aggregation %q not valid for batch queries", ErrConfiguration, agg)
	}
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		s, err := e.SingleQueryTarget(p.Query, p.Target, agg)
		if err != nil {
			return nil, err
		}
		out[i] = s[0]
	}
	return out, nil
}

// MultiQueryTarget evaluates the dense cartesian product of the query and
// target index sets, producing a table labelled by neuron ID. AggBoth is not
// valid here.
func MultiQueryTarget(e Engine, queries, targets []int, agg Agg) (*scoring.ScoreTable, error) {
	if agg == AggBoth {
		return nil, fmt.Errorf("%w: aggregation %q not valid for batch queries", ErrConfiguration, agg)
	}
	qids := make([]string, len(queries))
	for i, q := range queries {
		qids[i] = e.ID(q)
	}
	tids := make([]string, len(targets))
	for i, t := range targets {
		tids[i] = e.ID(t)
	}
	table := scoring.NewScoreTable(qids, tids)
	for i, q := range queries {
		for j, t := range targets {
			s, err := e.SingleQueryTarget(q, t, agg)
			if err != nil {
				return nil, err
			}
			table.M.Set(i, j, s[0])
		}
	}
	return table, nil
}

// AllByAll scores every appended neuron against every other. The forward
// matrix is computed once; mean/min/max are folded with its transpose
// instead of re-running nearest-neighbor search in the reverse direction.
// That shortcut is sound here because both axes are, by construction, the
// same neuron list in the same order.
func AllByAll(e Engine, agg Agg) (*scoring.ScoreTable, error) {
	all := make([]int, e.Len())
	for i := range all {
		all[i] = i
	}
	fwd, err := MultiQueryTarget(e, all, all, AggForward)
	if err != nil {
		return nil, err
	}
	switch agg {
	case AggForward:
		return fwd, nil
	case AggMean, AggMin, AggMax:
		return fwd.CombineWithTranspose(agg.combiner())
	}
	return nil, fmt.Errorf("%w: aggregation %q not valid for all-by-all", ErrConfiguration, agg)
}
