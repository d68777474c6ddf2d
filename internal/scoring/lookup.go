// Package scoring contains the score lookup table, the builder that trains it
// from labelled neuron sets, and the ID-labelled score matrix returned by the
// engines.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ScoreFunc converts one nearest-neighbor match, a distance and a tangent
// dot product, into a score contribution. A whole-pair score is the sum over
// all points of the query.
type ScoreFunc interface {
	Score(dist, dot float64) float64
}

// PassThrough multiplies distance by dot product. It is the fallback scorer
// when no trained lookup table is supplied; useful for plumbing tests, not
// for biology.
type PassThrough struct{}

func (PassThrough) Score(dist, dot float64) float64 { return dist * dot }

// Lookup is a trained 2D score table: distance bins along the rows, dot
// product bins along the columns. Boundary slices are strictly increasing
// with forced -Inf/+Inf endpoints, so every input lands in exactly one cell.
// Immutable once built and safe to share by value.
type Lookup struct {
	distBreaks []float64
	dotBreaks  []float64
	cells      *mat.Dense // (len(distBreaks)-1) x (len(dotBreaks)-1)
}

// NewLookup validates the boundary slices, forces the outermost edges to
// -Inf/+Inf, and wraps the cell matrix. cells is row-major with one row per
// distance bin.
func NewLookup(distBreaks, dotBreaks []float64, cells []float64) (*Lookup, error) {
	db, err := prepareBreaks("distance", distBreaks)
	if err != nil {
		return nil, err
	}
	tb, err := prepareBreaks("dot", dotBreaks)
	if err != nil {
		return nil, err
	}
	rows, cols := len(db)-1, len(tb)-1
	if len(cells) != rows*cols {
		return nil, fmt.Errorf("lookup: %d cells for a %dx%d table", len(cells), rows, cols)
	}
	return &Lookup{
		distBreaks: db,
		dotBreaks:  tb,
		cells:      mat.NewDense(rows, cols, cells),
	}, nil
}

// prepareBreaks copies breaks, forces the open ends to +-Inf and rejects
// anything not strictly increasing in between.
func prepareBreaks(name string, breaks []float64) ([]float64, error) {
	if len(breaks) < 2 {
		return nil, fmt.Errorf("lookup: need at least 2 %s boundaries, got %d", name, len(breaks))
	}
	out := make([]float64, len(breaks))
	copy(out, breaks)
	out[0] = math.Inf(-1)
	out[len(out)-1] = math.Inf(1)
	for i := 1; i < len(out); i++ {
		if out[i] <= out[i-1] {
			return nil, fmt.Errorf("lookup: %s boundaries not strictly increasing at index %d", name, i)
		}
	}
	return out, nil
}

// Dims returns (distance bins, dot bins).
func (l *Lookup) Dims() (int, int) { return l.cells.Dims() }

// DistBreaks returns a copy of the distance boundaries including the forced
// infinite endpoints.
func (l *Lookup) DistBreaks() []float64 { return append([]float64(nil), l.distBreaks...) }

// DotBreaks returns a copy of the dot-product boundaries.
func (l *Lookup) DotBreaks() []float64 { return append([]float64(nil), l.dotBreaks...) }

// Cell returns the score of cell (i, j).
func (l *Lookup) Cell(i, j int) float64 { return l.cells.At(i, j) }

// Score digitizes one (distance, dot) pair and returns its cell score.
// Bins are half-open with the right edge closing the bin, so a value equal
// to a boundary falls in the bin below it. +Inf distances (unmatched points)
// land in the last distance bin.
func (l *Lookup) Score(dist, dot float64) float64 {
	return l.cells.At(digitize(l.distBreaks, dist), digitize(l.dotBreaks, dot))
}

// digitize returns i such that breaks[i] < v <= breaks[i+1]. breaks has
// infinite endpoints, so the result is always a valid bin.
func digitize(breaks []float64, v float64) int {
	// Index of the first boundary >= v; the bin it closes is one below.
	i := sort.SearchFloat64s(breaks, v)
	if i == 0 {
		return 0
	}
	if i >= len(breaks) {
		return len(breaks) - 2
	}
	return i - 1
}

// SumScores sums the scores of parallel distance/dot slices, which is the
// raw score of one neuron pair.
func SumScores(fn ScoreFunc, dists, dots []float64) float64 {
	total := 0.0
	for i := range dists {
		total += fn.Score(dists[i], dots[i])
	}
	return total
}
