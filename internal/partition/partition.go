// Package partition decides how an N x M query/target grid is split across
// workers, minimizing the number of neurons each worker must receive rather
// than the number of score computations it performs.
package partition

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Grid is a rows x cols split of the query and target sets.
type Grid struct {
	Rows int
	Cols int
}

// FindOptimalPartition picks the (rows, cols) grid for the given worker
// count. It tries every row count that evenly divides workers and does not
// exceed the query count, sets cols = min(workers/rows, targets), and keeps
// the candidate minimizing queries/rows + targets/cols, the per-worker data
// volume. Guarantees rows*cols <= workers, rows <= queries, cols <= targets.
func FindOptimalPartition(workers, queries, targets int) (Grid, error) {
	if workers < 1 {
		return Grid{}, fmt.Errorf("partition: worker count must be >= 1, got %d", workers)
	}
	if queries < 1 || targets < 1 {
		return Grid{}, fmt.Errorf("partition: empty query or target set (%d x %d)", queries, targets)
	}

	best := Grid{Rows: 1, Cols: min(workers, targets)}
	bestCost := cost(queries, targets, best)
	for rows := 2; rows <= workers && rows <= queries; rows++ {
		if workers%rows != 0 {
			continue
		}
		g := Grid{Rows: rows, Cols: min(workers/rows, targets)}
		if c := cost(queries, targets, g); c < bestCost {
			best, bestCost = g, c
		}
	}
	log.Debug().
		Int("workers", workers).Int("queries", queries).Int("targets", targets).
		Int("rows", best.Rows).Int("cols", best.Cols).
		Msg("chose partition grid")
	return best, nil
}

func cost(queries, targets int, g Grid) float64 {
	return float64(queries)/float64(g.Rows) + float64(targets)/float64(g.Cols)
}

// Cell is one partition cell: the global query and target indices it covers.
// Global indices refer to the caller's neuron slices; the mapping onto local
// engine indices is the slice position.
type Cell struct {
	Row      int
	Col      int
	QueryIx  []int
	TargetIx []int
}

// Cells materializes the grid over concrete set sizes, chunking each axis
// into contiguous near-equal runs. Every (query, target) pair lands in
// exactly one cell.
func (g Grid) Cells(queries, targets int) []Cell {
	qChunks := chunk(queries, g.Rows)
	tChunks := chunk(targets, g.Cols)
	cells := make([]Cell, 0, len(qChunks)*len(tChunks))
	for r, qs := range qChunks {
		for c, ts := range tChunks {
			cells = append(cells, Cell{Row: r, Col: c, QueryIx: qs, TargetIx: ts})
		}
	}
	return cells
}

// chunk splits 0..n-1 into at most parts contiguous runs, the first n%parts
// runs one longer.
func chunk(n, parts int) [][]int {
	if parts > n {
		parts = n
	}
	out := make([][]int, 0, parts)
	base := n / parts
	extra := n % parts
	next := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < extra {
			size++
		}
		run := make([]int, size)
		for j := range run {
			run[j] = next
			next++
		}
		out = append(out, run)
	}
	return out
}
