package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOptimalPartitionInvariants(t *testing.T) {
	workers := []int{1, 2, 3, 4, 6, 8, 12, 16, 61}
	sizes := []int{1, 2, 3, 7, 10, 100, 1000}

	for _, w := range workers {
		for _, q := range sizes {
			for _, tg := range sizes {
				g, err := FindOptimalPartition(w, q, tg)
				require.NoError(t, err)

				name := fmt.Sprintf("w=%d q=%d t=%d -> %dx%d", w, q, tg, g.Rows, g.Cols)
				assert.LessOrEqual(t, g.Rows*g.Cols, w, name)
				assert.LessOrEqual(t, g.Rows, q, name)
				assert.LessOrEqual(t, g.Cols, tg, name)
				assert.GreaterOrEqual(t, g.Rows, 1, name)
				assert.GreaterOrEqual(t, g.Cols, 1, name)
			}
		}
	}
}

func TestFindOptimalPartitionKnownCases(t *testing.T) {
	// One worker gets the whole matrix.
	g, err := FindOptimalPartition(1, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, Grid{Rows: 1, Cols: 1}, g)

	// A square job over 4 workers splits 2x2: per-worker volume 100,
	// against 125 for 1x4 or 4x1.
	g, err = FindOptimalPartition(4, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, Grid{Rows: 2, Cols: 2}, g)

	// A single query row can only split along targets.
	g, err = FindOptimalPartition(8, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, Grid{Rows: 1, Cols: 8}, g)

	// Fewer targets than workers caps the columns.
	g, err = FindOptimalPartition(8, 100, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, g.Cols, 2)
}

func TestFindOptimalPartitionErrors(t *testing.T) {
	_, err := FindOptimalPartition(0, 10, 10)
	assert.Error(t, err)
	_, err = FindOptimalPartition(4, 0, 10)
	assert.Error(t, err)
	_, err = FindOptimalPartition(4, 10, 0)
	assert.Error(t, err)
}

func TestCellsCoverEveryPairOnce(t *testing.T) {
	cases := []struct{ q, tg, rows, cols int }{
		{10, 10, 2, 2},
		{7, 3, 3, 2},
		{1, 5, 1, 4},
		{5, 5, 5, 5},
		{4, 9, 3, 2},
	}
	for _, c := range cases {
		g := Grid{Rows: c.rows, Cols: c.cols}
		seen := make(map[[2]int]int)
		for _, cell := range g.Cells(c.q, c.tg) {
			for _, qi := range cell.QueryIx {
				for _, ti := range cell.TargetIx {
					seen[[2]int{qi, ti}]++
				}
			}
		}
		require.Len(t, seen, c.q*c.tg, "grid %+v over %dx%d", g, c.q, c.tg)
		for pair, n := range seen {
			assert.Equal(t, 1, n, "pair %v counted %d times", pair, n)
		}
	}
}

func TestCellsContiguousChunks(t *testing.T) {
	g := Grid{Rows: 3, Cols: 1}
	cells := g.Cells(10, 4)
	require.Len(t, cells, 3)

	// Chunks are contiguous, ordered, and front-loaded.
	assert.Equal(t, []int{0, 1, 2, 3}, cells[0].QueryIx)
	assert.Equal(t, []int{4, 5, 6}, cells[1].QueryIx)
	assert.Equal(t, []int{7, 8, 9}, cells[2].QueryIx)
	for _, c := range cells {
		assert.Equal(t, []int{0, 1, 2, 3}, c.TargetIx)
	}
}
