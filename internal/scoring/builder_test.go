package scoring

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphoscope/nblast/pkg/dotprops"
)

// jitteredLine builds a neuron tracing the x axis with gaussian jitter, so
// copies of it are close matches of each other.
func jitteredLine(t *testing.T, id string, rng *rand.Rand, n int, jitter float64) *dotprops.Dotprops {
	t.Helper()
	pts := make([]dotprops.Point, n)
	for i := range pts {
		pts[i] = dotprops.Point{
			float64(i) + rng.NormFloat64()*jitter,
			rng.NormFloat64() * jitter,
			rng.NormFloat64() * jitter,
		}
	}
	dp, err := dotprops.New(id, pts, 5)
	require.NoError(t, err)
	return dp
}

func scatteredCloud(t *testing.T, id string, rng *rand.Rand, n int) *dotprops.Dotprops {
	t.Helper()
	pts := make([]dotprops.Point, n)
	for i := range pts {
		pts[i] = dotprops.Point{rng.Float64() * 200, rng.Float64() * 200, rng.Float64() * 200}
	}
	dp, err := dotprops.New(id, pts, 5)
	require.NoError(t, err)
	return dp
}

func TestBuilderTrainsLogOddsTable(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))

	matching := [][]*dotprops.Dotprops{
		{
			jitteredLine(t, "m1a", rng, 60, 0.1),
			jitteredLine(t, "m1b", rng, 60, 0.1),
			jitteredLine(t, "m1c", rng, 60, 0.1),
		},
		{
			jitteredLine(t, "m2a", rng, 60, 0.2),
			jitteredLine(t, "m2b", rng, 60, 0.2),
		},
	}
	nonMatching := []*dotprops.Dotprops{
		scatteredCloud(t, "n1", rng, 60),
		scatteredCloud(t, "n2", rng, 60),
		scatteredCloud(t, "n3", rng, 60),
		scatteredCloud(t, "n4", rng, 60),
	}

	lookup, err := NewBuilder(matching, nonMatching, WithSeed(9)).Build()
	require.NoError(t, err)

	rows, cols := lookup.Dims()
	assert.Positive(t, rows)
	assert.Equal(t, DefaultDotBins, cols)

	// Close, well-aligned matches must score better than distant ones.
	near := lookup.Score(0.05, 0.99)
	far := lookup.Score(150, 0.1)
	assert.Greater(t, near, far)
	assert.Positive(t, near, "a near perfect match should have positive log odds")

	// Breaks are valid lookup boundaries.
	db := lookup.DistBreaks()
	assert.True(t, math.IsInf(db[0], -1))
	assert.True(t, math.IsInf(db[len(db)-1], 1))
	for i := 1; i < len(db); i++ {
		assert.Greater(t, db[i], db[i-1])
	}
}

func TestBuilderSeedReproducible(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	matching := [][]*dotprops.Dotprops{{
		jitteredLine(t, "a", rng, 40, 0.1),
		jitteredLine(t, "b", rng, 40, 0.1),
	}}
	nonMatching := []*dotprops.Dotprops{
		scatteredCloud(t, "x", rng, 40),
		scatteredCloud(t, "y", rng, 40),
		scatteredCloud(t, "z", rng, 40),
	}

	l1, err := NewBuilder(matching, nonMatching, WithSeed(5)).Build()
	require.NoError(t, err)
	l2, err := NewBuilder(matching, nonMatching, WithSeed(5)).Build()
	require.NoError(t, err)

	rows, cols := l1.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.Equal(t, l1.Cell(i, j), l2.Cell(i, j))
		}
	}
}

func TestBuilderFixedBreaks(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	matching := [][]*dotprops.Dotprops{{
		jitteredLine(t, "a", rng, 30, 0.1),
		jitteredLine(t, "b", rng, 30, 0.1),
	}}
	nonMatching := []*dotprops.Dotprops{
		scatteredCloud(t, "x", rng, 30),
		scatteredCloud(t, "y", rng, 30),
	}

	lookup, err := NewBuilder(matching, nonMatching,
		WithDistBreaks([]float64{0, 1, 5, 20, 100}),
		WithDotBreaks([]float64{0, 0.5, 1}),
		WithSeed(3),
	).Build()
	require.NoError(t, err)

	rows, cols := lookup.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 2, cols)
}

func TestBuilderSearchCutoffExcludesAllObservations(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	matching := [][]*dotprops.Dotprops{{
		jitteredLine(t, "a", rng, 30, 0.1),
		jitteredLine(t, "b", rng, 30, 0.1),
	}}
	nonMatching := []*dotprops.Dotprops{
		scatteredCloud(t, "x", rng, 30),
		scatteredCloud(t, "y", rng, 30),
	}

	// A cutoff far below the jitter scale leaves every matching point
	// without a neighbor, so no finite distance survives to bin.
	b := NewBuilder(matching, nonMatching, WithMaxDist(1e-6), WithSeed(3))
	var lookup *Lookup
	var err error
	require.NotPanics(t, func() { lookup, err = b.Build() })
	assert.Error(t, err)
	assert.Nil(t, lookup)
	assert.Contains(t, err.Error(), "cutoff")
}

func TestBuilderInputValidation(t *testing.T) {
	_, err := NewBuilder(nil, nil).Build()
	assert.Error(t, err)

	rng := rand.New(rand.NewPCG(4, 4))
	single := [][]*dotprops.Dotprops{{jitteredLine(t, "only", rng, 20, 0.1)}}
	pool := []*dotprops.Dotprops{
		scatteredCloud(t, "x", rng, 20),
		scatteredCloud(t, "y", rng, 20),
	}
	_, err = NewBuilder(single, pool).Build()
	assert.Error(t, err, "a matching set of one neuron yields no pairs")
}
