package scoring

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreTableMergeByID(t *testing.T) {
	full := NewScoreTable([]string{"a", "b", "c"}, []string{"x", "y"})

	// Sub-tables arrive with their own axis order; merging keys on ID.
	sub1 := NewScoreTable([]string{"c", "a"}, []string{"y"})
	require.NoError(t, sub1.Set("c", "y", 3))
	require.NoError(t, sub1.Set("a", "y", 1))
	sub2 := NewScoreTable([]string{"b"}, []string{"x", "y"})
	require.NoError(t, sub2.Set("b", "x", 5))

	require.NoError(t, full.Merge(sub1))
	require.NoError(t, full.Merge(sub2))

	assert.Equal(t, 3.0, full.At("c", "y"))
	assert.Equal(t, 1.0, full.At("a", "y"))
	assert.Equal(t, 5.0, full.At("b", "x"))
	assert.Equal(t, 0.0, full.At("a", "x"))

	stray := NewScoreTable([]string{"zzz"}, []string{"x"})
	assert.Error(t, full.Merge(stray))
}

func TestScoreTableAtPanicsOnUnknownID(t *testing.T) {
	tbl := NewScoreTable([]string{"a"}, []string{"x"})
	assert.Panics(t, func() { tbl.At("nope", "x") })
	assert.Panics(t, func() { tbl.At("a", "nope") })
}

func TestCombineWithTranspose(t *testing.T) {
	tbl := NewScoreTable([]string{"a", "b"}, []string{"a", "b"})
	require.NoError(t, tbl.Set("a", "b", 4))
	require.NoError(t, tbl.Set("b", "a", 2))
	require.NoError(t, tbl.Set("a", "a", 1))
	require.NoError(t, tbl.Set("b", "b", 1))

	mean, err := tbl.CombineWithTranspose(CombineMean)
	require.NoError(t, err)
	assert.Equal(t, 3.0, mean.At("a", "b"))
	assert.Equal(t, 3.0, mean.At("b", "a"))
	assert.Equal(t, 1.0, mean.At("a", "a"))

	mn, err := tbl.CombineWithTranspose(CombineMin)
	require.NoError(t, err)
	assert.Equal(t, 2.0, mn.At("a", "b"))

	mx, err := tbl.CombineWithTranspose(CombineMax)
	require.NoError(t, err)
	assert.Equal(t, 4.0, mx.At("a", "b"))
}

func TestCombineWithTransposeRejectsMismatchedAxes(t *testing.T) {
	rect := NewScoreTable([]string{"a", "b"}, []string{"x"})
	_, err := rect.CombineWithTranspose(CombineMean)
	assert.Error(t, err)

	square := NewScoreTable([]string{"a", "b"}, []string{"b", "a"})
	_, err = square.CombineWithTranspose(CombineMean)
	assert.Error(t, err, "same IDs in a different order is still invalid")
}

func TestScoreTableJSONRoundTrip(t *testing.T) {
	tbl := NewScoreTable([]string{"a", "b"}, []string{"x", "y", "z"})
	require.NoError(t, tbl.Set("a", "y", 1.5))
	require.NoError(t, tbl.Set("b", "z", -2.25))

	raw, err := sonic.Marshal(tbl)
	require.NoError(t, err)

	var back ScoreTable
	require.NoError(t, sonic.Unmarshal(raw, &back))
	assert.Equal(t, tbl.QueryIDs, back.QueryIDs)
	assert.Equal(t, tbl.TargetIDs, back.TargetIDs)
	assert.Equal(t, 1.5, back.At("a", "y"))
	assert.Equal(t, -2.25, back.At("b", "z"))
	assert.Equal(t, 0.0, back.At("a", "x"))
}
