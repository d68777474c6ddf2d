package scoring

import (
	"fmt"
	"math"

	"github.com/bytedance/sonic"
	"gonum.org/v1/gonum/mat"
)

// ScoreTable is a score matrix labelled by neuron ID: one row per query, one
// column per target. Lookups go through the ID maps, never positions, so
// partial tables produced by different workers can be merged in any order.
type ScoreTable struct {
	QueryIDs  []string
	TargetIDs []string
	M         *mat.Dense

	qix map[string]int
	tix map[string]int
}

// NewScoreTable allocates a zeroed table for the given ID axes.
func NewScoreTable(queryIDs, targetIDs []string) *ScoreTable {
	t := &ScoreTable{
		QueryIDs:  append([]string(nil), queryIDs...),
		TargetIDs: append([]string(nil), targetIDs...),
		M:         mat.NewDense(len(queryIDs), len(targetIDs), nil),
		qix:       make(map[string]int, len(queryIDs)),
		tix:       make(map[string]int, len(targetIDs)),
	}
	for i, id := range t.QueryIDs {
		t.qix[id] = i
	}
	for j, id := range t.TargetIDs {
		t.tix[id] = j
	}
	return t
}

// At returns the score for (query, target) by ID. Like mat.Dense.At it
// panics on an unknown ID: reading a cell that cannot exist is a bug in the
// caller, not a runtime condition.
func (t *ScoreTable) At(query, target string) float64 {
	i, ok := t.qix[query]
	if !ok {
		panic(fmt.Sprintf("score table: unknown query %q", query))
	}
	j, ok := t.tix[target]
	if !ok {
		panic(fmt.Sprintf("score table: unknown target %q", target))
	}
	return t.M.At(i, j)
}

// Set writes the score for (query, target) by ID.
func (t *ScoreTable) Set(query, target string, v float64) error {
	i, ok := t.qix[query]
	if !ok {
		return fmt.Errorf("score table: unknown query %q", query)
	}
	j, ok := t.tix[target]
	if !ok {
		return fmt.Errorf("score table: unknown target %q", target)
	}
	t.M.Set(i, j, v)
	return nil
}

// Merge copies every cell of sub into the matching ID slots of t. Every ID
// of sub must exist in t.
func (t *ScoreTable) Merge(sub *ScoreTable) error {
	for i, q := range sub.QueryIDs {
		for j, tg := range sub.TargetIDs {
			if err := t.Set(q, tg, sub.M.At(i, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

// CombineWithTranspose folds the table with its transpose cell by cell using
// combine. Valid only for square tables whose query and target axes carry
// the same IDs in the same order.
func (t *ScoreTable) CombineWithTranspose(combine func(fwd, rev float64) float64) (*ScoreTable, error) {
	if len(t.QueryIDs) != len(t.TargetIDs) {
		return nil, fmt.Errorf("score table: transpose combine needs a square table, got %dx%d", len(t.QueryIDs), len(t.TargetIDs))
	}
	for i := range t.QueryIDs {
		if t.QueryIDs[i] != t.TargetIDs[i] {
			return nil, fmt.Errorf("score table: transpose combine needs identical axes, %q vs %q at %d", t.QueryIDs[i], t.TargetIDs[i], i)
		}
	}
	out := NewScoreTable(t.QueryIDs, t.TargetIDs)
	n := len(t.QueryIDs)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.M.Set(i, j, combine(t.M.At(i, j), t.M.At(j, i)))
		}
	}
	return out, nil
}

// Aggregation combiners shared by the engines.
func CombineMean(a, b float64) float64 { return (a + b) / 2 }
func CombineMin(a, b float64) float64  { return math.Min(a, b) }
func CombineMax(a, b float64) float64  { return math.Max(a, b) }

// scoreTableJSON is the serialized form used by the HTTP API and the CLI.
type scoreTableJSON struct {
	QueryIDs  []string    `json:"query_ids"`
	TargetIDs []string    `json:"target_ids"`
	Scores    [][]float64 `json:"scores"`
}

// MarshalJSON serializes the table row-major with sonic.
func (t *ScoreTable) MarshalJSON() ([]byte, error) {
	rows := make([][]float64, len(t.QueryIDs))
	for i := range rows {
		rows[i] = append([]float64(nil), t.M.RawRowView(i)...)
	}
	return sonic.Marshal(scoreTableJSON{
		QueryIDs:  t.QueryIDs,
		TargetIDs: t.TargetIDs,
		Scores:    rows,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *ScoreTable) UnmarshalJSON(raw []byte) error {
	var j scoreTableJSON
	if err := sonic.Unmarshal(raw, &j); err != nil {
		return err
	}
	nt := NewScoreTable(j.QueryIDs, j.TargetIDs)
	if len(j.Scores) != len(j.QueryIDs) {
		return fmt.Errorf("score table: %d score rows for %d queries", len(j.Scores), len(j.QueryIDs))
	}
	for i, row := range j.Scores {
		if len(row) != len(j.TargetIDs) {
			return fmt.Errorf("score table: row %d has %d cells for %d targets", i, len(row), len(j.TargetIDs))
		}
		nt.M.SetRow(i, row)
	}
	*t = *nt
	return nil
}
