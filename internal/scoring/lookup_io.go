package scoring

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// ReadLookupCSV parses a lookup table from tabular form: the first row holds
// dot-product bin labels, the first column distance bin labels, both of the
// literal form "(left,right]". "inf"/"-inf" (and an empty right edge) map to
// the infinite endpoints.
func ReadLookupCSV(r io.Reader) (*Lookup, error) {
	rec, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("lookup csv: %w", err)
	}
	if len(rec) < 2 || len(rec[0]) < 2 {
		return nil, fmt.Errorf("lookup csv: table too small (%d rows)", len(rec))
	}

	dotBreaks, err := breaksFromLabels(rec[0][1:])
	if err != nil {
		return nil, fmt.Errorf("lookup csv: column headers: %w", err)
	}

	distLabels := make([]string, 0, len(rec)-1)
	cells := make([]float64, 0, (len(rec)-1)*(len(rec[0])-1))
	for i, row := range rec[1:] {
		if len(row) != len(rec[0]) {
			return nil, fmt.Errorf("lookup csv: row %d has %d fields, want %d", i+1, len(row), len(rec[0]))
		}
		distLabels = append(distLabels, row[0])
		for _, f := range row[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("lookup csv: row %d: %w", i+1, err)
			}
			cells = append(cells, v)
		}
	}
	distBreaks, err := breaksFromLabels(distLabels)
	if err != nil {
		return nil, fmt.Errorf("lookup csv: row headers: %w", err)
	}

	return NewLookup(distBreaks, dotBreaks, cells)
}

// breaksFromLabels turns n "(left,right]" labels into n+1 boundaries,
// checking that adjacent bins share an edge.
func breaksFromLabels(labels []string) ([]float64, error) {
	breaks := make([]float64, 0, len(labels)+1)
	for i, lab := range labels {
		left, right, err := parseInterval(lab)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			breaks = append(breaks, left)
		} else if left != breaks[len(breaks)-1] && !(math.IsInf(left, 0) && math.IsInf(breaks[len(breaks)-1], 0)) {
			return nil, fmt.Errorf("bin %q does not start where the previous one ends (%g)", lab, breaks[len(breaks)-1])
		}
		breaks = append(breaks, right)
	}
	return breaks, nil
}

// parseInterval parses the literal label form "(left,right]".
func parseInterval(s string) (left, right float64, err error) {
	t := strings.TrimSpace(s)
	if len(t) < 4 || t[0] != '(' || t[len(t)-1] != ']' {
		return 0, 0, fmt.Errorf("malformed interval label %q", s)
	}
	parts := strings.SplitN(t[1:len(t)-1], ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed interval label %q", s)
	}
	left, err = parseEdge(parts[0], math.Inf(-1))
	if err != nil {
		return 0, 0, fmt.Errorf("interval %q: %w", s, err)
	}
	right, err = parseEdge(parts[1], math.Inf(1))
	if err != nil {
		return 0, 0, fmt.Errorf("interval %q: %w", s, err)
	}
	return left, right, nil
}

// parseEdge parses one boundary; empty and "inf"/"-inf" strings become the
// supplied open-end default.
func parseEdge(s string, openEnd float64) (float64, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	switch t {
	case "":
		return openEnd, nil
	case "inf", "+inf", "infinity", "+infinity":
		return math.Inf(1), nil
	case "-inf", "-infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(t, 64)
}

// WriteLookupCSV writes the table in the same form ReadLookupCSV accepts:
// export then reimport reproduces identical boundaries and cells.
func (l *Lookup) WriteLookupCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	rows, cols := l.Dims()

	header := make([]string, cols+1)
	for j := 0; j < cols; j++ {
		header[j+1] = intervalLabel(l.dotBreaks[j], l.dotBreaks[j+1])
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, cols+1)
	for i := 0; i < rows; i++ {
		row[0] = intervalLabel(l.distBreaks[i], l.distBreaks[i+1])
		for j := 0; j < cols; j++ {
			row[j+1] = strconv.FormatFloat(l.cells.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func intervalLabel(left, right float64) string {
	return "(" + edgeLabel(left) + "," + edgeLabel(right) + "]"
}

func edgeLabel(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// LoadLookup reads a table from disk. Files ending in .gz are transparently
// decompressed; .json files use the JSON form, anything else is CSV.
func LoadLookup(path string) (*Lookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	name := path
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, ".gz")
	}
	log.Debug().Str("path", path).Msg("loading score lookup table")

	if strings.HasSuffix(name, ".json") {
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return UnmarshalLookupJSON(raw)
	}
	return ReadLookupCSV(r)
}

// SaveLookup writes a table to disk, mirroring the format rules of LoadLookup.
func (l *Lookup) SaveLookup(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var zw *gzip.Writer
	name := path
	if strings.HasSuffix(name, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
		name = strings.TrimSuffix(name, ".gz")
	}

	if strings.HasSuffix(name, ".json") {
		raw, err := l.MarshalLookupJSON()
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	} else if err := l.WriteLookupCSV(w); err != nil {
		return err
	}
	if zw != nil {
		// Close flushes the gzip footer; a discarded error here would
		// leave a silently truncated file on disk.
		return zw.Close()
	}
	return nil
}

// lookupJSON is the JSON wire form. Infinite endpoints are carried as
// strings since JSON has no Inf literal.
type lookupJSON struct {
	DistBreaks []string  `json:"dist_breaks"`
	DotBreaks  []string  `json:"dot_breaks"`
	Cells      []float64 `json:"cells"`
}

// MarshalLookupJSON serializes the table with sonic.
func (l *Lookup) MarshalLookupJSON() ([]byte, error) {
	rows, cols := l.Dims()
	j := lookupJSON{
		DistBreaks: make([]string, len(l.distBreaks)),
		DotBreaks:  make([]string, len(l.dotBreaks)),
		Cells:      make([]float64, 0, rows*cols),
	}
	for i, v := range l.distBreaks {
		j.DistBreaks[i] = edgeLabel(v)
	}
	for i, v := range l.dotBreaks {
		j.DotBreaks[i] = edgeLabel(v)
	}
	for i := 0; i < rows; i++ {
		j.Cells = append(j.Cells, l.cells.RawRowView(i)...)
	}
	return sonic.Marshal(j)
}

// UnmarshalLookupJSON is the inverse of MarshalLookupJSON.
func UnmarshalLookupJSON(raw []byte) (*Lookup, error) {
	var j lookupJSON
	if err := sonic.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("lookup json: %w", err)
	}
	db, err := edgesFromLabels(j.DistBreaks)
	if err != nil {
		return nil, fmt.Errorf("lookup json: %w", err)
	}
	tb, err := edgesFromLabels(j.DotBreaks)
	if err != nil {
		return nil, fmt.Errorf("lookup json: %w", err)
	}
	return NewLookup(db, tb, j.Cells)
}

func edgesFromLabels(labels []string) ([]float64, error) {
	out := make([]float64, len(labels))
	for i, s := range labels {
		v, err := parseEdge(s, math.NaN())
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
