package align

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/morphoscope/nblast/pkg/dotprops"
)

// PCA aligns by mapping the source cloud's principal axes onto the target's:
// a coarse, correspondence-free registration that is often good enough as a
// starting pose for neurons in different template spaces.
type PCA struct{}

// Align moves src onto tgt by centroid translation plus principal-axes
// rotation.
func (PCA) Align(src, tgt *dotprops.Dotprops) (*dotprops.Dotprops, error) {
	if src.Len() < 3 || tgt.Len() < 3 {
		return nil, fmt.Errorf("align: pca alignment needs >= 3 points per cloud (%d vs %d)", src.Len(), tgt.Len())
	}
	cs := centroid(src.Points)
	ct := centroid(tgt.Points)

	bs, err := principalAxes(src.Points, cs)
	if err != nil {
		return nil, fmt.Errorf("align: source axes: %w", err)
	}
	bt, err := principalAxes(tgt.Points, ct)
	if err != nil {
		return nil, fmt.Errorf("align: target axes: %w", err)
	}

	// R maps source axes onto target axes: R = Bt * Bs^T.
	var r mat.Dense
	r.Mul(bt, bs.T())
	if mat.Det(&r) < 0 {
		// Axes sign ambiguity produced a reflection; flip the weakest
		// target axis.
		flipColumn(bt, 2)
		r.Mul(bt, bs.T())
	}

	var tr Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tr.R[i][j] = r.At(i, j)
		}
	}
	rc := tr.ApplyPoint(cs)
	for i := 0; i < 3; i++ {
		tr.T[i] = ct[i] - rc[i]
	}
	return tr.Apply(src)
}

// principalAxes returns the eigenvectors of the covariance of pts as matrix
// columns, strongest axis first.
func principalAxes(pts []dotprops.Point, c dotprops.Point) (*mat.Dense, error) {
	var cov [3][3]float64
	for _, p := range pts {
		var r [3]float64
		for d := 0; d < 3; d++ {
			r[d] = p[d] - c[d]
		}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				cov[a][b] += r[a] * r[b]
			}
		}
	}
	sym := mat.NewSymDense(3, []float64{
		cov[0][0], cov[0][1], cov[0][2],
		cov[0][1], cov[1][1], cov[1][2],
		cov[0][2], cov[1][2], cov[2][2],
	})
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("eigendecomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// EigenSym orders eigenvalues ascending; reorder columns strongest first.
	out := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			out.Set(i, j, vecs.At(i, 2-j))
		}
	}
	return out, nil
}

func flipColumn(m *mat.Dense, j int) {
	for i := 0; i < 3; i++ {
		m.Set(i, j, -m.At(i, j))
	}
}
