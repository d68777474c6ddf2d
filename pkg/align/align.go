// Package align provides the registration capability consumed by the
// alignment-based scoring engine: move a source point cloud onto a target
// and return a fresh cloud built from the moved coordinates. Tangent vectors
// are rotated along with the points; alpha is pose-invariant and kept as is.
package align

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/morphoscope/nblast/pkg/dotprops"
)

// Transform is a rigid transform: moved = R*p + T.
type Transform struct {
	R [3][3]float64
	T [3]float64
}

// Identity returns the no-op transform.
func Identity() Transform {
	return Transform{R: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// ApplyPoint transforms one location.
func (tr Transform) ApplyPoint(p dotprops.Point) dotprops.Point {
	var out dotprops.Point
	for i := 0; i < 3; i++ {
		out[i] = tr.R[i][0]*p[0] + tr.R[i][1]*p[1] + tr.R[i][2]*p[2] + tr.T[i]
	}
	return out
}

// ApplyVec rotates one direction (no translation).
func (tr Transform) ApplyVec(v dotprops.Vec) dotprops.Vec {
	var out dotprops.Vec
	for i := 0; i < 3; i++ {
		out[i] = tr.R[i][0]*v[0] + tr.R[i][1]*v[1] + tr.R[i][2]*v[2]
	}
	return out
}

// Apply rebuilds a Dotprops from the transformed coordinates and tangents.
func (tr Transform) Apply(dp *dotprops.Dotprops) (*dotprops.Dotprops, error) {
	points := make([]dotprops.Point, dp.Len())
	vects := make([]dotprops.Vec, dp.Len())
	for i := range dp.Points {
		points[i] = tr.ApplyPoint(dp.Points[i])
		vects[i] = tr.ApplyVec(dp.Vects[i])
	}
	return dotprops.FromOriented(dp.ID, points, vects, dp.Alpha)
}

// Rigid aligns by iterated closest-point correspondence and Kabsch fitting.
type Rigid struct {
	// MaxIterations bounds the refinement loop; 1 is a single Kabsch pass
	// over nearest-neighbor correspondences.
	MaxIterations int
	// ConvergenceThresh stops iterating once the mean correspondence
	// distance improves by less than this.
	ConvergenceThresh float64
	// MaxCorrespondDist rejects correspondences farther apart than this;
	// 0 accepts everything.
	MaxCorrespondDist float64
}

// NewRigid returns a Rigid aligner with workable defaults.
func NewRigid() *Rigid {
	return &Rigid{
		MaxIterations:     20,
		ConvergenceThresh: 1e-3,
	}
}

// Align moves src onto tgt and returns the moved cloud.
func (r *Rigid) Align(src, tgt *dotprops.Dotprops) (*dotprops.Dotprops, error) {
	if src.Len() < 3 || tgt.Len() < 3 {
		return nil, fmt.Errorf("align: rigid alignment needs >= 3 points per cloud (%d vs %d)", src.Len(), tgt.Len())
	}
	iters := r.MaxIterations
	if iters < 1 {
		iters = 1
	}

	tr := Identity()
	current := src.Points
	prevErr := math.Inf(1)
	for it := 0; it < iters; it++ {
		step, meanDist, n := kabschStep(current, tgt, r.MaxCorrespondDist)
		if n < 3 {
			return nil, fmt.Errorf("align: only %d correspondences inside cutoff between %q and %q", n, src.ID, tgt.ID)
		}
		tr = compose(step, tr)
		moved := make([]dotprops.Point, len(current))
		for i, p := range current {
			moved[i] = step.ApplyPoint(p)
		}
		current = moved
		if prevErr-meanDist < r.ConvergenceThresh {
			log.Trace().Int("iterations", it+1).Float64("mean_dist", meanDist).Msg("rigid alignment converged")
			break
		}
		prevErr = meanDist
	}
	return tr.Apply(src)
}

// kabschStep computes the least-squares rigid transform mapping each source
// point onto its nearest target neighbor. Returns the transform, the mean
// correspondence distance, and the correspondence count.
func kabschStep(src []dotprops.Point, tgt *dotprops.Dotprops, maxDist float64) (Transform, float64, int) {
	tree := tgt.Tree()
	srcPts := make([]dotprops.Point, 0, len(src))
	tgtPts := make([]dotprops.Point, 0, len(src))
	total := 0.0
	for _, p := range src {
		j, d := tree.Nearest(p, maxDist)
		if j < 0 {
			continue
		}
		srcPts = append(srcPts, p)
		tgtPts = append(tgtPts, tgt.Points[j])
		total += d
	}
	n := len(srcPts)
	if n < 3 {
		return Identity(), math.Inf(1), n
	}
	return kabsch(srcPts, tgtPts), total / float64(n), n
}

// kabsch solves for the proper rotation + translation minimizing the RMSD
// between paired point sets, via SVD of the cross-covariance.
func kabsch(src, tgt []dotprops.Point) Transform {
	cs := centroid(src)
	ct := centroid(tgt)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				h.Set(a, b, h.At(a, b)+(src[i][a]-cs[a])*(tgt[i][b]-ct[b]))
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDThin); !ok {
		return Identity()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	// Flip the smallest singular direction if the fit came out as a
	// reflection.
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
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
	return tr
}

// compose returns the transform equivalent to applying first, then second.
func compose(second, first Transform) Transform {
	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out.R[i][j] += second.R[i][k] * first.R[k][j]
			}
		}
	}
	tp := second.ApplyPoint(dotprops.Point(first.T))
	out.T = [3]float64(tp)
	return out
}

func centroid(pts []dotprops.Point) dotprops.Point {
	var c dotprops.Point
	for _, p := range pts {
		for d := 0; d < 3; d++ {
			c[d] += p[d]
		}
	}
	inv := 1 / float64(len(pts))
	for d := 0; d < 3; d++ {
		c[d] *= inv
	}
	return c
}
