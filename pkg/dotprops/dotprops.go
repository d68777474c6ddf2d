// Package dotprops implements the point-cloud neuron representation consumed
// by the scoring engines: ordered 3D points, one unit tangent vector per
// point, and an optional per-point colinearity measure (alpha).
package dotprops

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Point is a location in 3D space.
type Point [3]float64

// Vec is a 3D direction. Tangent vectors stored on a Dotprops are unit length.
type Vec [3]float64

// Dotprops is a point-cloud neuron. Points, Vects and Alpha are parallel
// slices; Alpha may be nil when colinearity was not computed. A Dotprops is
// never mutated after construction, so it is safe to share across goroutines.
type Dotprops struct {
	ID     string
	Points []Point
	Vects  []Vec
	Alpha  []float64

	// Connectors holds synapse locations keyed by type ("pre", "post", ...).
	// Nil for plain morphology clouds.
	Connectors map[string][]Point

	treeOnce sync.Once
	tree     *KDTree
}

// Len returns the number of points.
func (dp *Dotprops) Len() int { return len(dp.Points) }

// NumConnectors returns the total synapse count across all types.
func (dp *Dotprops) NumConnectors() int {
	n := 0
	for _, pts := range dp.Connectors {
		n += len(pts)
	}
	return n
}

// Tree returns the nearest-neighbor index over Points, built on first use.
func (dp *Dotprops) Tree() *KDTree {
	dp.treeOnce.Do(func() {
		dp.tree = NewKDTree(dp.Points)
	})
	return dp.tree
}

// FromOriented builds a Dotprops from precomputed points and tangents.
// Alpha may be nil. Returns an error on length mismatch or empty input.
func FromOriented(id string, points []Point, vects []Vec, alpha []float64) (*Dotprops, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("dotprops %q: no points", id)
	}
	if len(points) != len(vects) {
		return nil, fmt.Errorf("dotprops %q: %d points but %d tangents", id, len(points), len(vects))
	}
	if alpha != nil && len(alpha) != len(points) {
		return nil, fmt.Errorf("dotprops %q: %d points but %d alpha values", id, len(points), len(alpha))
	}
	vv := make([]Vec, len(vects))
	for i, v := range vects {
		vv[i] = normalize(v)
	}
	return &Dotprops{ID: id, Points: points, Vects: vv, Alpha: alpha}, nil
}

// New builds a Dotprops from bare points, deriving the tangent and alpha of
// each point by principal component analysis over its k nearest neighbors
// (the point itself included). k is clamped to the cloud size.
func New(id string, points []Point, k int) (*Dotprops, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("dotprops %q: no points", id)
	}
	if k < 2 {
		k = 2
	}
	if k > len(points) {
		k = len(points)
	}

	dp := &Dotprops{
		ID:     id,
		Points: points,
		Vects:  make([]Vec, len(points)),
		Alpha:  make([]float64, len(points)),
	}

	if len(points) == 1 {
		dp.Vects[0] = Vec{1, 0, 0}
		dp.Alpha[0] = 1
		return dp, nil
	}

	tree := NewKDTree(points)
	neighborIdx := make([]int, 0, k)
	for i, p := range points {
		neighborIdx = tree.KNearest(p, k, neighborIdx[:0])
		vect, alpha := principalDirection(points, neighborIdx)
		dp.Vects[i] = vect
		dp.Alpha[i] = alpha
	}
	return dp, nil
}

// Downsample returns a new Dotprops keeping every step-th point. step <= 1
// returns the receiver unchanged. The result shares backing arrays with the
// receiver but has its own nearest-neighbor index.
func (dp *Dotprops) Downsample(step int) *Dotprops {
	if step <= 1 || dp.Len() <= step {
		return dp
	}
	n := (dp.Len() + step - 1) / step
	out := &Dotprops{
		ID:         dp.ID,
		Points:     make([]Point, 0, n),
		Vects:      make([]Vec, 0, n),
		Connectors: dp.Connectors,
	}
	if dp.Alpha != nil {
		out.Alpha = make([]float64, 0, n)
	}
	for i := 0; i < dp.Len(); i += step {
		out.Points = append(out.Points, dp.Points[i])
		out.Vects = append(out.Vects, dp.Vects[i])
		if dp.Alpha != nil {
			out.Alpha = append(out.Alpha, dp.Alpha[i])
		}
	}
	return out
}

// DistDots matches every point of dp onto its nearest neighbor in other and
// returns the match distances and the absolute tangent dot products. When
// useAlpha is set the product of the two points' alpha values is returned as
// a third slice, otherwise nil. maxDist > 0 caps the neighbor search: points
// with no neighbor inside the cap get distance +Inf and dot 0.
func (dp *Dotprops) DistDots(other *Dotprops, useAlpha bool, maxDist float64) (dists, dots, alphas []float64) {
	n := dp.Len()
	dists = make([]float64, n)
	dots = make([]float64, n)
	if useAlpha {
		alphas = make([]float64, n)
	}
	tree := other.Tree()
	for i, p := range dp.Points {
		j, d := tree.Nearest(p, maxDist)
		if j < 0 {
			dists[i] = math.Inf(1)
			dots[i] = 0
			continue
		}
		dists[i] = d
		dots[i] = math.Abs(dot(dp.Vects[i], other.Vects[j]))
		if useAlpha {
			alphas[i] = alphaAt(dp, i) * alphaAt(other, j)
		}
	}
	return dists, dots, alphas
}

func alphaAt(dp *Dotprops, i int) float64 {
	if dp.Alpha == nil {
		return 1
	}
	return dp.Alpha[i]
}

// principalDirection fits the first principal component of the given point
// subset and returns it with the colinearity alpha = (l1-l2)/(l1+l2+l3).
func principalDirection(points []Point, idx []int) (Vec, float64) {
	var c Point
	for _, j := range idx {
		for d := 0; d < 3; d++ {
			c[d] += points[j][d]
		}
	}
	inv := 1 / float64(len(idx))
	for d := 0; d < 3; d++ {
		c[d] *= inv
	}

	var cov [3][3]float64
	for _, j := range idx {
		var r [3]float64
		for d := 0; d < 3; d++ {
			r[d] = points[j][d] - c[d]
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
		return Vec{1, 0, 0}, 0
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// EigenSym returns eigenvalues in ascending order; the tangent is the
	// eigenvector of the largest one.
	v := Vec{vecs.At(0, 2), vecs.At(1, 2), vecs.At(2, 2)}
	sum := vals[0] + vals[1] + vals[2]
	alpha := 0.0
	if sum > 0 {
		alpha = (vals[2] - vals[1]) / sum
	}
	return normalize(v), alpha
}

func dot(a, b Vec) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func normalize(v Vec) Vec {
	n := math.Sqrt(dot(v, v))
	if n == 0 {
		return Vec{1, 0, 0}
	}
	return Vec{v[0] / n, v[1] / n, v[2] / n}
}
