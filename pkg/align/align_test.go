package align

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphoscope/nblast/pkg/dotprops"
)

// rotZ is a rotation about the z axis by angle radians.
func rotZ(angle float64) Transform {
	c, s := math.Cos(angle), math.Sin(angle)
	return Transform{R: [3][3]float64{
		{c, -s, 0},
		{s, c, 0},
		{0, 0, 1},
	}}
}

func randomCloud(t *testing.T, id string, rng *rand.Rand, n int) *dotprops.Dotprops {
	t.Helper()
	pts := make([]dotprops.Point, n)
	for i := range pts {
		// Anisotropic extents keep the principal axes unambiguous.
		pts[i] = dotprops.Point{rng.Float64() * 100, rng.Float64() * 40, rng.Float64() * 10}
	}
	dp, err := dotprops.New(id, pts, 5)
	require.NoError(t, err)
	return dp
}

func moved(t *testing.T, id string, dp *dotprops.Dotprops, tr Transform) *dotprops.Dotprops {
	t.Helper()
	out, err := tr.Apply(dp)
	require.NoError(t, err)
	out.ID = id
	return out
}

func maxPointDist(a, b *dotprops.Dotprops) float64 {
	worst := 0.0
	for i := range a.Points {
		d := 0.0
		for k := 0; k < 3; k++ {
			d += (a.Points[i][k] - b.Points[i][k]) * (a.Points[i][k] - b.Points[i][k])
		}
		worst = math.Max(worst, math.Sqrt(d))
	}
	return worst
}

func TestTransformApply(t *testing.T) {
	tr := rotZ(math.Pi / 2)
	tr.T = [3]float64{10, 0, 0}

	p := tr.ApplyPoint(dotprops.Point{1, 0, 0})
	assert.InDelta(t, 10, p[0], 1e-12)
	assert.InDelta(t, 1, p[1], 1e-12)
	assert.InDelta(t, 0, p[2], 1e-12)

	// Directions must not pick up the translation.
	v := tr.ApplyVec(dotprops.Vec{1, 0, 0})
	assert.InDelta(t, 0, v[0], 1e-12)
	assert.InDelta(t, 1, v[1], 1e-12)
}

func TestIdentityIsNoOp(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	dp := randomCloud(t, "a", rng, 20)
	out := moved(t, "a", dp, Identity())
	assert.InDelta(t, 0, maxPointDist(dp, out), 1e-12)
}

func TestRigidRecoversKnownPose(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 13))
	tgt := randomCloud(t, "target", rng, 200)

	// Displace the target by a modest rotation plus translation; ICP from
	// the identity pose must pull it back.
	tr := rotZ(0.15)
	tr.T = [3]float64{3, -2, 1}
	src := moved(t, "source", tgt, tr)

	aligned, err := NewRigid().Align(src, tgt)
	require.NoError(t, err)
	require.Equal(t, src.Len(), aligned.Len())

	assert.Less(t, maxPointDist(aligned, tgt), maxPointDist(src, tgt),
		"alignment must improve the pose")
	assert.Less(t, maxPointDist(aligned, tgt)/100, 0.05,
		"recovered pose should be close to exact")
}

func TestRigidRejectsTinyClouds(t *testing.T) {
	a, err := dotprops.FromOriented("a",
		[]dotprops.Point{{0, 0, 0}, {1, 0, 0}},
		[]dotprops.Vec{{1, 0, 0}, {1, 0, 0}}, nil)
	require.NoError(t, err)

	_, err = NewRigid().Align(a, a)
	assert.Error(t, err)
}

func TestRigidCorrespondenceCutoff(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	a := randomCloud(t, "a", rng, 50)
	b := moved(t, "b", a, Transform{R: Identity().R, T: [3]float64{1000, 0, 0}})

	r := NewRigid()
	r.MaxCorrespondDist = 1
	_, err := r.Align(b, a)
	assert.Error(t, err, "no correspondences inside a 1 micron cutoff")
}

func TestPCARecoversTranslation(t *testing.T) {
	rng := rand.New(rand.NewPCG(29, 29))
	tgt := randomCloud(t, "target", rng, 300)

	// A pure translation leaves the covariance untouched, so both clouds
	// yield the same principal axes and the recovery is exact.
	tr := Identity()
	tr.T = [3]float64{500, -120, 40}
	src := moved(t, "source", tgt, tr)

	aligned, err := PCA{}.Align(src, tgt)
	require.NoError(t, err)
	assert.Less(t, maxPointDist(aligned, tgt), 1e-6)
}

func TestPCAOutputIsRigid(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 31))
	tgt := randomCloud(t, "target", rng, 300)

	tr := rotZ(math.Pi / 3)
	tr.T = [3]float64{50, 20, -5}
	src := moved(t, "source", tgt, tr)

	aligned, err := PCA{}.Align(src, tgt)
	require.NoError(t, err)

	// Whatever pose the axis signs settle on, the move must be rigid:
	// centroids coincide and internal distances are preserved.
	ca := centroid(aligned.Points)
	ct := centroid(tgt.Points)
	for d := 0; d < 3; d++ {
		assert.InDelta(t, ct[d], ca[d], 1e-6)
	}
	for i := 0; i < 20; i++ {
		a, b := rng.IntN(src.Len()), rng.IntN(src.Len())
		want := pointDist(src.Points[a], src.Points[b])
		got := pointDist(aligned.Points[a], aligned.Points[b])
		assert.InDelta(t, want, got, 1e-6)
	}
}

func TestPCAThenRigid(t *testing.T) {
	rng := rand.New(rand.NewPCG(37, 37))
	tgt := randomCloud(t, "target", rng, 300)

	// A pose too far gone for plain ICP: PCA recovers the gross offset and
	// Rigid polishes the remainder.
	tr := Identity()
	tr.T = [3]float64{500, 300, 0}
	src := moved(t, "source", tgt, tr)

	coarse, err := PCA{}.Align(src, tgt)
	require.NoError(t, err)
	fine, err := NewRigid().Align(coarse, tgt)
	require.NoError(t, err)

	assert.Less(t, maxPointDist(fine, tgt), 1e-3)
}

func pointDist(a, b dotprops.Point) float64 {
	d := 0.0
	for k := 0; k < 3; k++ {
		d += (a[k] - b[k]) * (a[k] - b[k])
	}
	return math.Sqrt(d)
}

func TestComposeOrder(t *testing.T) {
	first := rotZ(0.3)
	first.T = [3]float64{1, 2, 3}
	second := rotZ(-0.1)
	second.T = [3]float64{-4, 0, 1}

	p := dotprops.Point{5, -7, 2}
	want := second.ApplyPoint(first.ApplyPoint(p))
	got := compose(second, first).ApplyPoint(p)
	for d := 0; d < 3; d++ {
		assert.InDelta(t, want[d], got[d], 1e-12)
	}
}
