package dotprops

import (
	"math"
	"sort"
)

// KDTree is a static 3D k-d tree over a point slice. It stores indices into
// the original slice so query results can be mapped back to per-point data
// (tangents, alpha). Build once, query from any number of goroutines.
type KDTree struct {
	points []Point
	idx    []int32 // point indices in tree order
	axis   []int8  // split axis per tree node, -1 for leaves
}

const kdLeafSize = 8

// NewKDTree builds a tree over points. The slice is not copied; callers must
// not mutate it afterwards.
func NewKDTree(points []Point) *KDTree {
	t := &KDTree{
		points: points,
		idx:    make([]int32, len(points)),
		axis:   make([]int8, len(points)),
	}
	for i := range t.idx {
		t.idx[i] = int32(i)
	}
	t.build(0, len(points))
	return t
}

// build recursively splits idx[lo:hi] at the median of the widest axis.
func (t *KDTree) build(lo, hi int) {
	if hi-lo <= kdLeafSize {
		for i := lo; i < hi; i++ {
			t.axis[i] = -1
		}
		return
	}
	ax := t.widestAxis(lo, hi)
	seg := t.idx[lo:hi]
	mid := (hi - lo) / 2
	sort.Slice(seg, func(a, b int) bool {
		return t.points[seg[a]][ax] < t.points[seg[b]][ax]
	})
	t.axis[lo+mid] = int8(ax)
	t.build(lo, lo+mid)
	t.build(lo+mid+1, hi)
}

func (t *KDTree) widestAxis(lo, hi int) int {
	var lower, upper [3]float64
	for d := 0; d < 3; d++ {
		lower[d] = math.Inf(1)
		upper[d] = math.Inf(-1)
	}
	for i := lo; i < hi; i++ {
		p := t.points[t.idx[i]]
		for d := 0; d < 3; d++ {
			lower[d] = math.Min(lower[d], p[d])
			upper[d] = math.Max(upper[d], p[d])
		}
	}
	ax, span := 0, upper[0]-lower[0]
	for d := 1; d < 3; d++ {
		if s := upper[d] - lower[d]; s > span {
			ax, span = d, s
		}
	}
	return ax
}

// Nearest returns the index of the point closest to q and its distance.
// maxDist > 0 restricts the search radius; if no point lies inside it the
// result is (-1, +Inf).
func (t *KDTree) Nearest(q Point, maxDist float64) (int, float64) {
	best := int32(-1)
	bound := math.Inf(1)
	if maxDist > 0 {
		bound = maxDist
	}
	t.nearest(q, 0, len(t.idx), &best, &bound)
	if best < 0 {
		return -1, math.Inf(1)
	}
	return int(best), bound
}

func (t *KDTree) nearest(q Point, lo, hi int, best *int32, bound *float64) {
	if hi <= lo {
		return
	}
	if t.axis[lo+(hi-lo)/2] == -1 && hi-lo <= kdLeafSize {
		for i := lo; i < hi; i++ {
			j := t.idx[i]
			if d := dist(q, t.points[j]); d < *bound || (*best < 0 && d <= *bound) {
				*best = j
				*bound = d
			}
		}
		return
	}
	mid := lo + (hi-lo)/2
	ax := t.axis[mid]
	j := t.idx[mid]
	if d := dist(q, t.points[j]); d < *bound || (*best < 0 && d <= *bound) {
		*best = j
		*bound = d
	}
	delta := q[ax] - t.points[j][ax]
	if delta < 0 {
		t.nearest(q, lo, mid, best, bound)
		if -delta <= *bound {
			t.nearest(q, mid+1, hi, best, bound)
		}
	} else {
		t.nearest(q, mid+1, hi, best, bound)
		if delta <= *bound {
			t.nearest(q, lo, mid, best, bound)
		}
	}
}

// KNearest appends the indices of the k points closest to q to dst and
// returns it. The result is unordered. k larger than the tree size returns
// every index.
func (t *KDTree) KNearest(q Point, k int, dst []int) []int {
	if k <= 0 {
		return dst
	}
	if k > len(t.points) {
		k = len(t.points)
	}
	h := knnHeap{k: k}
	t.kNearest(q, 0, len(t.idx), &h)
	for _, e := range h.entries {
		dst = append(dst, int(e.idx))
	}
	return dst
}

func (t *KDTree) kNearest(q Point, lo, hi int, h *knnHeap) {
	if hi <= lo {
		return
	}
	mid := lo + (hi-lo)/2
	if t.axis[mid] == -1 && hi-lo <= kdLeafSize {
		for i := lo; i < hi; i++ {
			j := t.idx[i]
			h.push(j, dist(q, t.points[j]))
		}
		return
	}
	ax := t.axis[mid]
	j := t.idx[mid]
	h.push(j, dist(q, t.points[j]))
	delta := q[ax] - t.points[j][ax]
	if delta < 0 {
		t.kNearest(q, lo, mid, h)
		if len(h.entries) < h.k || -delta <= h.worst() {
			t.kNearest(q, mid+1, hi, h)
		}
	} else {
		t.kNearest(q, mid+1, hi, h)
		if len(h.entries) < h.k || delta <= h.worst() {
			t.kNearest(q, lo, mid, h)
		}
	}
}

type knnEntry struct {
	idx  int32
	dist float64
}

// knnHeap is a bounded max-heap keeping the k smallest distances seen.
type knnHeap struct {
	k       int
	entries []knnEntry
}

func (h *knnHeap) worst() float64 { return h.entries[0].dist }

func (h *knnHeap) push(idx int32, d float64) {
	if len(h.entries) < h.k {
		h.entries = append(h.entries, knnEntry{idx, d})
		for i := len(h.entries) - 1; i > 0; {
			parent := (i - 1) / 2
			if h.entries[parent].dist >= h.entries[i].dist {
				break
			}
			h.entries[parent], h.entries[i] = h.entries[i], h.entries[parent]
			i = parent
		}
		return
	}
	if d >= h.entries[0].dist {
		return
	}
	h.entries[0] = knnEntry{idx, d}
	i := 0
	for {
		l, r := 2*i+1, 2*i+2
		largest := i
		if l < len(h.entries) && h.entries[l].dist > h.entries[largest].dist {
			largest = l
		}
		if r < len(h.entries) && h.entries[r].dist > h.entries[largest].dist {
			largest = r
		}
		if largest == i {
			break
		}
		h.entries[i], h.entries[largest] = h.entries[largest], h.entries[i]
		i = largest
	}
}

func dist(a, b Point) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
