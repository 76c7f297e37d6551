package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// KdTree is a balanced 3-d tree rebuilt from every stored entry on each
// BulkInsert. Single inserts go straight into the existing tree and leave it
// unbalanced until the next rebuild.
type KdTree[H comparable] struct {
	points kdPoints[H]
	tree   *kdtree.Tree
}

// NewKdTree creates an empty k-d tree index.
func NewKdTree[H comparable]() *KdTree[H] {
	return &KdTree[H]{}
}

// Kind implements Index.
func (t *KdTree[H]) Kind() Kind { return KindKdTree }

// Len implements Index.
func (t *KdTree[H]) Len() int { return len(t.points) }

// Clear implements Index.
func (t *KdTree[H]) Clear() {
	t.points = t.points[:0]
	t.tree = nil
}

// BulkInsert implements Index.
func (t *KdTree[H]) BulkInsert(entries []Entry[H]) {
	for _, e := range entries {
		t.points = append(t.points, kdPoint[H](e))
	}
	t.rebuild()
}

// Insert implements Index.
func (t *KdTree[H]) Insert(handle H, pos mgl64.Vec3) {
	p := kdPoint[H]{Handle: handle, Pos: pos}
	t.points = append(t.points, p)
	if t.tree == nil {
		t.rebuild()
		return
	}
	t.tree.Insert(p, false)
}

func (t *KdTree[H]) rebuild() {
	if len(t.points) == 0 {
		t.tree = nil
		return
	}
	// kdtree.New partitions its input in place; hand it a copy so points
	// keeps insertion order.
	work := make(kdPoints[H], len(t.points))
	copy(work, t.points)
	t.tree = kdtree.New(work, false)
}

// Nearby implements Index.
func (t *KdTree[H]) Nearby(origin mgl64.Vec3, radius float64, dst []H) []H {
	rSq, ok := radiusSq(radius)
	if !ok || t.tree == nil {
		return dst
	}

	// The keeper bound sits one ulp above r² so pruning never drops a point
	// lying exactly on the boundary; the exact test below decides.
	keep := kdtree.NewDistKeeper(math.Nextafter(rSq, math.Inf(1)))
	t.tree.NearestSet(keep, kdPoint[H]{Pos: origin})
	for _, c := range keep.Heap {
		// The keeper seeds its heap with a nil sentinel.
		if c.Comparable == nil {
			continue
		}
		p := c.Comparable.(kdPoint[H])
		if c.Dist <= rSq {
			dst = append(dst, p.Handle)
		}
	}
	return dst
}

// Nearest implements NearestFinder.
func (t *KdTree[H]) Nearest(origin mgl64.Vec3) (H, bool) {
	var zero H
	if t.tree == nil {
		return zero, false
	}
	c, _ := t.tree.Nearest(kdPoint[H]{Pos: origin})
	if c == nil {
		return zero, false
	}
	return c.(kdPoint[H]).Handle, true
}

// kdPoint is an Entry viewed as a kdtree.Comparable.
type kdPoint[H comparable] Entry[H]

func (p kdPoint[H]) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint[H])
	return p.Pos[d] - q.Pos[d]
}

func (p kdPoint[H]) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, which is what the
// kdtree keepers compare against.
func (p kdPoint[H]) Distance(c kdtree.Comparable) float64 {
	return distSq(p.Pos, c.(kdPoint[H]).Pos)
}

type kdPoints[H comparable] []kdPoint[H]

func (p kdPoints[H]) Index(i int) kdtree.Comparable { return p[i] }
func (p kdPoints[H]) Len() int                      { return len(p) }
func (p kdPoints[H]) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p kdPoints[H]) Pivot(d kdtree.Dim) int {
	return kdPlane[H]{Dim: d, points: p}.pivot()
}

// kdPlane sorts points along one dimension for median selection.
type kdPlane[H comparable] struct {
	kdtree.Dim
	points kdPoints[H]
}

func (p kdPlane[H]) Less(i, j int) bool {
	return p.points[i].Pos[p.Dim] < p.points[j].Pos[p.Dim]
}
func (p kdPlane[H]) Len() int      { return len(p.points) }
func (p kdPlane[H]) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p kdPlane[H]) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane[H]{Dim: p.Dim, points: p.points[start:end]}
}

func (p kdPlane[H]) pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
