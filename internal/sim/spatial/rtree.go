package spatial

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/peterstace/simplefeatures/rtree"
	"github.com/pkg/errors"
)

// errStopSearch ends an rtree callback walk early. It never escapes.
var errStopSearch = errors.New("stop search")

// RTree indexes each entry's XY footprint in a bulk-loaded R-tree. Queries
// search the XY box around the origin and then apply the exact 3-d distance
// test, so entries spread along z are still answered correctly.
type RTree[H comparable] struct {
	entries []Entry[H] // record id = slot in entries
	tree    *rtree.RTree
	items   []rtree.BulkItem // reused between bulk loads
}

// NewRTree creates an empty R-tree index.
func NewRTree[H comparable]() *RTree[H] {
	return &RTree[H]{tree: &rtree.RTree{}}
}

// Kind implements Index.
func (t *RTree[H]) Kind() Kind { return KindRTree }

// Len implements Index.
func (t *RTree[H]) Len() int { return len(t.entries) }

// Clear implements Index.
func (t *RTree[H]) Clear() {
	t.entries = t.entries[:0]
	t.tree = &rtree.RTree{}
}

// BulkInsert reloads the tree from every stored entry.
func (t *RTree[H]) BulkInsert(entries []Entry[H]) {
	if len(entries) == 0 {
		return
	}
	t.entries = append(t.entries, entries...)
	t.items = t.items[:0]
	for i, e := range t.entries {
		t.items = append(t.items, rtree.BulkItem{Box: pointBox(e.Pos), RecordID: i})
	}
	t.tree = rtree.BulkLoad(t.items)
}

// Insert implements Index.
func (t *RTree[H]) Insert(handle H, pos mgl64.Vec3) {
	t.entries = append(t.entries, Entry[H]{Handle: handle, Pos: pos})
	t.tree.Insert(pointBox(pos), len(t.entries)-1)
}

// Nearby implements Index.
func (t *RTree[H]) Nearby(origin mgl64.Vec3, radius float64, dst []H) []H {
	rSq, ok := radiusSq(radius)
	if !ok || len(t.entries) == 0 {
		return dst
	}
	query := rtree.Box{
		MinX: origin[0] - radius,
		MinY: origin[1] - radius,
		MaxX: origin[0] + radius,
		MaxY: origin[1] + radius,
	}
	_ = t.tree.RangeSearch(query, func(id int) error {
		e := &t.entries[id]
		if distSq(e.Pos, origin) <= rSq {
			dst = append(dst, e.Handle)
		}
		return nil
	})
	return dst
}

// Nearest walks records in ascending XY distance and stops once the XY
// distance alone exceeds the best 3-d distance seen.
func (t *RTree[H]) Nearest(origin mgl64.Vec3) (H, bool) {
	var best H
	if len(t.entries) == 0 {
		return best, false
	}
	bestSq := -1.0
	_ = t.tree.PrioritySearch(pointBox(origin), func(id int) error {
		e := &t.entries[id]
		dx := e.Pos[0] - origin[0]
		dy := e.Pos[1] - origin[1]
		if bestSq >= 0 && dx*dx+dy*dy > bestSq {
			return errStopSearch
		}
		if d := distSq(e.Pos, origin); bestSq < 0 || d < bestSq {
			best, bestSq = e.Handle, d
		}
		return nil
	})
	return best, bestSq >= 0
}

func pointBox(p mgl64.Vec3) rtree.Box {
	return rtree.Box{MinX: p[0], MinY: p[1], MaxX: p[0], MaxY: p[1]}
}
