package spatial

import (
	flatbush "github.com/bmharper/flatbush-go/v2"
	"github.com/go-gl/mathgl/mgl64"
)

// Flatbush is a packed Hilbert R-tree over the XY footprint of each entry.
// The packed layout cannot grow once finished, so every insert rebuilds it;
// it is meant for the per-tick Clear + BulkInsert cycle.
type Flatbush[H comparable] struct {
	entries []Entry[H] // flatbush item index = slot in entries
	tree    *flatbush.Flatbush[float64]
}

// NewFlatbush creates an empty packed R-tree index.
func NewFlatbush[H comparable]() *Flatbush[H] {
	return &Flatbush[H]{}
}

// Kind implements Index.
func (f *Flatbush[H]) Kind() Kind { return KindFlatbush }

// Len implements Index.
func (f *Flatbush[H]) Len() int { return len(f.entries) }

// Clear implements Index.
func (f *Flatbush[H]) Clear() {
	f.entries = f.entries[:0]
	f.tree = nil
}

// BulkInsert implements Index.
func (f *Flatbush[H]) BulkInsert(entries []Entry[H]) {
	f.entries = append(f.entries, entries...)
	f.build()
}

// Insert implements Index.
func (f *Flatbush[H]) Insert(handle H, pos mgl64.Vec3) {
	f.entries = append(f.entries, Entry[H]{Handle: handle, Pos: pos})
	f.build()
}

func (f *Flatbush[H]) build() {
	if len(f.entries) == 0 {
		f.tree = nil
		return
	}
	tree := flatbush.NewFlatbush[float64]()
	tree.Reserve(len(f.entries))
	for _, e := range f.entries {
		tree.Add(e.Pos[0], e.Pos[1], e.Pos[0], e.Pos[1])
	}
	tree.Finish()
	f.tree = tree
}

// Nearby implements Index.
func (f *Flatbush[H]) Nearby(origin mgl64.Vec3, radius float64, dst []H) []H {
	rSq, ok := radiusSq(radius)
	if !ok || f.tree == nil {
		return dst
	}
	hits := f.tree.Search(origin[0]-radius, origin[1]-radius, origin[0]+radius, origin[1]+radius)
	for _, i := range hits {
		e := &f.entries[i]
		if distSq(e.Pos, origin) <= rSq {
			dst = append(dst, e.Handle)
		}
	}
	return dst
}
