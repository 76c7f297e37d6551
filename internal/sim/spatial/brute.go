package spatial

import "github.com/go-gl/mathgl/mgl64"

// Brute stores entries in a flat slice and scans all of them per query.
// It is the reference every other index is checked against.
type Brute[H comparable] struct {
	entries []Entry[H]
}

// NewBrute creates an empty brute-force index.
func NewBrute[H comparable]() *Brute[H] {
	return &Brute[H]{}
}

func (b *Brute[H]) Kind() Kind { return KindBrute }
func (b *Brute[H]) Len() int   { return len(b.entries) }
func (b *Brute[H]) Clear()     { b.entries = b.entries[:0] }

func (b *Brute[H]) BulkInsert(entries []Entry[H]) {
	b.entries = append(b.entries, entries...)
}

func (b *Brute[H]) Insert(handle H, pos mgl64.Vec3) {
	b.entries = append(b.entries, Entry[H]{Handle: handle, Pos: pos})
}

func (b *Brute[H]) Nearby(origin mgl64.Vec3, radius float64, dst []H) []H {
	rSq, ok := radiusSq(radius)
	if !ok {
		return dst
	}
	return appendWithin(dst, b.entries, origin, rSq)
}

func (b *Brute[H]) Nearest(origin mgl64.Vec3) (H, bool) {
	var best H
	bestSq := -1.0
	for _, e := range b.entries {
		if d := distSq(e.Pos, origin); bestSq < 0 || d < bestSq {
			best, bestSq = e.Handle, d
		}
	}
	return best, bestSq >= 0
}
